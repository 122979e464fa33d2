package config

import (
	"os"
	"strconv"
	"strings"
)

func applyEnvOverrides(cfg *Config) {
	applyCoreEnvOverrides(cfg)
	applyServerEnvOverrides(cfg)
	applyDBEnvOverrides(cfg)
	applyLimitsEnvOverrides(cfg)
	applyRankEnvOverrides(cfg)
	applyRedisEnvOverrides(cfg)
	applySMTPEnvOverrides(cfg)
	applyNotifyEnvOverrides(cfg)
	applyDebugEnvOverrides(cfg)
}

func applyCoreEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_ENV"); v != "" {
		cfg.Env = v
	}
}

func applyServerEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TOKENBOARD_PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	setNonNegInt("TOKENBOARD_SERVER_READ_HEADER_TIMEOUT_SECONDS", &cfg.Server.ReadHeaderTimeoutSeconds)
	setNonNegInt("TOKENBOARD_SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeoutSeconds)
	setNonNegInt("TOKENBOARD_SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeoutSeconds)
	setNonNegInt("TOKENBOARD_SERVER_IDLE_TIMEOUT_SECONDS", &cfg.Server.IdleTimeoutSeconds)
	setNonNegInt("TOKENBOARD_SERVER_REQUEST_TIMEOUT_SECONDS", &cfg.Server.RequestTimeoutSeconds)
	if v := os.Getenv("TOKENBOARD_SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxHeaderBytes = n
		}
	}
}

func applyDBEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("TOKENBOARD_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("TOKENBOARD_SQLITE_PATH"); v != "" {
		cfg.DB.SQLitePath = v
	}
}

func applyLimitsEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_LIMITS_MAX_SUBMISSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxSubmissions = n
		}
	}
	if v := os.Getenv("TOKENBOARD_LIMITS_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.WindowSeconds = n
		}
	}
	if v := os.Getenv("TOKENBOARD_LIMITS_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Limits.MaxBodyBytes = n
		}
	}
}

func applyRankEnvOverrides(cfg *Config) {
	setNonNegInt("TOKENBOARD_RANK_LEADERBOARD_CACHE_SECONDS", &cfg.Rank.LeaderboardCacheSeconds)
	if v := os.Getenv("TOKENBOARD_RANK_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Rank.MaxPageSize = n
		}
	}
}

func applyRedisEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TOKENBOARD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	setNonNegInt("TOKENBOARD_REDIS_DB", &cfg.Redis.DB)
	if v := os.Getenv("TOKENBOARD_REDIS_CHANNEL"); v != "" {
		cfg.Redis.Channel = v
	}
}

func applySMTPEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_SMTP_SERVER"); v != "" {
		cfg.SMTP.SMTPServer = v
	}
	if v := os.Getenv("TOKENBOARD_SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.SMTPPort = n
		}
	}
	if v := os.Getenv("TOKENBOARD_SMTP_SSL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SMTP.SMTPSSLEnabled = b
		}
	}
	if v := os.Getenv("TOKENBOARD_SMTP_ACCOUNT"); v != "" {
		cfg.SMTP.SMTPAccount = v
	}
	if v := os.Getenv("TOKENBOARD_SMTP_FROM"); v != "" {
		cfg.SMTP.SMTPFrom = v
	}
	if v := os.Getenv("TOKENBOARD_SMTP_TOKEN"); v != "" {
		cfg.SMTP.SMTPToken = v
	}
}

func applyNotifyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_NOTIFY_ADMIN_EMAIL"); v != "" {
		cfg.Notify.AdminEmail = v
	}
	if v := os.Getenv("TOKENBOARD_NOTIFY_EMAIL_USERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Notify.EmailUsers = b
		}
	}
	if v := os.Getenv("TOKENBOARD_NOTIFY_DIVERGENCE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Notify.DivergenceRatio = f
		}
	}
	if v := os.Getenv("TOKENBOARD_ACHIEVEMENTS_TIMEOUT_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Achievements.TimeoutMillis = n
		}
	}
}

func applyDebugEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENBOARD_DEBUG_ROUTES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug.Routes = b
		}
	}
	if v := os.Getenv("TOKENBOARD_DEBUG_ROUTES_ALLOW_CIDRS"); v != "" {
		cfg.Debug.AllowCIDRs = strings.Split(v, ",")
	}
	if v := os.Getenv("TOKENBOARD_DEBUG_ROUTES_TOKEN"); v != "" {
		cfg.Debug.Token = v
	}
	if v := os.Getenv("TOKENBOARD_TRUST_PROXY_HEADERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug.TrustProxyHeaders = b
		}
	}
	if v := os.Getenv("TOKENBOARD_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.Debug.TrustedProxyCIDRs = strings.Split(v, ",")
	}
}

func setNonNegInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		*dst = n
	}
}
