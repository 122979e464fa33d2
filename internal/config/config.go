// Package config 负责读取并合并服务配置（默认值 → 可选 TOML 文件 → TOKENBOARD_* 环境变量），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvConfigPath 指向可选的 TOML 配置文件。
const EnvConfigPath = "TOKENBOARD_CONFIG"

type Config struct {
	Env          string             `toml:"env"`
	Server       ServerConfig       `toml:"server"`
	DB           DBConfig           `toml:"db"`
	Limits       LimitsConfig       `toml:"limits"`
	Rank         RankConfig         `toml:"rank"`
	Redis        RedisConfig        `toml:"redis"`
	SMTP         SMTPConfig         `toml:"smtp"`
	Notify       NotifyConfig       `toml:"notify"`
	Achievements AchievementsConfig `toml:"achievements"`
	Debug        DebugConfig        `toml:"debug"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	PublicBaseURL string `toml:"public_base_url"`

	// HTTP 连接硬化：直接映射到 net/http 的 http.Server。
	ReadHeaderTimeoutSeconds int `toml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int `toml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int `toml:"idle_timeout_seconds"`
	MaxHeaderBytes           int `toml:"max_header_bytes"`

	// RequestTimeoutSeconds 是单个 API 请求的处理上限；<= 0 表示不限制。
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

type DBConfig struct {
	// Driver 支持 mysql/sqlite；为空时根据 dsn 推断：dsn 非空为 mysql，否则 sqlite。
	Driver string `toml:"driver"`
	// DSN 仅用于 MySQL（示例：user:pass@tcp(127.0.0.1:3306)/tokenboard）；parseTime/loc/time_zone 会被强制规范化。
	DSN string `toml:"dsn"`
	// SQLitePath 是 SQLite 数据库文件路径（可包含 DSN query，如 ?_busy_timeout=30000）。
	SQLitePath string `toml:"sqlite_path"`
}

type LimitsConfig struct {
	// MaxSubmissions 是滚动窗口内允许被接受的提交次数（多天提交只计一次）。
	MaxSubmissions int `toml:"max_submissions"`
	WindowSeconds  int `toml:"window_seconds"`
	// MaxBodyBytes 是提交接口的请求体上限。
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

func (l LimitsConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

type RankConfig struct {
	// LeaderboardCacheSeconds 是排行榜读缓存的最长保留时间；版本号变化会提前失效。
	LeaderboardCacheSeconds int `toml:"leaderboard_cache_seconds"`
	MaxPageSize             int `toml:"max_page_size"`
}

type RedisConfig struct {
	// Addr 为空表示不启用 Redis 广播，仅依赖 cache_invalidation 表的版本号。
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

type SMTPConfig struct {
	SMTPServer     string `toml:"server"`
	SMTPPort       int    `toml:"port"`
	SMTPSSLEnabled bool   `toml:"ssl_enabled"`
	SMTPAccount    string `toml:"account"`
	SMTPFrom       string `toml:"from"`
	SMTPToken      string `toml:"token"`
}

func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.SMTPServer) != ""
}

type NotifyConfig struct {
	// AdminEmail 接收异常告警（未知套餐、客户端累计值与账本偏离等）；为空时只写日志。
	AdminEmail string `toml:"admin_email"`
	// EmailUsers 开启后，升级/新徽章等通知也会发邮件给用户本人。
	EmailUsers bool `toml:"email_users"`
	// DivergenceRatio 为客户端上报累计 token 与重算结果的相对偏差阈值。
	DivergenceRatio float64 `toml:"divergence_ratio"`
}

type AchievementsConfig struct {
	// TimeoutMillis 是同步评估的超时；超时只影响本次响应的徽章字段。
	TimeoutMillis int `toml:"timeout_millis"`
	// DetachedTimeoutSeconds 是响应返回后异步持久化与通知的总时限。
	DetachedTimeoutSeconds int `toml:"detached_timeout_seconds"`
}

func (a AchievementsConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMillis) * time.Millisecond
}

func (a AchievementsConfig) DetachedTimeout() time.Duration {
	return time.Duration(a.DetachedTimeoutSeconds) * time.Second
}

// DebugConfig 控制 /debug/vars（expvar）的暴露；默认关闭。
type DebugConfig struct {
	Routes     bool     `toml:"routes"`
	AllowCIDRs []string `toml:"allow_cidrs"`
	// Token 非空时，携带 X-Tokenboard-Debug-Token 的请求可绕过来源地址限制。
	Token string `toml:"token"`

	TrustProxyHeaders bool     `toml:"trust_proxy_headers"`
	TrustedProxyCIDRs []string `toml:"trusted_proxy_cidrs"`
}

// Load 按 默认值 → TOKENBOARD_CONFIG 指向的 TOML → 环境变量 的顺序合并配置。
func Load() (Config, error) {
	cfg := defaultConfig()
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		if err := mergeFile(&cfg, p); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

// LoadFile 只读取指定 TOML 文件（不读取环境变量），主要给管理命令与测试使用。
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	if err := mergeFile(&cfg, path); err != nil {
		return Config{}, err
	}
	return normalizeAndValidate(cfg)
}

func mergeFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败（%s）: %w", path, err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败（%s）: %w", path, err)
	}
	return nil
}

func normalizeAndValidate(cfg Config) (Config, error) {
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env == "" {
		cfg.Env = "dev"
	}

	publicBaseURL, err := NormalizeHTTPBaseURL(cfg.Server.PublicBaseURL, "server.public_base_url")
	if err != nil {
		return Config{}, err
	}
	cfg.Server.PublicBaseURL = publicBaseURL
	cfg.Server.Addr = strings.TrimSpace(cfg.Server.Addr)
	if cfg.Server.Addr == "" {
		return Config{}, errors.New("server.addr 不能为空")
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.DB.DSN = strings.TrimSpace(cfg.DB.DSN)
	cfg.DB.SQLitePath = strings.TrimSpace(cfg.DB.SQLitePath)
	if cfg.DB.Driver == "" {
		if cfg.DB.DSN != "" {
			cfg.DB.Driver = "mysql"
		} else {
			cfg.DB.Driver = "sqlite"
		}
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if cfg.DB.SQLitePath == "" {
			cfg.DB.SQLitePath = "./data/tokenboard.db?_busy_timeout=30000"
		}
	case "mysql":
		if cfg.DB.DSN == "" {
			return Config{}, errors.New("db.dsn 不能为空（db.driver=mysql）")
		}
	default:
		return Config{}, fmt.Errorf("db.driver 不支持：%s（仅支持 mysql/sqlite）", cfg.DB.Driver)
	}

	if cfg.Limits.MaxSubmissions <= 0 {
		return Config{}, errors.New("limits.max_submissions 必须大于 0")
	}
	if cfg.Limits.WindowSeconds <= 0 {
		return Config{}, errors.New("limits.window_seconds 必须大于 0")
	}
	if cfg.Limits.MaxBodyBytes <= 0 {
		cfg.Limits.MaxBodyBytes = 8 << 20
	}

	if cfg.Rank.MaxPageSize <= 0 {
		cfg.Rank.MaxPageSize = 100
	}
	if cfg.Rank.LeaderboardCacheSeconds < 0 {
		cfg.Rank.LeaderboardCacheSeconds = 0
	}

	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	cfg.Redis.Channel = strings.TrimSpace(cfg.Redis.Channel)
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "tokenboard:cache_invalidation"
	}

	if cfg.SMTP.SMTPPort == 0 {
		cfg.SMTP.SMTPPort = 587
	}
	cfg.Notify.AdminEmail = strings.TrimSpace(cfg.Notify.AdminEmail)
	if cfg.Notify.DivergenceRatio <= 0 {
		cfg.Notify.DivergenceRatio = 0.05
	}

	if cfg.Achievements.TimeoutMillis <= 0 {
		cfg.Achievements.TimeoutMillis = 2000
	}
	if cfg.Achievements.DetachedTimeoutSeconds <= 0 {
		cfg.Achievements.DetachedTimeoutSeconds = 30
	}

	cfg.Debug.Token = strings.TrimSpace(cfg.Debug.Token)
	cfg.Debug.AllowCIDRs = trimNonEmpty(cfg.Debug.AllowCIDRs)
	cfg.Debug.TrustedProxyCIDRs = trimNonEmpty(cfg.Debug.TrustedProxyCIDRs)
	return cfg, nil
}

func trimNonEmpty(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func NormalizeHTTPBaseURL(raw string, label string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return "", nil
	}
	u, err := url.Parse(v)
	if err != nil {
		if strings.TrimSpace(label) == "" {
			return "", fmt.Errorf("解析 base_url 失败: %w", err)
		}
		return "", fmt.Errorf("解析 %s 失败: %w", label, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url 仅支持 http/https")
		}
		return "", fmt.Errorf("%s 仅支持 http/https", label)
	}
	if u.Host == "" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url host 不能为空")
		}
		return "", fmt.Errorf("%s host 不能为空", label)
	}
	return v, nil
}

func defaultConfig() Config {
	return Config{
		Env: "dev",
		Server: ServerConfig{
			Addr: ":8080",

			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       30,
			WriteTimeoutSeconds:      60,
			IdleTimeoutSeconds:       120,
			MaxHeaderBytes:           1 << 20,
			RequestTimeoutSeconds:    30,
		},
		DB: DBConfig{
			SQLitePath: "./data/tokenboard.db?_busy_timeout=30000",
		},
		Limits: LimitsConfig{
			MaxSubmissions: 10,
			WindowSeconds:  3600,
			MaxBodyBytes:   8 << 20,
		},
		Rank: RankConfig{
			LeaderboardCacheSeconds: 60,
			MaxPageSize:             100,
		},
		Redis: RedisConfig{
			Channel: "tokenboard:cache_invalidation",
		},
		SMTP: SMTPConfig{
			SMTPPort: 587,
		},
		Notify: NotifyConfig{
			DivergenceRatio: 0.05,
		},
		Achievements: AchievementsConfig{
			TimeoutMillis:          2000,
			DetachedTimeoutSeconds: 30,
		},
	}
}
