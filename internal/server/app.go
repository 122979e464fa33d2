// Package server 组装 HTTP 路由、依赖与中间件，使 main 保持简单可读。
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"tokenboard/internal/achievement"
	"tokenboard/internal/aggregate"
	"tokenboard/internal/cacheinv"
	"tokenboard/internal/config"
	"tokenboard/internal/email"
	"tokenboard/internal/limits"
	"tokenboard/internal/notify"
	"tokenboard/internal/pipeline"
	"tokenboard/internal/rank"
	"tokenboard/internal/store"
	"tokenboard/internal/version"
	"tokenboard/router"
)

type AppOptions struct {
	Config  config.Config
	DB      *sql.DB
	Dialect store.Dialect
	Version version.BuildInfo
	Logger  *slog.Logger

	// Redis 可选；非 nil 时跨实例广播排行榜缓存失效。
	Redis *redis.Client
	// Now 仅供测试替换时钟。
	Now func() time.Time
}

type App struct {
	cfg         config.Config
	db          *sql.DB
	store       *store.Store
	pipeline    *pipeline.Pipeline
	ranker      *rank.Reconciler
	leaderboard *cacheinv.Versioned[router.LeaderboardPage]
	redisHook   *cacheinv.RedisHook
	version     version.BuildInfo
	logger      *slog.Logger
	engine      *gin.Engine
}

func NewApp(opts AppOptions) (*App, error) {
	if opts.DB == nil {
		return nil, errors.New("db 不能为空")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	st := store.New(opts.DB)
	st.SetDialect(opts.Dialect)

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limiter := limits.NewSubmissionLimiter(st, cfg.Limits.MaxSubmissions, cfg.Limits.Window()).WithClock(now)
	ranker := rank.NewReconciler(st)

	hooks := cacheinv.Multi{cacheinv.NewStoreHook(st)}
	var redisHook *cacheinv.RedisHook
	if opts.Redis != nil {
		redisHook = cacheinv.NewRedisHook(opts.Redis, cfg.Redis.Channel)
		hooks = append(hooks, redisHook)
	}

	dispatcher, alerts := notifiers(cfg, logger)

	p := pipeline.New(pipeline.Deps{
		Store:      st,
		Limiter:    limiter,
		Aggregator: aggregate.New(st),
		Ranker:     ranker,
		Evaluator:  achievement.NewBadgeEvaluator(st),
		Hook:       cacheinv.Logged(hooks, logger),
		Dispatcher: dispatcher,
		Alerts:     alerts,
		Logger:     logger,
	}, pipeline.Options{
		AchievementTimeout: cfg.Achievements.Timeout(),
		DetachedTimeout:    cfg.Achievements.DetachedTimeout(),
		DivergenceRatio:    cfg.Notify.DivergenceRatio,
		Now:                now,
	})

	cacheAge := time.Duration(cfg.Rank.LeaderboardCacheSeconds) * time.Second
	// 版本号每秒最多读一次；maxAge 为 0 时关闭缓存。
	var leaderboard *cacheinv.Versioned[router.LeaderboardPage]
	if cacheAge > 0 {
		leaderboard = cacheinv.NewVersioned[router.LeaderboardPage](st, store.CacheInvalidationKeyLeaderboard, cacheAge, time.Second)
	}

	app := &App{
		cfg:         cfg,
		db:          opts.DB,
		store:       st,
		pipeline:    p,
		ranker:      ranker,
		leaderboard: leaderboard,
		redisHook:   redisHook,
		version:     opts.Version,
		logger:      logger,
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.SetRouter(engine, router.Options{
		Store:            st,
		Pipeline:         p,
		Inflight:         limits.NewUserInflight(1),
		MaxBodyBytes:     cfg.Limits.MaxBodyBytes,
		RequestTimeout:   time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		LeaderboardCache: leaderboard,
		MaxPageSize:      cfg.Rank.MaxPageSize,
		Debug:            cfg.Debug,
		Healthz:          app.handleHealthz,
	})
	app.engine = engine
	return app, nil
}

// notifiers 按配置组装用户通知与管理员告警；SMTP 未配置时只写日志。
func notifiers(cfg config.Config, logger *slog.Logger) (notify.Dispatcher, notify.AlertSink) {
	logDispatcher := notify.NewLogDispatcher(logger)
	mailer := email.NewSMTPMailer(cfg.SMTP)
	if !cfg.SMTP.Enabled() || !mailer.Configured() {
		return logDispatcher, notify.NewLogAlertSink(logger)
	}

	var dispatcher notify.Dispatcher = logDispatcher
	if cfg.Notify.EmailUsers {
		dispatcher = notify.Fanout{logDispatcher, notify.NewEmailDispatcher(mailer, cfg.Server.PublicBaseURL)}
	}
	if cfg.Notify.AdminEmail == "" {
		return dispatcher, notify.NewLogAlertSink(logger)
	}
	return dispatcher, notify.NewEmailAlertSink(mailer, cfg.Notify.AdminEmail, logger)
}

func (a *App) Handler() http.Handler {
	return a.engine
}

func (a *App) Store() *store.Store {
	return a.store
}

// Run 运行后台任务（Redis 失效订阅）直到 ctx 结束。
func (a *App) Run(ctx context.Context) {
	if a.redisHook == nil || a.leaderboard == nil {
		return
	}
	for {
		err := a.redisHook.Listen(ctx, func(key string) {
			if key == store.CacheInvalidationKeyLeaderboard {
				a.leaderboard.Drop()
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("订阅缓存失效广播失败，稍后重试", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Close 等待响应之后仍在运行的通知任务结束。
func (a *App) Close() {
	a.pipeline.Wait()
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		OK      bool   `json:"ok"`
		Env     string `json:"env"`
		Version string `json:"version"`
		Commit  string `json:"commit"`
		Date    string `json:"date"`

		DBOK bool `json:"db_ok"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := a.db.PingContext(ctx) == nil

	out := resp{
		OK:      dbOK,
		Env:     a.cfg.Env,
		Version: a.version.Version,
		Commit:  a.version.Commit,
		Date:    a.version.Date,
		DBOK:    dbOK,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(out)
}
