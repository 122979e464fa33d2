package router

import (
	"net/http"
	"time"

	"tokenboard/internal/cacheinv"
	"tokenboard/internal/config"
	"tokenboard/internal/limits"
	"tokenboard/internal/pipeline"
	"tokenboard/internal/store"
)

type Options struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline

	// Inflight 为 nil 时不限制同一用户的并发提交。
	Inflight       *limits.UserInflight
	MaxBodyBytes   int64
	RequestTimeout time.Duration

	// LeaderboardCache 为 nil 时每次都直接查库。
	LeaderboardCache *cacheinv.Versioned[LeaderboardPage]
	MaxPageSize      int

	Debug config.DebugConfig

	// system
	Healthz http.HandlerFunc
}
