// Package cacheinv 负责在累计值/排名变化后通知读侧刷新：数据库版本号是权威来源，Redis 广播只是加速。
package cacheinv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"tokenboard/internal/config"
	"tokenboard/internal/obs"
)

type Hook interface {
	Invalidate(ctx context.Context, key string) error
}

type versionBumper interface {
	BumpCacheInvalidation(ctx context.Context, key string) error
}

// StoreHook 递增 cache_invalidation 表中的版本号。
type StoreHook struct {
	st versionBumper
}

func NewStoreHook(st versionBumper) *StoreHook {
	return &StoreHook{st: st}
}

func (h *StoreHook) Invalidate(ctx context.Context, key string) error {
	err := h.st.BumpCacheInvalidation(ctx, key)
	obs.RecordCacheInvalidationBump(err == nil)
	return err
}

// RedisHook 在频道上广播失效的 key，其他实例据此立即丢弃本地缓存。
type RedisHook struct {
	client  *redis.Client
	channel string
}

// NewRedisClient 接受 redis:// URL 或 host:port。
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis.addr 未配置")
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("解析 redis.addr 失败: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func NewRedisHook(client *redis.Client, channel string) *RedisHook {
	return &RedisHook{client: client, channel: channel}
}

func (h *RedisHook) Invalidate(ctx context.Context, key string) error {
	if err := h.client.Publish(ctx, h.channel, key).Err(); err != nil {
		return fmt.Errorf("广播缓存失效失败: %w", err)
	}
	return nil
}

// Listen 订阅失效广播直到 ctx 结束，每收到一个 key 调用一次 onKey。
func (h *RedisHook) Listen(ctx context.Context, onKey func(key string)) error {
	sub := h.client.Subscribe(ctx, h.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅缓存失效频道失败: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			onKey(msg.Payload)
		}
	}
}

// Multi 依次调用所有 hook；第一个 hook（数据库版本号）失败时后续仍会执行。
type Multi []Hook

func (m Multi) Invalidate(ctx context.Context, key string) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Invalidate(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged 包装 hook，失败只记日志并返回错误，方便调用方决定是否降级。
func Logged(h Hook, logger *slog.Logger) Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return hookFunc(func(ctx context.Context, key string) error {
		err := h.Invalidate(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "缓存失效通知失败", "cache_key", key, "err", err)
		}
		return err
	})
}

type hookFunc func(ctx context.Context, key string) error

func (f hookFunc) Invalidate(ctx context.Context, key string) error { return f(ctx, key) }
