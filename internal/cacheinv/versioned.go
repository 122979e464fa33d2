package cacheinv

import (
	"context"
	"sync"
	"time"

	"tokenboard/internal/obs"
)

type VersionSource interface {
	GetCacheInvalidationVersion(ctx context.Context, key string) (int64, bool, error)
}

// Versioned 是按 cache_invalidation 版本号失效的进程内读缓存。
// 版本号最多每 checkEvery 读一次；条目另有 maxAge 兜底。
type Versioned[T any] struct {
	src        VersionSource
	key        string
	maxAge     time.Duration
	checkEvery time.Duration
	now        func() time.Time

	mu        sync.Mutex
	version   int64
	checkedAt time.Time
	entries   map[string]versionedEntry[T]
}

type versionedEntry[T any] struct {
	value    T
	loadedAt time.Time
}

func NewVersioned[T any](src VersionSource, key string, maxAge time.Duration, checkEvery time.Duration) *Versioned[T] {
	return &Versioned[T]{
		src:        src,
		key:        key,
		maxAge:     maxAge,
		checkEvery: checkEvery,
		now:        time.Now,
		entries:    map[string]versionedEntry[T]{},
	}
}

// Get 返回 sub 对应的缓存值，缺失或过期时调用 load。load 失败不会写入缓存。
func (c *Versioned[T]) Get(ctx context.Context, sub string, load func(ctx context.Context) (T, error)) (T, error) {
	now := c.now()
	c.refreshVersion(ctx, now)

	c.mu.Lock()
	e, ok := c.entries[sub]
	c.mu.Unlock()
	if ok && (c.maxAge <= 0 || now.Sub(e.loadedAt) < c.maxAge) {
		return e.value, nil
	}

	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.mu.Lock()
	c.entries[sub] = versionedEntry[T]{value: v, loadedAt: now}
	c.mu.Unlock()
	return v, nil
}

// Drop 立即清空缓存（例如收到其他实例的失效广播）。
func (c *Versioned[T]) Drop() {
	c.mu.Lock()
	c.entries = map[string]versionedEntry[T]{}
	c.checkedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Versioned[T]) refreshVersion(ctx context.Context, now time.Time) {
	c.mu.Lock()
	due := c.checkedAt.IsZero() || now.Sub(c.checkedAt) >= c.checkEvery
	c.mu.Unlock()
	if !due || c.src == nil {
		return
	}
	v, ok, err := c.src.GetCacheInvalidationVersion(ctx, c.key)
	if err != nil {
		// 读不到版本号时保留现有条目，由 maxAge 兜底。
		return
	}
	if !ok {
		v = 0
	}
	obs.SetCacheInvalidationVersion(c.key, v)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkedAt = now
	if v != c.version {
		c.version = v
		c.entries = map[string]versionedEntry[T]{}
	}
}
