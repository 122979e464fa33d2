package obs

import (
	"expvar"
	"sync"
	"sync/atomic"
)

var (
	cacheInvalidationBumps      int64
	cacheInvalidationBumpErrors int64

	cacheInvalidationVersionMu sync.Mutex
	cacheInvalidationVersions  = expvar.NewMap("cache_invalidation_versions")
)

func init() {
	expvar.Publish("cache_invalidation_bumps_total", expvar.Func(func() any {
		return atomic.LoadInt64(&cacheInvalidationBumps)
	}))
	expvar.Publish("cache_invalidation_bump_errors_total", expvar.Func(func() any {
		return atomic.LoadInt64(&cacheInvalidationBumpErrors)
	}))
}

func RecordCacheInvalidationBump(ok bool) {
	atomic.AddInt64(&cacheInvalidationBumps, 1)
	if !ok {
		atomic.AddInt64(&cacheInvalidationBumpErrors, 1)
	}
}

// SetCacheInvalidationVersion 记录读侧最近一次观察到的版本号。
func SetCacheInvalidationVersion(key string, version int64) {
	if key == "" {
		return
	}
	v := new(expvar.Int)
	v.Set(version)
	cacheInvalidationVersionMu.Lock()
	cacheInvalidationVersions.Set(key, v)
	cacheInvalidationVersionMu.Unlock()
}
