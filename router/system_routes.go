package router

import (
	"crypto/subtle"
	"expvar"
	"net/http"

	"github.com/gin-gonic/gin"

	"tokenboard/internal/config"
	"tokenboard/internal/security"
)

const debugTokenHeader = "X-Tokenboard-Debug-Token"

func setSystemRoutes(r *gin.Engine, opts Options) {
	r.GET("/healthz", wrapHTTPFunc(opts.Healthz))

	if opts.Debug.Routes {
		r.GET("/debug/vars", debugGuard(opts.Debug), wrapHTTP(expvar.Handler()))
	}
}

// debugGuard 只放行本机、白名单网段或携带正确 token 的请求。
func debugGuard(cfg config.DebugConfig) gin.HandlerFunc {
	allow := security.ParsePrefixes(cfg.AllowCIDRs)
	trusted := security.ParsePrefixes(cfg.TrustedProxyCIDRs)
	return func(c *gin.Context) {
		if cfg.Token != "" {
			got := c.GetHeader(debugTokenHeader)
			if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) == 1 {
				c.Next()
				return
			}
		}
		ip, ok := security.ClientIP(c.Request, cfg.TrustProxyHeaders, trusted)
		if ok && (ip.IsLoopback() || security.Contains(allow, ip)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "forbidden"})
	}
}
