// Package security 处理反向代理头的可信判定。
package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParsePrefixes 解析 CIDR 列表；单个 IP 视为 /32 或 /128，无法解析的条目直接忽略。
func ParsePrefixes(in []string) []netip.Prefix {
	var out []netip.Prefix
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if pfx, err := netip.ParsePrefix(v); err == nil {
			out = append(out, pfx.Masked())
			continue
		}
		if ip, err := netip.ParseAddr(v); err == nil {
			ip = ip.Unmap()
			out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
		}
	}
	return out
}

// Contains 判断 ip 是否落在任一网段内。
func Contains(prefixes []netip.Prefix, ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, pfx := range prefixes {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP 返回请求方 IP。
//
// 仅当 trustProxyHeaders=true 且直连方命中 trustedProxies 时，才采信 X-Forwarded-For 的第一跳。
func ClientIP(r *http.Request, trustProxyHeaders bool, trustedProxies []netip.Prefix) (netip.Addr, bool) {
	if r == nil {
		return netip.Addr{}, false
	}
	remote, ok := remoteAddr(r)
	if !ok {
		return netip.Addr{}, false
	}
	if !trustProxyHeaders || !Contains(trustedProxies, remote) {
		return remote, true
	}
	if ip, err := netip.ParseAddr(firstForwardedToken(r.Header.Get("X-Forwarded-For"))); err == nil {
		return ip.Unmap(), true
	}
	return remote, true
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func firstForwardedToken(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	if idx := strings.IndexByte(v, ','); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}
