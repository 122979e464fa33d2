package security

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP_IgnoresForwardedWhenUntrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/", nil)
	r.RemoteAddr = "203.0.113.10:1234"
	r.Header.Set("X-Forwarded-For", "127.0.0.1")

	ip, ok := ClientIP(r, true, nil)
	if !ok || ip.String() != "203.0.113.10" {
		t.Fatalf("expected remote addr, got %v ok=%v", ip, ok)
	}
}

func TestClientIP_UsesForwardedWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "http://internal.local/", nil)
	r.RemoteAddr = "10.1.2.3:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")

	trusted := ParsePrefixes([]string{"10.0.0.0/8"})
	ip, ok := ClientIP(r, true, trusted)
	if !ok || ip.String() != "198.51.100.7" {
		t.Fatalf("expected forwarded ip, got %v ok=%v", ip, ok)
	}

	if ip, _ := ClientIP(r, false, trusted); ip.String() != "10.1.2.3" {
		t.Fatalf("trustProxyHeaders=false should ignore XFF, got %v", ip)
	}
}

func TestClientIP_BadForwardedFallsBack(t *testing.T) {
	r := httptest.NewRequest("GET", "http://internal.local/", nil)
	r.RemoteAddr = "10.1.2.3:1234"
	r.Header.Set("X-Forwarded-For", "not-an-ip")

	ip, ok := ClientIP(r, true, ParsePrefixes([]string{"10.0.0.0/8"}))
	if !ok || ip.String() != "10.1.2.3" {
		t.Fatalf("expected fallback to remote, got %v", ip)
	}
}

func TestParsePrefixes(t *testing.T) {
	got := ParsePrefixes([]string{" 192.168.0.0/16 ", "", "garbage", "2001:db8::1", "10.0.0.5"})
	if len(got) != 3 {
		t.Fatalf("len=%d want 3: %v", len(got), got)
	}
	if !Contains(got, netip.MustParseAddr("192.168.3.4")) {
		t.Fatalf("expected 192.168.3.4 to match")
	}
	if !Contains(got, netip.MustParseAddr("::ffff:10.0.0.5")) {
		t.Fatalf("expected mapped 10.0.0.5 to match")
	}
	if Contains(got, netip.MustParseAddr("10.0.0.6")) {
		t.Fatalf("10.0.0.6 should not match")
	}
}
