package middleware

import (
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRequestID_IsHex32(t *testing.T) {
	rid := newRequestID()
	if len(rid) != 32 {
		t.Fatalf("expected request_id length 32, got %d (%q)", len(rid), rid)
	}
	if _, err := hex.DecodeString(rid); err != nil {
		t.Fatalf("expected request_id to be hex, got %q: %v", rid, err)
	}
}

func TestNewRequestID_FallbackAvoidsCollisions(t *testing.T) {
	old := randRead
	randRead = func([]byte) (int, error) {
		return 0, errors.New("rand unavailable")
	}
	t.Cleanup(func() {
		randRead = old
	})

	a := newRequestID()
	b := newRequestID()
	if a == b {
		t.Fatalf("expected fallback request_id to differ, got %q", a)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("expected fallback request_id length 32, got %d and %d", len(a), len(b))
	}
}

func TestValidClientRequestID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want bool
	}{
		{name: "empty", in: "", want: false},
		{name: "uuid", in: "6f1c2d9e-8a44-4b0f-9d0e-1c2b3a4d5e6f", want: true},
		{name: "too long", in: strings.Repeat("a", 65), want: false},
		{name: "newline", in: "abc\ndef", want: false},
		{name: "space", in: "abc def", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := validClientRequestID(tc.in); got != tc.want {
				t.Fatalf("validClientRequestID(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestRequestID_ReplacesInvalidHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if seen == "bad id" || len(seen) != 32 {
		t.Fatalf("expected generated request id, got %q", seen)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("response header = %q, want %q", rr.Header().Get(RequestIDHeader), seen)
	}
}
