package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAccessLog_DoesNotLogAuthorization(t *testing.T) {
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	secret := "tb_secret_should_not_appear"
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/usage/submit", nil)
	req.Header.Set("Authorization", "Bearer "+secret)

	rr := httptest.NewRecorder()
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), RequestID, AccessLog)

	h.ServeHTTP(rr, req)

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("log contains secret token: %s", out)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, out)
	}
	if line["status"] != float64(http.StatusOK) {
		t.Fatalf("status = %v, want 200", line["status"])
	}
	if line["request_id"] == "" {
		t.Fatalf("expected request_id in log")
	}
}
