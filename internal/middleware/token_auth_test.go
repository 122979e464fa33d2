package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tokenboard/internal/auth"
	"tokenboard/internal/store"
)

type fakeResolver struct {
	tokens map[string]store.TokenAuth
	err    error
}

func (f fakeResolver) GetTokenAuthByRawToken(_ context.Context, raw string) (store.TokenAuth, error) {
	if f.err != nil {
		return store.TokenAuth{}, f.err
	}
	ta, ok := f.tokens[raw]
	if !ok {
		return store.TokenAuth{}, sql.ErrNoRows
	}
	return ta, nil
}

func TestTokenAuth(t *testing.T) {
	resolver := fakeResolver{tokens: map[string]store.TokenAuth{
		"good": {UserID: 7, TokenID: 3, Username: "alice"},
	}}

	cases := []struct {
		name       string
		resolver   TokenResolver
		header     string
		value      string
		wantStatus int
		wantCode   string
	}{
		{name: "bearer ok", resolver: resolver, header: "Authorization", value: "Bearer good", wantStatus: http.StatusOK},
		{name: "x-api-key ok", resolver: resolver, header: "x-api-key", value: "good", wantStatus: http.StatusOK},
		{name: "missing", resolver: resolver, wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "unknown", resolver: resolver, header: "Authorization", value: "Bearer nope", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "basic scheme", resolver: resolver, header: "Authorization", value: "Basic good", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "store down", resolver: fakeResolver{err: errors.New("boom")}, header: "Authorization", value: "Bearer good", wantStatus: http.StatusInternalServerError, wantCode: "storage_failure"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var got auth.Principal
			h := TokenAuth(tc.resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = auth.PrincipalFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/usage/submit", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusOK {
				if got.UserID != 7 || got.TokenID == nil || *got.TokenID != 3 || got.ActorType != auth.ActorTypeToken {
					t.Fatalf("principal = %+v", got)
				}
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["success"] != false || body["code"] != tc.wantCode {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestMaxBytes_RejectsDeclaredOversize(t *testing.T) {
	h := MaxBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.ContentLength = 9
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
}
