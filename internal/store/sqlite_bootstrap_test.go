package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"tokenboard/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tokenboard.db") + "?_busy_timeout=1000"
	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	st := store.New(db)
	st.SetDialect(store.DialectSQLite)
	return st, db
}

func mustCreateUser(t *testing.T, st *store.Store, name string, country string) int64 {
	t.Helper()

	var cc *string
	if country != "" {
		cc = &country
	}
	id, err := st.CreateUser(context.Background(), name+"@example.com", name, cc)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return id
}

func TestSQLiteBootstrap_CreateUserRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenboard.db") + "?_busy_timeout=1000"

	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	// 再跑一次，确保幂等。
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema (2): %v", err)
	}

	st := store.New(db)
	st.SetDialect(store.DialectSQLite)

	ctx := context.Background()
	cc := "us"
	userID, err := st.CreateUser(ctx, "alice@example.com", "alice", &cc)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := st.GetUserByID(ctx, userID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if u.Username != "alice" {
		t.Fatalf("username mismatch: got %q want %q", u.Username, "alice")
	}
	if u.CountryCode == nil || *u.CountryCode != "US" {
		t.Fatalf("country_code = %v, want US", u.CountryCode)
	}
	if u.CreatedAt.IsZero() || u.UpdatedAt.IsZero() {
		t.Fatalf("expected created_at/updated_at to be parsed, got created_at=%v updated_at=%v", u.CreatedAt, u.UpdatedAt)
	}
	if u.GlobalRank != nil || u.CountryRank != nil {
		t.Fatalf("new user should have no ranks, got global=%v country=%v", u.GlobalRank, u.CountryRank)
	}
	if u.CurrentLevel != 1 {
		t.Fatalf("current_level = %d, want 1", u.CurrentLevel)
	}
}

func TestGetUserByID_NotFound(t *testing.T) {
	st, _ := openTestStore(t)
	if _, err := st.GetUserByID(context.Background(), 999); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestTokenAuth_ResolveAndRevoke(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, st, "bob", "DE")

	tokenID, hint, err := st.CreateUserToken(ctx, userID, nil, "tb_secret_token_value")
	if err != nil {
		t.Fatalf("CreateUserToken: %v", err)
	}
	if hint == nil || *hint != "_value" {
		t.Fatalf("hint = %v, want _value", hint)
	}

	auth, err := st.GetTokenAuthByRawToken(ctx, "tb_secret_token_value")
	if err != nil {
		t.Fatalf("GetTokenAuthByRawToken: %v", err)
	}
	if auth.UserID != userID || auth.TokenID != tokenID || auth.Username != "bob" {
		t.Fatalf("unexpected auth: %+v", auth)
	}
	if auth.CountryCode == nil || *auth.CountryCode != "DE" {
		t.Fatalf("auth country = %v, want DE", auth.CountryCode)
	}

	if _, err := st.GetTokenAuthByRawToken(ctx, "wrong"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown token, got %v", err)
	}

	if err := st.RevokeUserToken(ctx, userID, tokenID); err != nil {
		t.Fatalf("RevokeUserToken: %v", err)
	}
	if _, err := st.GetTokenAuthByRawToken(ctx, "tb_secret_token_value"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after revoke, got %v", err)
	}
	if err := st.RevokeUserToken(ctx, userID, tokenID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second revoke: expected sql.ErrNoRows, got %v", err)
	}
}

func TestCacheInvalidation_BumpAndRead(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetCacheInvalidationVersion(ctx, store.CacheInvalidationKeyLeaderboard); err != nil || ok {
		t.Fatalf("expected missing version, got ok=%v err=%v", ok, err)
	}
	for i := 0; i < 3; i++ {
		if err := st.BumpCacheInvalidation(ctx, store.CacheInvalidationKeyLeaderboard); err != nil {
			t.Fatalf("BumpCacheInvalidation: %v", err)
		}
	}
	v, ok, err := st.GetCacheInvalidationVersion(ctx, store.CacheInvalidationKeyLeaderboard)
	if err != nil || !ok {
		t.Fatalf("GetCacheInvalidationVersion: ok=%v err=%v", ok, err)
	}
	if v != 3 {
		t.Fatalf("version = %d, want 3", v)
	}
	if err := st.BumpCacheInvalidation(ctx, "  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
