package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokenboard/internal/crypto"
)

type Store struct {
	db      *sql.DB
	dialect Dialect

	tokenAuthCache *tokenAuthCache
}

func New(db *sql.DB) *Store {
	return &Store{
		db:             db,
		dialect:        DialectMySQL,
		tokenAuthCache: newTokenAuthCacheFromEnv(),
	}
}

func (s *Store) SetDialect(d Dialect) {
	if strings.TrimSpace(string(d)) == "" {
		return
	}
	s.dialect = d
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("db 为空")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计用户失败: %w", err)
	}
	return n, nil
}

// CreateUser 仅用于开发环境引导与管理命令；正式的注册流程不在本服务内。
func (s *Store) CreateUser(ctx context.Context, email string, username string, countryCode *string) (int64, error) {
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, errors.New("账号名不能为空")
	}
	if email == "" {
		return 0, errors.New("邮箱不能为空")
	}
	cc := normalizeCountryCode(countryCode)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users(email, username, status, country_code, created_at, updated_at)
VALUES(?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, email, username, cc)
	if err != nil {
		return 0, fmt.Errorf("创建用户失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取用户 id 失败: %w", err)
	}
	return id, nil
}

const userColumns = `
  id, email, username, status, total_tokens, total_cost, total_sessions, country_code,
  global_rank, country_rank, current_level, last_submission_at, plan_tier, has_opus_usage,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u          User
		lastSubmit sql.NullTime
		hasOpus    int
	)
	if err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.Status, &u.TotalTokens, &u.TotalCost, &u.TotalSessions, &u.CountryCode,
		&u.GlobalRank, &u.CountryRank, &u.CurrentLevel, &lastSubmit, &u.PlanTier, &hasOpus,
		&u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return User{}, err
	}
	if lastSubmit.Valid {
		t := lastSubmit.Time
		u.LastSubmissionAt = &t
	}
	u.HasOpusUsage = hasOpus != 0
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, userID int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, sql.ErrNoRows
		}
		return User{}, fmt.Errorf("查询用户失败: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, sql.ErrNoRows
		}
		return User{}, fmt.Errorf("查询用户失败: %w", err)
	}
	return u, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE status=1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询用户列表失败: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描用户失败: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户失败: %w", err)
	}
	return out, nil
}

// SetUserCountry 更新展示用的国家代码；国家排名在下一次排名重算时生效。
func (s *Store) SetUserCountry(ctx context.Context, userID int64, countryCode *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET country_code=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, normalizeCountryCode(countryCode), userID)
	if err != nil {
		return fmt.Errorf("更新国家代码失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	// TokenAuth 携带国家代码，整体失效比按用户反查 key 简单。
	s.tokenAuthCache.purgeAll()
	return nil
}

// UpdateUserTotals 写回聚合结果。排名列由 ApplyRankUpdates 单独维护。
func (s *Store) UpdateUserTotals(ctx context.Context, userID int64, t UserTotals) error {
	hasOpus := 0
	if t.HasOpusUsage {
		hasOpus = 1
	}
	var submittedAt any
	if !t.SubmittedAt.IsZero() {
		submittedAt = t.SubmittedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET total_tokens=?, total_cost=?, total_sessions=?, current_level=?, has_opus_usage=?,
    plan_tier=COALESCE(?, plan_tier),
    last_submission_at=COALESCE(?, last_submission_at),
    updated_at=CURRENT_TIMESTAMP
WHERE id=?
`, t.TotalTokens, normalizeUSD(t.TotalCost), t.TotalSessions, t.Level, hasOpus, t.PlanTier, submittedAt, userID)
	if err != nil {
		return fmt.Errorf("写回用户累计用量失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) CreateUserToken(ctx context.Context, userID int64, name *string, rawToken string) (int64, *string, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return 0, nil, errors.New("rawToken 不能为空")
	}
	tokenHash := crypto.TokenHash(rawToken)
	hint := tokenHint(rawToken)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_tokens(user_id, name, token_hash, token_hint, status, created_at)
VALUES(?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
`, userID, name, tokenHash, hint)
	if err != nil {
		return 0, nil, fmt.Errorf("创建 Token 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil, fmt.Errorf("获取 Token id 失败: %w", err)
	}
	return id, hint, nil
}

func (s *Store) ListUserTokens(ctx context.Context, userID int64) ([]UserToken, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, token_hash, token_hint, status, created_at, revoked_at, last_used_at
FROM user_tokens
WHERE user_id=?
ORDER BY id DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("查询 Token 列表失败: %w", err)
	}
	defer rows.Close()
	var out []UserToken
	for rows.Next() {
		var t UserToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.TokenHint, &t.Status, &t.CreatedAt, &t.RevokedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("扫描 Token 失败: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 Token 失败: %w", err)
	}
	return out, nil
}

func (s *Store) RevokeUserToken(ctx context.Context, userID, tokenID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE user_tokens
SET status=0, revoked_at=CURRENT_TIMESTAMP
WHERE id=? AND user_id=? AND status=1
`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("撤销 Token 失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	s.tokenAuthCache.purgeTokenID(tokenID)
	return nil
}

type TokenAuth struct {
	UserID      int64
	TokenID     int64
	Username    string
	CountryCode *string
}

func (s *Store) GetTokenAuthByRawToken(ctx context.Context, rawToken string) (TokenAuth, error) {
	tokenHash := crypto.TokenHash(rawToken)
	return s.GetTokenAuthByTokenHash(ctx, tokenHash)
}

// tokenLastUsedWriteInterval 限制 last_used_at 的写频率，避免每次鉴权都产生一次写。
const tokenLastUsedWriteInterval = time.Minute

func (s *Store) GetTokenAuthByTokenHash(ctx context.Context, tokenHash []byte) (TokenAuth, error) {
	now := time.Now()
	key, keyOK := tokenHashKey(tokenHash)
	if keyOK {
		if auth, lastWrite, ok := s.tokenAuthCache.get(now, key); ok {
			if now.Sub(lastWrite) >= tokenLastUsedWriteInterval {
				s.touchTokenLastUsed(ctx, auth.TokenID)
				s.tokenAuthCache.touchLastUsedWriteAt(key, now)
			}
			return auth, nil
		}
	}

	var auth TokenAuth
	err := s.db.QueryRowContext(ctx, `
SELECT
  u.id, t.id, u.username, u.country_code
FROM user_tokens t
JOIN users u ON u.id=t.user_id
WHERE t.token_hash=? AND t.status=1 AND u.status=1
`, tokenHash).Scan(&auth.UserID, &auth.TokenID, &auth.Username, &auth.CountryCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenAuth{}, sql.ErrNoRows
		}
		return TokenAuth{}, fmt.Errorf("查询 Token 鉴权失败: %w", err)
	}
	s.touchTokenLastUsed(ctx, auth.TokenID)
	if keyOK {
		s.tokenAuthCache.set(now, key, auth, now)
	}
	return auth, nil
}

func (s *Store) touchTokenLastUsed(ctx context.Context, tokenID int64) {
	_, _ = s.db.ExecContext(ctx, `UPDATE user_tokens SET last_used_at=CURRENT_TIMESTAMP WHERE id=?`, tokenID)
}

func tokenHint(raw string) *string {
	if raw == "" {
		return nil
	}
	const keep = 6
	if len(raw) <= keep {
		h := raw
		return &h
	}
	h := raw[len(raw)-keep:]
	return &h
}

func normalizeCountryCode(cc *string) *string {
	if cc == nil {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(*cc))
	if v == "" {
		return nil
	}
	return &v
}
