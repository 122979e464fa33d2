package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ListRankCandidates 用一条语句读出排名快照：有 token 的用户，以及 token 已归零但仍挂着旧排名、需要清空的用户。
// 被禁用的用户按 0 token 处理。
func (s *Store) ListRankCandidates(ctx context.Context) ([]RankCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, COALESCE(country_code, ''), CASE WHEN status=1 THEN total_tokens ELSE 0 END, global_rank, country_rank
FROM users
WHERE total_tokens>0 OR global_rank IS NOT NULL OR country_rank IS NOT NULL
ORDER BY id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("读取排名快照失败: %w", err)
	}
	defer rows.Close()

	var out []RankCandidate
	for rows.Next() {
		var c RankCandidate
		if err := rows.Scan(&c.UserID, &c.CountryCode, &c.TotalTokens, &c.GlobalRank, &c.CountryRank); err != nil {
			return nil, fmt.Errorf("扫描排名快照失败: %w", err)
		}
		c.CountryCode = strings.ToUpper(strings.TrimSpace(c.CountryCode))
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历排名快照失败: %w", err)
	}
	return out, nil
}

// ApplyRankUpdates 在一个事务内只写回发生变化的排名。
func (s *Store) ApplyRankUpdates(ctx context.Context, updates []RankUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE users SET global_rank=?, country_rank=? WHERE id=?`)
	if err != nil {
		return fmt.Errorf("准备排名写回语句失败: %w", err)
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.GlobalRank, u.CountryRank, u.UserID); err != nil {
			return fmt.Errorf("写回用户 %d 排名失败: %w", u.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交排名写回失败: %w", err)
	}
	return nil
}

// ListLeaderboard 的名次在查询时按 (total_tokens DESC, id ASC) 的位置推导，不读取存储的排名列。
func (s *Store) ListLeaderboard(ctx context.Context, q LeaderboardQuery) ([]LeaderboardRow, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	where := `u.total_tokens>0 AND u.status=1`
	args := []any{}
	if cc := strings.ToUpper(strings.TrimSpace(q.Country)); cc != "" {
		where += ` AND u.country_code=?`
		args = append(args, cc)
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.username, u.country_code, u.total_tokens, u.total_cost, u.total_sessions, u.current_level, u.plan_tier
FROM users u
WHERE `+where+`
ORDER BY u.total_tokens DESC, u.id ASC
LIMIT ? OFFSET ?
`, args...)
	if err != nil {
		return nil, fmt.Errorf("查询排行榜失败: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.UserID, &r.Username, &r.CountryCode, &r.TotalTokens, &r.TotalCost, &r.TotalSessions, &r.Level, &r.PlanTier); err != nil {
			return nil, fmt.Errorf("扫描排行榜失败: %w", err)
		}
		r.Rank = int64(offset + len(out) + 1)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历排行榜失败: %w", err)
	}
	return out, nil
}

func (s *Store) CountLeaderboard(ctx context.Context, country string) (int64, error) {
	q := `SELECT COUNT(1) FROM users WHERE total_tokens>0 AND status=1`
	args := []any{}
	if cc := strings.ToUpper(strings.TrimSpace(country)); cc != "" {
		q += ` AND country_code=?`
		args = append(args, cc)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计排行榜人数失败: %w", err)
	}
	return n, nil
}

// LiveRanks 按当前累计值现算某个用户的全球与国家名次；token 为 0 时两者均为 nil。
func (s *Store) LiveRanks(ctx context.Context, userID int64) (global *int64, country *int64, err error) {
	var (
		tokens int64
		cc     sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, `SELECT total_tokens, country_code FROM users WHERE id=?`, userID).Scan(&tokens, &cc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, sql.ErrNoRows
		}
		return nil, nil, fmt.Errorf("查询用户累计值失败: %w", err)
	}
	if tokens <= 0 {
		return nil, nil, nil
	}
	var ahead int64
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM users
WHERE status=1 AND (total_tokens>? OR (total_tokens=? AND id<?))
`, tokens, tokens, userID).Scan(&ahead); err != nil {
		return nil, nil, fmt.Errorf("计算全球名次失败: %w", err)
	}
	g := ahead + 1
	global = &g
	if cc.Valid && strings.TrimSpace(cc.String) != "" {
		var aheadCountry int64
		if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM users
WHERE status=1 AND country_code=? AND (total_tokens>? OR (total_tokens=? AND id<?))
`, cc.String, tokens, tokens, userID).Scan(&aheadCountry); err != nil {
			return nil, nil, fmt.Errorf("计算国家名次失败: %w", err)
		}
		c := aheadCountry + 1
		country = &c
	}
	return global, country, nil
}
