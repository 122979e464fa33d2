package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SubmissionStateReserved     = "reserved"
	SubmissionStateWritten      = "written"
	SubmissionStateAcknowledged = "acknowledged"
)

type SlotInput struct {
	UserID           int64
	SubmissionID     string
	DeviceID         string
	Source           string
	DayCount         int
	FingerprintCount int
	Now              time.Time
	Window           time.Duration
	Max              int
}

type SlotResult struct {
	Allowed    bool
	ID         int64
	Used       int
	RetryAfter time.Duration
}

// ReserveSubmissionSlot 原子地完成「统计窗口内已接受次数 + 占位」。
// MySQL 通过锁住 users 行串行化同一用户的并发预留；SQLite 单连接本身就是单写者。
func (s *Store) ReserveSubmissionSlot(ctx context.Context, in SlotInput) (SlotResult, error) {
	if in.UserID <= 0 {
		return SlotResult{}, errors.New("userID 不能为空")
	}
	if strings.TrimSpace(in.SubmissionID) == "" {
		return SlotResult{}, errors.New("submissionID 不能为空")
	}
	if in.Max <= 0 || in.Window <= 0 {
		return SlotResult{}, errors.New("限流参数非法")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UnixMilli()
	sinceMs := now.Add(-in.Window).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SlotResult{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var uid int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id=?`+forUpdateClause(s.dialect), in.UserID).Scan(&uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SlotResult{}, sql.ErrNoRows
		}
		return SlotResult{}, fmt.Errorf("锁定用户失败: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT accepted_unix_ms
FROM usage_submissions
WHERE user_id=? AND accepted_unix_ms>?
ORDER BY accepted_unix_ms ASC, id ASC
`, in.UserID, sinceMs)
	if err != nil {
		return SlotResult{}, fmt.Errorf("统计提交窗口失败: %w", err)
	}
	var inWindow []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			rows.Close()
			return SlotResult{}, fmt.Errorf("扫描提交窗口失败: %w", err)
		}
		inWindow = append(inWindow, ms)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return SlotResult{}, fmt.Errorf("遍历提交窗口失败: %w", err)
	}

	if len(inWindow) >= in.Max {
		// 需要等到窗口内只剩 Max-1 条：第 len-Max+1 旧的那条过期时。
		expireAt := inWindow[len(inWindow)-in.Max] + in.Window.Milliseconds()
		return SlotResult{
			Allowed:    false,
			Used:       len(inWindow),
			RetryAfter: retryAfter(expireAt - nowMs),
		}, nil
	}

	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		deviceID = LegacyDeviceID
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "cli"
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO usage_submissions(submission_id, user_id, device_id, source, state, accepted_unix_ms, day_count, fingerprint_count)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, in.SubmissionID, in.UserID, deviceID, source, SubmissionStateReserved, nowMs, in.DayCount, in.FingerprintCount)
	if err != nil {
		return SlotResult{}, fmt.Errorf("预留提交配额失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return SlotResult{}, fmt.Errorf("获取提交 id 失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SlotResult{}, fmt.Errorf("提交配额预留失败: %w", err)
	}
	return SlotResult{Allowed: true, ID: id, Used: len(inWindow) + 1}, nil
}

// retryAfter 向上取整到秒，最少 1 秒。
func retryAfter(ms int64) time.Duration {
	if ms <= 0 {
		return time.Second
	}
	secs := (ms + 999) / 1000
	return time.Duration(secs) * time.Second
}

// ReleaseSubmissionSlot 归还尚未写入账本的预留；已写入的提交不可撤销。
func (s *Store) ReleaseSubmissionSlot(ctx context.Context, submissionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_submissions WHERE submission_id=? AND state=?`, submissionID, SubmissionStateReserved)
	if err != nil {
		return fmt.Errorf("释放提交配额失败: %w", err)
	}
	return nil
}

func (s *Store) MarkSubmissionWritten(ctx context.Context, submissionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE usage_submissions SET state=? WHERE submission_id=?`, SubmissionStateWritten, submissionID)
	if err != nil {
		return fmt.Errorf("更新提交状态失败: %w", err)
	}
	return nil
}

type SubmissionOutcome struct {
	TotalTokens int64
	TotalCost   decimal.Decimal
	GlobalRank  *int64
	CountryRank *int64
	Level       int
}

// RecordSubmissionOutcome 保存本次提交结束时的累计值与排名，供下一次提交做对比。
func (s *Store) RecordSubmissionOutcome(ctx context.Context, submissionID string, o SubmissionOutcome) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE usage_submissions
SET state=?, total_tokens=?, total_cost=?, global_rank=?, country_rank=?, level=?
WHERE submission_id=?
`, SubmissionStateAcknowledged, o.TotalTokens, normalizeUSD(o.TotalCost), o.GlobalRank, o.CountryRank, o.Level, submissionID)
	if err != nil {
		return fmt.Errorf("记录提交结果失败: %w", err)
	}
	return nil
}

// GetPreviousSubmission 返回 beforeID 之前最近一次已落账的提交。
func (s *Store) GetPreviousSubmission(ctx context.Context, userID int64, beforeID int64) (SubmissionSnapshot, error) {
	var (
		snap        SubmissionSnapshot
		acceptedMs  int64
		totalTokens sql.NullInt64
		totalCost   decimal.NullDecimal
		level       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, submission_id, device_id, accepted_unix_ms, day_count, total_tokens, total_cost, global_rank, country_rank, level
FROM usage_submissions
WHERE user_id=? AND id<? AND state IN (?, ?)
ORDER BY id DESC
LIMIT 1
`, userID, beforeID, SubmissionStateWritten, SubmissionStateAcknowledged).Scan(
		&snap.ID, &snap.SubmissionID, &snap.DeviceID, &acceptedMs, &snap.DayCount,
		&totalTokens, &totalCost, &snap.GlobalRank, &snap.CountryRank, &level,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SubmissionSnapshot{}, sql.ErrNoRows
		}
		return SubmissionSnapshot{}, fmt.Errorf("查询上次提交失败: %w", err)
	}
	snap.AcceptedAt = time.UnixMilli(acceptedMs).UTC()
	if totalTokens.Valid {
		v := totalTokens.Int64
		snap.TotalTokens = &v
	}
	if totalCost.Valid {
		v := totalCost.Decimal
		snap.TotalCost = &v
	}
	if level.Valid {
		v := int(level.Int64)
		snap.Level = &v
	}
	return snap, nil
}
