package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func (s *Store) ListUserBadges(ctx context.Context, userID int64) ([]UserBadge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, badge, earned_at FROM user_badges WHERE user_id=? ORDER BY earned_at ASC, badge ASC`, userID)
	if err != nil {
		if isMissingTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询徽章失败: %w", err)
	}
	defer rows.Close()
	var out []UserBadge
	for rows.Next() {
		var b UserBadge
		if err := rows.Scan(&b.UserID, &b.Badge, &b.EarnedAt); err != nil {
			return nil, fmt.Errorf("扫描徽章失败: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历徽章失败: %w", err)
	}
	return out, nil
}

// InsertUserBadges 以 insert-ignore 写入徽章，返回本次真正新增的部分；同一徽章只会获得一次。
func (s *Store) InsertUserBadges(ctx context.Context, userID int64, badges []string, earnedAt time.Time) ([]string, error) {
	if len(badges) == 0 {
		return nil, nil
	}
	if earnedAt.IsZero() {
		earnedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := insertIgnoreVerb(s.dialect) + ` INTO user_badges(user_id, badge, earned_at) VALUES(?, ?, ?)`
	var inserted []string
	for _, b := range badges {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, q, userID, b, earnedAt.UTC())
		if err != nil {
			return nil, fmt.Errorf("写入徽章 %s 失败: %w", b, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, b)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交徽章写入失败: %w", err)
	}
	return inserted, nil
}
