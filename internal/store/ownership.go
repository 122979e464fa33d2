package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type ClaimResult struct {
	// Committed 为 false 表示存在跨用户冲突，事务已回滚，本次没有任何指纹被认领。
	Committed bool
	Accepted  int
	Conflicts []string
	// SameUserOtherDevice 记录已归属当前用户但挂在其他设备上的指纹（fingerprint → device_id）。
	SameUserOtherDevice map[string]string
}

// ClaimFingerprints 在一个事务内先「不存在则插入」，再读回归属。主键保证并发认领时先写者胜。
func (s *Store) ClaimFingerprints(ctx context.Context, userID int64, deviceID string, fingerprints []string) (ClaimResult, error) {
	res := ClaimResult{SameUserOtherDevice: map[string]string{}}
	if userID <= 0 {
		return res, errors.New("userID 不能为空")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = LegacyDeviceID
	}
	if len(fingerprints) == 0 {
		res.Committed = true
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunkStrings(fingerprints, maxInArgs) {
		values := strings.TrimSuffix(strings.Repeat("(?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP),", len(chunk)), ",")
		args := make([]any, 0, len(chunk)*3)
		for _, fp := range chunk {
			args = append(args, fp, userID, deviceID)
		}
		q := insertIgnoreVerb(s.dialect) + ` INTO session_ownership(fingerprint, user_id, device_id, created_at, updated_at) VALUES ` + values
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return res, fmt.Errorf("认领会话指纹失败: %w", err)
		}
	}

	for _, chunk := range chunkStrings(fingerprints, maxInArgs) {
		q := `SELECT fingerprint, user_id, device_id FROM session_ownership WHERE fingerprint IN (` + placeholders(len(chunk)) + `)` + forUpdateClause(s.dialect)
		rows, err := tx.QueryContext(ctx, q, stringArgs(nil, chunk)...)
		if err != nil {
			return res, fmt.Errorf("查询指纹归属失败: %w", err)
		}
		for rows.Next() {
			var (
				fp       string
				ownerID  int64
				ownerDev string
			)
			if err := rows.Scan(&fp, &ownerID, &ownerDev); err != nil {
				rows.Close()
				return res, fmt.Errorf("扫描指纹归属失败: %w", err)
			}
			switch {
			case ownerID != userID:
				res.Conflicts = append(res.Conflicts, fp)
			case ownerDev != deviceID:
				res.SameUserOtherDevice[fp] = ownerDev
			default:
				res.Accepted++
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return res, fmt.Errorf("遍历指纹归属失败: %w", err)
		}
	}

	if len(res.Conflicts) > 0 {
		sort.Strings(res.Conflicts)
		res.Accepted = 0
		res.SameUserOtherDevice = map[string]string{}
		return res, nil
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{SameUserOtherDevice: map[string]string{}}, fmt.Errorf("提交指纹认领失败: %w", err)
	}
	res.Committed = true
	return res, nil
}

type OwnershipRecord struct {
	Fingerprint string
	UserID      int64
	DeviceID    string
}

func (s *Store) LookupOwnership(ctx context.Context, fingerprints []string) (map[string]OwnershipRecord, error) {
	out := make(map[string]OwnershipRecord, len(fingerprints))
	for _, chunk := range chunkStrings(fingerprints, maxInArgs) {
		q := `SELECT fingerprint, user_id, device_id FROM session_ownership WHERE fingerprint IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, q, stringArgs(nil, chunk)...)
		if err != nil {
			return nil, fmt.Errorf("查询指纹归属失败: %w", err)
		}
		for rows.Next() {
			var r OwnershipRecord
			if err := rows.Scan(&r.Fingerprint, &r.UserID, &r.DeviceID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("扫描指纹归属失败: %w", err)
			}
			out[r.Fingerprint] = r
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("遍历指纹归属失败: %w", err)
		}
	}
	return out, nil
}

// RepointOwnership 把同一用户名下的指纹迁到凭据对应的设备上。只改本人的记录，可重复执行。
func (s *Store) RepointOwnership(ctx context.Context, receipt WriteReceipt, fingerprints []string) (int64, error) {
	if !receipt.Valid() {
		return 0, ErrReceiptRequired
	}
	if len(fingerprints) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var moved int64
	for _, chunk := range chunkStrings(fingerprints, maxInArgs) {
		q := `UPDATE session_ownership SET device_id=?, updated_at=CURRENT_TIMESTAMP WHERE user_id=? AND device_id<>? AND fingerprint IN (` + placeholders(len(chunk)) + `)`
		res, err := tx.ExecContext(ctx, q, stringArgs([]any{receipt.deviceID, receipt.userID, receipt.deviceID}, chunk)...)
		if err != nil {
			return 0, fmt.Errorf("迁移指纹归属失败: %w", err)
		}
		n, _ := res.RowsAffected()
		moved += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交指纹迁移失败: %w", err)
	}
	return moved, nil
}
