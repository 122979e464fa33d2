package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LegacyDeviceID 是多设备追踪之前的历史用量所在的设备桶。
const LegacyDeviceID = "legacy"

type UpsertUsageInput struct {
	UserID       int64
	DeviceID     string
	SubmissionID string
	Source       string
	SubmittedAt  time.Time
	Days         []DayUsage
}

// WriteReceipt 证明某次提交的 usage 行已提交且回读校验通过。
// 字段不导出，只能由 UpsertUsage 签发；所有会删除 usage 行或迁移归属的操作都要求出示它。
type WriteReceipt struct {
	userID       int64
	deviceID     string
	submissionID string
	days         []string
}

func (r WriteReceipt) Valid() bool {
	return r.userID > 0 && r.deviceID != "" && r.submissionID != "" && len(r.days) > 0
}

func (r WriteReceipt) UserID() int64        { return r.userID }
func (r WriteReceipt) DeviceID() string     { return r.deviceID }
func (r WriteReceipt) SubmissionID() string { return r.submissionID }

func (r WriteReceipt) Days() []string {
	return append([]string(nil), r.days...)
}

func (r WriteReceipt) IsLegacy() bool {
	return r.deviceID == LegacyDeviceID
}

func (s *Store) upsertUsageSQL() string {
	const cols = `
INSERT INTO usage_records(
  user_id, day, device_id, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
  total_tokens, cost_usd, session_count, primary_model, model_tokens, submission_id, submission_source, submitted_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == DialectSQLite {
		return cols + `
ON CONFLICT(user_id, day, device_id) DO UPDATE SET
  input_tokens=excluded.input_tokens,
  output_tokens=excluded.output_tokens,
  cache_creation_tokens=excluded.cache_creation_tokens,
  cache_read_tokens=excluded.cache_read_tokens,
  total_tokens=excluded.total_tokens,
  cost_usd=excluded.cost_usd,
  session_count=excluded.session_count,
  primary_model=excluded.primary_model,
  model_tokens=excluded.model_tokens,
  submission_id=excluded.submission_id,
  submission_source=excluded.submission_source,
  submitted_at=excluded.submitted_at
`
	}
	return cols + `
ON DUPLICATE KEY UPDATE
  input_tokens=VALUES(input_tokens),
  output_tokens=VALUES(output_tokens),
  cache_creation_tokens=VALUES(cache_creation_tokens),
  cache_read_tokens=VALUES(cache_read_tokens),
  total_tokens=VALUES(total_tokens),
  cost_usd=VALUES(cost_usd),
  session_count=VALUES(session_count),
  primary_model=VALUES(primary_model),
  model_tokens=VALUES(model_tokens),
  submission_id=VALUES(submission_id),
  submission_source=VALUES(submission_source),
  submitted_at=VALUES(submitted_at)
`
}

// UpsertUsage 在一个事务内整行替换每一天的用量，提交后回读校验；只有校验通过才签发 WriteReceipt。
//
// 返回 ErrWriteNotVerified 时数据已经提交（可能被同设备的并发提交覆盖），调用方不得据此执行清理。
func (s *Store) UpsertUsage(ctx context.Context, in UpsertUsageInput) (WriteReceipt, error) {
	if in.UserID <= 0 {
		return WriteReceipt{}, errors.New("userID 不能为空")
	}
	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		deviceID = LegacyDeviceID
	}
	if strings.TrimSpace(in.SubmissionID) == "" {
		return WriteReceipt{}, errors.New("submissionID 不能为空")
	}
	if len(in.Days) == 0 {
		return WriteReceipt{}, errors.New("days 不能为空")
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "cli"
	}
	submittedAt := in.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	submittedAt = submittedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.upsertUsageSQL())
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("准备 usage 写入语句失败: %w", err)
	}
	defer stmt.Close()

	days := make([]string, 0, len(in.Days))
	for _, d := range in.Days {
		modelTokens, err := encodeModelTokens(d.ModelTokens)
		if err != nil {
			return WriteReceipt{}, err
		}
		if _, err := stmt.ExecContext(ctx,
			in.UserID, d.Day, deviceID,
			d.InputTokens, d.OutputTokens, d.CacheCreationTokens, d.CacheReadTokens,
			d.TotalTokens(), normalizeUSD(d.CostUSD), d.SessionCount, d.PrimaryModel, modelTokens,
			in.SubmissionID, source, submittedAt,
		); err != nil {
			return WriteReceipt{}, fmt.Errorf("写入 usage(%s) 失败: %w", d.Day, err)
		}
		days = append(days, d.Day)
	}
	if err := tx.Commit(); err != nil {
		return WriteReceipt{}, fmt.Errorf("提交 usage 写入失败: %w", err)
	}

	sort.Strings(days)
	receipt := WriteReceipt{
		userID:       in.UserID,
		deviceID:     deviceID,
		submissionID: in.SubmissionID,
		days:         days,
	}
	if err := s.verifyUsageWrite(ctx, receipt); err != nil {
		return WriteReceipt{}, err
	}
	return receipt, nil
}

func (s *Store) verifyUsageWrite(ctx context.Context, r WriteReceipt) error {
	found := make(map[string]struct{}, len(r.days))
	for _, chunk := range chunkStrings(r.days, maxInArgs) {
		q := `SELECT day FROM usage_records WHERE user_id=? AND device_id=? AND submission_id=? AND day IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, q, stringArgs([]any{r.userID, r.deviceID, r.submissionID}, chunk)...)
		if err != nil {
			return fmt.Errorf("%w: 回读失败: %v", ErrWriteNotVerified, err)
		}
		for rows.Next() {
			var day string
			if err := rows.Scan(&day); err != nil {
				rows.Close()
				return fmt.Errorf("%w: 扫描回读结果失败: %v", ErrWriteNotVerified, err)
			}
			found[day] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("%w: 遍历回读结果失败: %v", ErrWriteNotVerified, err)
		}
	}
	if missing := len(r.days) - len(found); missing > 0 {
		return fmt.Errorf("%w: %d 天缺失或已被覆盖", ErrWriteNotVerified, missing)
	}
	return nil
}

func (s *Store) ListUsageRecords(ctx context.Context, userID int64) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, day, device_id, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
       total_tokens, cost_usd, session_count, primary_model, model_tokens, submission_id, submission_source, submitted_at
FROM usage_records
WHERE user_id=?
ORDER BY day ASC, device_id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("查询 usage 记录失败: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			r           UsageRecord
			modelTokens sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.Day, &r.DeviceID, &r.InputTokens, &r.OutputTokens, &r.CacheCreation, &r.CacheRead,
			&r.TotalTokens, &r.CostUSD, &r.SessionCount, &r.PrimaryModel, &modelTokens, &r.SubmissionID, &r.SubmissionSource, &r.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描 usage 记录失败: %w", err)
		}
		r.ModelTokens = decodeModelTokens(modelTokens)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 usage 记录失败: %w", err)
	}
	return out, nil
}

// ListUserDeviceDays 返回指定设备在指定日期上持有的 usage 行（device → days），只读。
func (s *Store) ListUserDeviceDays(ctx context.Context, userID int64, devices []string, days []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if userID <= 0 || len(devices) == 0 || len(days) == 0 {
		return out, nil
	}
	for _, dayChunk := range chunkStrings(days, maxInArgs) {
		for _, devChunk := range chunkStrings(devices, maxInArgs) {
			q := `SELECT device_id, day FROM usage_records WHERE user_id=? AND device_id IN (` + placeholders(len(devChunk)) + `) AND day IN (` + placeholders(len(dayChunk)) + `)`
			args := stringArgs(stringArgs([]any{userID}, devChunk), dayChunk)
			rows, err := s.db.QueryContext(ctx, q, args...)
			if err != nil {
				return nil, fmt.Errorf("查询设备用量日期失败: %w", err)
			}
			for rows.Next() {
				var dev, day string
				if err := rows.Scan(&dev, &day); err != nil {
					rows.Close()
					return nil, fmt.Errorf("扫描设备用量日期失败: %w", err)
				}
				out[dev] = append(out[dev], day)
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				return nil, fmt.Errorf("遍历设备用量日期失败: %w", err)
			}
		}
	}
	for dev := range out {
		sort.Strings(out[dev])
	}
	return out, nil
}

// DeleteUsageForDevicesOnDays 删除其他设备在凭据覆盖日期上的 usage 行。凭据自身的设备永远不会被删除。
func (s *Store) DeleteUsageForDevicesOnDays(ctx context.Context, receipt WriteReceipt, devices []string) (int64, error) {
	if !receipt.Valid() {
		return 0, ErrReceiptRequired
	}
	targets := make([]string, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		d = strings.TrimSpace(d)
		if d == "" || d == receipt.deviceID {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted int64
	for _, dayChunk := range chunkStrings(receipt.days, maxInArgs) {
		for _, devChunk := range chunkStrings(targets, maxInArgs) {
			q := `DELETE FROM usage_records WHERE user_id=? AND device_id IN (` + placeholders(len(devChunk)) + `) AND day IN (` + placeholders(len(dayChunk)) + `)`
			res, err := tx.ExecContext(ctx, q, stringArgs(stringArgs([]any{receipt.userID}, devChunk), dayChunk)...)
			if err != nil {
				return 0, fmt.Errorf("清理旧设备 usage 失败: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交清理事务失败: %w", err)
	}
	return deleted, nil
}

// DeleteLegacyUsageOnDays 在真实设备写入成功后删除 legacy 桶中同日期的行，避免重复计数。
func (s *Store) DeleteLegacyUsageOnDays(ctx context.Context, receipt WriteReceipt) (int64, error) {
	if receipt.IsLegacy() {
		return 0, nil
	}
	return s.DeleteUsageForDevicesOnDays(ctx, receipt, []string{LegacyDeviceID})
}

// SumUsageByDevice 按设备汇总用户全部 usage 行。金额在 Go 侧用 decimal 累加，避免 SQLite REAL 精度漂移。
func (s *Store) SumUsageByDevice(ctx context.Context, userID int64) ([]DeviceTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, day, total_tokens, cost_usd, session_count, model_tokens
FROM usage_records
WHERE user_id=?
ORDER BY device_id ASC, day ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("汇总 usage 失败: %w", err)
	}
	defer rows.Close()

	byDevice := make(map[string]*DeviceTotals)
	var order []string
	for rows.Next() {
		var (
			dev, day    string
			tokens      int64
			cost        decimal.Decimal
			sessions    int64
			modelTokens sql.NullString
		)
		if err := rows.Scan(&dev, &day, &tokens, &cost, &sessions, &modelTokens); err != nil {
			return nil, fmt.Errorf("扫描 usage 汇总失败: %w", err)
		}
		t, ok := byDevice[dev]
		if !ok {
			t = &DeviceTotals{DeviceID: dev}
			byDevice[dev] = t
			order = append(order, dev)
		}
		var okTokens, okSessions bool
		t.TotalTokens, okTokens = CheckedAdd(t.TotalTokens, tokens)
		t.TotalSessions, okSessions = CheckedAdd(t.TotalSessions, sessions)
		if !okTokens || !okSessions {
			return nil, fmt.Errorf("汇总设备 %s 失败: %w", dev, ErrTokenOverflow)
		}
		t.TotalCost = t.TotalCost.Add(cost)
		t.Days++
		if day > t.LastDay {
			t.LastDay = day
		}
		if !t.HasOpusUsage && hasOpusModel(decodeModelTokens(modelTokens)) {
			t.HasOpusUsage = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 usage 汇总失败: %w", err)
	}

	out := make([]DeviceTotals, 0, len(order))
	for _, dev := range order {
		t := *byDevice[dev]
		t.TotalCost = t.TotalCost.Round(USDScale)
		out = append(out, t)
	}
	return out, nil
}

func hasOpusModel(m map[string]int64) bool {
	for model, tokens := range m {
		if tokens > 0 && strings.Contains(strings.ToLower(model), "opus") {
			return true
		}
	}
	return false
}

func encodeModelTokens(m map[string]int64) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化 model_tokens 失败: %w", err)
	}
	v := string(b)
	return &v, nil
}

func decodeModelTokens(v sql.NullString) map[string]int64 {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	var m map[string]int64
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil
	}
	return m
}
