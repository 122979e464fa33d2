// Package submission 解析并校验客户端上报的用量提交。
//
// 客户端上报的累计值（total_tokens 等）在解码前就从请求体中剥离，只作为遥测保留；
// 解码得到的 Submission 不包含任何累计字段，聚合只能从账本重算。
package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tokenboard/internal/crypto"
	"tokenboard/internal/store"
)

const (
	MaxDays         = 400
	MaxFingerprints = 10000
	MaxModelsUsed   = 100

	dayLayout     = "2006-01-02"
	defaultSource = "cli"
)

// DayEntry 是请求体中单日用量的线上格式；today 块使用同样的结构但不带 date。
type DayEntry struct {
	Date                string           `json:"date"`
	InputTokens         int64            `json:"input_tokens"`
	OutputTokens        int64            `json:"output_tokens"`
	CacheCreationTokens int64            `json:"cache_creation_tokens"`
	CacheReadTokens     int64            `json:"cache_read_tokens"`
	CostUSD             decimal.Decimal  `json:"cost_usd"`
	SessionCount        int64            `json:"session_count"`
	Models              map[string]int64 `json:"models"`
}

type FingerprintSet struct {
	Hashes   []string `json:"hashes"`
	Combined string   `json:"combined"`
	Count    *int     `json:"count"`
}

type payload struct {
	Days         []DayEntry      `json:"days"`
	Today        *DayEntry       `json:"today"`
	Fingerprints *FingerprintSet `json:"fingerprints"`
	DeviceID     string          `json:"device_id"`
	Source       string          `json:"source"`
	PlanTier     string          `json:"plan_tier"`
	ModelsUsed   []string        `json:"models_used"`
	CountryCode  string          `json:"country_code"`
}

// Submission 是通过校验的提交，字段均已规范化。
type Submission struct {
	Days []store.DayUsage
	// DeviceID 为空表示旧客户端（写入 legacy 桶）。
	DeviceID string
	Source   string
	// Fallback 为 true 表示请求没有 days，Days 只有一条由 today 块构造的当天记录。
	Fallback bool

	Fingerprints []string
	// CombinedMismatch 表示客户端给出的整体摘要与逐条哈希算出的不一致，只用于告警。
	CombinedMismatch bool

	PlanTier    *string
	ModelsUsed  []string
	CountryCode *string
}

func (s Submission) Legacy() bool {
	return s.DeviceID == ""
}

func (s Submission) DayKeys() []string {
	out := make([]string, 0, len(s.Days))
	for _, d := range s.Days {
		out = append(out, d.Day)
	}
	return out
}

// TotalTokens 是本次提交覆盖日期上的 token 之和；天数与单日上限保证不会溢出。
func (s Submission) TotalTokens() int64 {
	var n int64
	for _, d := range s.Days {
		n += d.TotalTokens()
	}
	return n
}

// Parse 剥离遥测字段后解码并校验请求体。now 决定兜底记录的日期与「未来日期」的上限。
func Parse(body []byte, now time.Time) (Submission, Telemetry, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Submission{}, Telemetry{}, invalid("body", "请求体为空")
	}
	if !gjson.ValidBytes(body) {
		return Submission{}, Telemetry{}, invalid("body", "请求体不是合法 JSON")
	}
	if !gjson.ParseBytes(body).IsObject() {
		return Submission{}, Telemetry{}, invalid("body", "请求体必须是 JSON 对象")
	}

	tel := extractTelemetry(body)
	stripped, err := stripTelemetry(body)
	if err != nil {
		return Submission{}, Telemetry{}, err
	}

	var p payload
	if err := json.Unmarshal(stripped, &p); err != nil {
		return Submission{}, Telemetry{}, invalid("body", fmt.Sprintf("字段类型不合法: %v", err))
	}
	sub, err := p.validate(now)
	if err != nil {
		return Submission{}, Telemetry{}, err
	}
	return sub, tel, nil
}

func (p payload) validate(now time.Time) (Submission, error) {
	today := now.UTC().Format(dayLayout)
	latest := now.UTC().AddDate(0, 0, 1).Format(dayLayout)

	var sub Submission

	deviceID, err := normalizeDeviceID(p.DeviceID)
	if err != nil {
		return Submission{}, err
	}
	sub.DeviceID = deviceID

	sub.Source, err = normalizeSource(p.Source)
	if err != nil {
		return Submission{}, err
	}

	if len(p.Days) > MaxDays {
		return Submission{}, invalid("days", fmt.Sprintf("最多 %d 天", MaxDays))
	}
	seen := make(map[string]struct{}, len(p.Days))
	for i, d := range p.Days {
		field := fmt.Sprintf("days[%d]", i)
		if err := validateDate(field+".date", d.Date, latest); err != nil {
			return Submission{}, err
		}
		if _, dup := seen[d.Date]; dup {
			return Submission{}, invalid(field+".date", "日期重复: "+d.Date)
		}
		seen[d.Date] = struct{}{}
		u, err := toDayUsage(field, d.Date, d)
		if err != nil {
			return Submission{}, err
		}
		sub.Days = append(sub.Days, u)
	}
	if len(sub.Days) == 0 {
		var entry DayEntry
		if p.Today != nil {
			entry = *p.Today
		}
		u, err := toDayUsage("today", today, entry)
		if err != nil {
			return Submission{}, err
		}
		sub.Days = []store.DayUsage{u}
		sub.Fallback = true
	}
	sort.Slice(sub.Days, func(i, j int) bool { return sub.Days[i].Day < sub.Days[j].Day })

	if p.Fingerprints != nil {
		fps, mismatch, err := validateFingerprints(*p.Fingerprints)
		if err != nil {
			return Submission{}, err
		}
		sub.Fingerprints = fps
		sub.CombinedMismatch = mismatch
	}

	if v := strings.TrimSpace(p.PlanTier); v != "" {
		if len(v) > 32 {
			return Submission{}, invalid("plan_tier", "过长")
		}
		v = strings.ToLower(v)
		sub.PlanTier = &v
	}

	if len(p.ModelsUsed) > MaxModelsUsed {
		return Submission{}, invalid("models_used", fmt.Sprintf("最多 %d 个", MaxModelsUsed))
	}
	for _, m := range p.ModelsUsed {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		sub.ModelsUsed = append(sub.ModelsUsed, m)
	}

	if cc := strings.TrimSpace(p.CountryCode); cc != "" {
		if !isAlpha2(cc) {
			return Submission{}, invalid("country_code", "必须是两位字母")
		}
		cc = strings.ToUpper(cc)
		sub.CountryCode = &cc
	}
	return sub, nil
}

func toDayUsage(field string, day string, d DayEntry) (store.DayUsage, error) {
	counts := []struct {
		name string
		v    int64
		max  int64
	}{
		{"input_tokens", d.InputTokens, store.MaxDayTokens},
		{"output_tokens", d.OutputTokens, store.MaxDayTokens},
		{"cache_creation_tokens", d.CacheCreationTokens, store.MaxDayTokens},
		{"cache_read_tokens", d.CacheReadTokens, store.MaxDayTokens},
		{"session_count", d.SessionCount, store.MaxDaySessions},
	}
	var total int64
	for _, c := range counts {
		if c.v < 0 {
			return store.DayUsage{}, invalid(field+"."+c.name, "不能为负数")
		}
		if c.v > c.max {
			return store.DayUsage{}, invalid(field+"."+c.name, fmt.Sprintf("超过单日上限 %d", c.max))
		}
		if c.name == "session_count" {
			continue
		}
		var ok bool
		if total, ok = store.CheckedAdd(total, c.v); !ok {
			return store.DayUsage{}, invalid(field, "token 数溢出")
		}
	}
	if d.CostUSD.IsNegative() {
		return store.DayUsage{}, invalid(field+".cost_usd", "不能为负数")
	}
	u := store.DayUsage{
		Day:                 day,
		InputTokens:         d.InputTokens,
		OutputTokens:        d.OutputTokens,
		CacheCreationTokens: d.CacheCreationTokens,
		CacheReadTokens:     d.CacheReadTokens,
		CostUSD:             d.CostUSD,
		SessionCount:        d.SessionCount,
	}
	if len(d.Models) > 0 {
		u.ModelTokens = make(map[string]int64, len(d.Models))
		for model, tokens := range d.Models {
			name := strings.TrimSpace(model)
			if name == "" || len(name) > 128 {
				return store.DayUsage{}, invalid(field+".models", "模型名不合法")
			}
			if tokens < 0 {
				return store.DayUsage{}, invalid(field+".models."+name, "不能为负数")
			}
			sum, ok := store.CheckedAdd(u.ModelTokens[name], tokens)
			if !ok || sum > store.MaxDayTokens {
				return store.DayUsage{}, invalid(field+".models."+name, fmt.Sprintf("超过单日上限 %d", store.MaxDayTokens))
			}
			u.ModelTokens[name] = sum
		}
		u.PrimaryModel = PrimaryModel(u.ModelTokens)
	}
	return u, nil
}

// PrimaryModel 返回 token 最多的模型；并列时取名字最小的，保证结果稳定。
func PrimaryModel(models map[string]int64) *string {
	var (
		best   string
		bestN  int64 = -1
		picked bool
	)
	for name, n := range models {
		if n > bestN || (n == bestN && name < best) {
			best, bestN, picked = name, n, true
		}
	}
	if !picked {
		return nil
	}
	return &best
}

func validateDate(field string, v string, latest string) error {
	if len(v) != len(dayLayout) {
		return invalid(field, "日期格式必须是 YYYY-MM-DD")
	}
	t, err := time.Parse(dayLayout, v)
	if err != nil || t.Format(dayLayout) != v {
		return invalid(field, "日期格式必须是 YYYY-MM-DD")
	}
	if v > latest {
		return invalid(field, "日期不能晚于明天")
	}
	return nil
}

func normalizeDeviceID(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if len(v) < 4 || len(v) > 64 || !isHex(v) {
		return "", invalid("device_id", "必须是 4-64 位十六进制字符串")
	}
	return strings.ToLower(v), nil
}

func normalizeSource(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return defaultSource, nil
	}
	if len(v) > 32 {
		return "", invalid("source", "过长")
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		return "", invalid("source", "只允许字母、数字、- 和 _")
	}
	return v, nil
}

func validateFingerprints(fs FingerprintSet) ([]string, bool, error) {
	if len(fs.Hashes) > MaxFingerprints {
		return nil, false, invalid("fingerprints.hashes", fmt.Sprintf("最多 %d 个", MaxFingerprints))
	}
	if fs.Count != nil && *fs.Count != len(fs.Hashes) {
		return nil, false, invalid("fingerprints.count", fmt.Sprintf("count=%d 与 hashes 数量 %d 不一致", *fs.Count, len(fs.Hashes)))
	}
	out := make([]string, 0, len(fs.Hashes))
	seen := make(map[string]struct{}, len(fs.Hashes))
	for i, h := range fs.Hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if len(h) < 8 || len(h) > 128 || !isHex(h) {
			return nil, false, invalid(fmt.Sprintf("fingerprints.hashes[%d]", i), "必须是 8-128 位十六进制字符串")
		}
		if _, dup := seen[h]; dup {
			return nil, false, invalid(fmt.Sprintf("fingerprints.hashes[%d]", i), "指纹重复")
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	mismatch := false
	if c := strings.ToLower(strings.TrimSpace(fs.Combined)); c != "" && len(out) > 0 {
		mismatch = c != crypto.CombinedFingerprint(out)
	}
	return out, mismatch, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

func isAlpha2(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}

var ErrInvalid = errors.New("提交内容不合法")

// ValidationError 指出第一个不合法的字段。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
