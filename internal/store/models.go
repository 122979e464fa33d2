package store

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID               int64
	Email            string
	Username         string
	Status           int
	TotalTokens      int64
	TotalCost        decimal.Decimal
	TotalSessions    int64
	CountryCode      *string
	GlobalRank       *int64
	CountryRank      *int64
	CurrentLevel     int
	LastSubmissionAt *time.Time
	PlanTier         *string
	HasOpusUsage     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type UserToken struct {
	ID         int64
	UserID     int64
	Name       *string
	TokenHash  []byte
	TokenHint  *string
	Status     int
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// DayUsage 是一次提交中某一天的用量；写入时按 (user_id, day, device_id) 整行替换。
type DayUsage struct {
	Day                 string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	CostUSD             decimal.Decimal
	SessionCount        int64
	PrimaryModel        *string
	ModelTokens         map[string]int64
}

const (
	// MaxDayTokens 是单日单设备每一类 token 的上限，四类之和远小于 int64 上限。
	MaxDayTokens int64 = 1_000_000_000_000_000
	// MaxDaySessions 是单日单设备的会话数上限。
	MaxDaySessions int64 = 1_000_000_000
)

// CheckedAdd 返回 a+b；结果超出 int64 时 ok=false。
func CheckedAdd(a, b int64) (sum int64, ok bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func (d DayUsage) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheCreationTokens + d.CacheReadTokens
}

type UsageRecord struct {
	ID               int64
	UserID           int64
	Day              string
	DeviceID         string
	InputTokens      int64
	OutputTokens     int64
	CacheCreation    int64
	CacheRead        int64
	TotalTokens      int64
	CostUSD          decimal.Decimal
	SessionCount     int64
	PrimaryModel     *string
	ModelTokens      map[string]int64
	SubmissionID     string
	SubmissionSource string
	SubmittedAt      time.Time
}

// DeviceTotals 是单设备在 usage_records 中的累计值。
type DeviceTotals struct {
	DeviceID      string
	TotalTokens   int64
	TotalCost     decimal.Decimal
	TotalSessions int64
	Days          int64
	LastDay       string
	HasOpusUsage  bool
}

// UserTotals 是聚合后写回 users 的字段集合。
type UserTotals struct {
	TotalTokens   int64
	TotalCost     decimal.Decimal
	TotalSessions int64
	Level         int
	HasOpusUsage  bool
	PlanTier      *string
	SubmittedAt   time.Time
}

type RankCandidate struct {
	UserID      int64
	CountryCode string
	TotalTokens int64
	GlobalRank  *int64
	CountryRank *int64
}

// RankUpdate 中 nil 表示清空排名（用户 token 归零）。
type RankUpdate struct {
	UserID      int64
	GlobalRank  *int64
	CountryRank *int64
}

type LeaderboardRow struct {
	Rank          int64
	UserID        int64
	Username      string
	CountryCode   *string
	TotalTokens   int64
	TotalCost     decimal.Decimal
	TotalSessions int64
	Level         int
	PlanTier      *string
}

type LeaderboardQuery struct {
	Country string
	Limit   int
	Offset  int
}

type UserBadge struct {
	UserID   int64
	Badge    string
	EarnedAt time.Time
}

// SubmissionSnapshot 是某次已接受提交完成后的结果快照，用于下一次提交的对比展示。
type SubmissionSnapshot struct {
	ID           int64
	SubmissionID string
	DeviceID     string
	AcceptedAt   time.Time
	DayCount     int
	TotalTokens  *int64
	TotalCost    *decimal.Decimal
	GlobalRank   *int64
	CountryRank  *int64
	Level        *int
}
