// Package achievement 根据重算后的累计值与名次推导等级变化与徽章。
package achievement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tokenboard/internal/store"
)

type Input struct {
	UserID        int64
	TotalTokens   int64
	TotalCost     decimal.Decimal
	TotalSessions int64
	HasOpusUsage  bool
	DeviceCount   int

	PreviousLevel       int
	CurrentLevel        int
	PreviousGlobalRank  *int64
	GlobalRank          *int64
	PreviousCountryRank *int64
	CountryRank         *int64

	// Days 是本次提交的逐日用量。
	Days []store.DayUsage
	Now  time.Time
}

type LevelDelta struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type RankDelta struct {
	From *int64 `json:"from"`
	To   int64  `json:"to"`
}

type Result struct {
	NewBadges     []string    `json:"new_badges"`
	LevelUp       *LevelDelta `json:"level_up,omitempty"`
	GlobalRankUp  *RankDelta  `json:"global_rank_up,omitempty"`
	CountryRankUp *RankDelta  `json:"country_rank_up,omitempty"`
}

func (r Result) Empty() bool {
	return len(r.NewBadges) == 0 && r.LevelUp == nil && r.GlobalRankUp == nil && r.CountryRankUp == nil
}

type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Result, error)
}

type BadgeStore interface {
	InsertUserBadges(ctx context.Context, userID int64, badges []string, earnedAt time.Time) ([]string, error)
}

// BadgeEvaluator 是默认实现：按规则得出应得徽章，insert-ignore 写入，只返回本次新获得的。
type BadgeEvaluator struct {
	st BadgeStore
}

func NewBadgeEvaluator(st BadgeStore) *BadgeEvaluator {
	return &BadgeEvaluator{st: st}
}

func (e *BadgeEvaluator) Evaluate(ctx context.Context, in Input) (Result, error) {
	res := Deltas(in)
	earned := Badges(in)
	if len(earned) == 0 {
		return res, nil
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	inserted, err := e.st.InsertUserBadges(ctx, in.UserID, earned, now)
	if err != nil {
		return res, fmt.Errorf("写入徽章失败: %w", err)
	}
	res.NewBadges = inserted
	return res, nil
}

// Deltas 计算升级与名次上升；首次上榜也算名次上升（From 为 nil）。
func Deltas(in Input) Result {
	var res Result
	if in.PreviousLevel > 0 && in.CurrentLevel > in.PreviousLevel {
		res.LevelUp = &LevelDelta{From: in.PreviousLevel, To: in.CurrentLevel}
	}
	res.GlobalRankUp = rankUp(in.PreviousGlobalRank, in.GlobalRank)
	res.CountryRankUp = rankUp(in.PreviousCountryRank, in.CountryRank)
	return res
}

func rankUp(prev, cur *int64) *RankDelta {
	if cur == nil {
		return nil
	}
	if prev != nil && *cur >= *prev {
		return nil
	}
	return &RankDelta{From: prev, To: *cur}
}

const (
	BadgeFirstSubmission = "first_submission"
	BadgeTokens1M        = "tokens_1m"
	BadgeTokens10M       = "tokens_10m"
	BadgeTokens100M      = "tokens_100m"
	BadgeTokens1B        = "tokens_1b"
	BadgeOpusUser        = "opus_user"
	BadgeMultiDevice     = "multi_device"
	BadgeBigDay          = "big_day"
	BadgeStreak7         = "streak_7"
	BadgeSpender100      = "spender_100"
	BadgeTop100          = "top_100"
	BadgeTop10           = "top_10"
	BadgeNumberOne       = "number_one"
	BadgeCountryTop10    = "country_top_10"
)

var tokenBadges = []struct {
	min   int64
	badge string
}{
	{1_000_000, BadgeTokens1M},
	{10_000_000, BadgeTokens10M},
	{100_000_000, BadgeTokens100M},
	{1_000_000_000, BadgeTokens1B},
}

// Badges 返回按当前状态应当持有的全部徽章（排序后），是否新获得由存储去重决定。
func Badges(in Input) []string {
	var out []string
	if in.TotalTokens > 0 {
		out = append(out, BadgeFirstSubmission)
	}
	for _, tb := range tokenBadges {
		if in.TotalTokens >= tb.min {
			out = append(out, tb.badge)
		}
	}
	if in.HasOpusUsage {
		out = append(out, BadgeOpusUser)
	}
	if in.DeviceCount >= 2 {
		out = append(out, BadgeMultiDevice)
	}
	if in.TotalCost.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		out = append(out, BadgeSpender100)
	}
	for _, d := range in.Days {
		if d.TotalTokens() >= 1_000_000 {
			out = append(out, BadgeBigDay)
			break
		}
	}
	if longestStreak(in.Days) >= 7 {
		out = append(out, BadgeStreak7)
	}
	if g := in.GlobalRank; g != nil {
		if *g <= 100 {
			out = append(out, BadgeTop100)
		}
		if *g <= 10 {
			out = append(out, BadgeTop10)
		}
		if *g == 1 {
			out = append(out, BadgeNumberOne)
		}
	}
	if c := in.CountryRank; c != nil && *c <= 10 {
		out = append(out, BadgeCountryTop10)
	}
	sort.Strings(out)
	return out
}

// longestStreak 统计有用量的连续日期的最长长度。
func longestStreak(days []store.DayUsage) int {
	var active []time.Time
	for _, d := range days {
		if d.TotalTokens() <= 0 {
			continue
		}
		t, err := time.Parse("2006-01-02", d.Day)
		if err != nil {
			continue
		}
		active = append(active, t)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Before(active[j]) })
	best, cur := 0, 0
	for i, t := range active {
		if i > 0 && t.Sub(active[i-1]) == 24*time.Hour {
			cur++
		} else if i == 0 || !t.Equal(active[i-1]) {
			cur = 1
		}
		if cur > best {
			best = cur
		}
	}
	return best
}
