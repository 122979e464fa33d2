package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"tokenboard/internal/achievement"
	"tokenboard/internal/aggregate"
)

type Result struct {
	SubmissionID string                  `json:"submission_id"`
	Status       string                  `json:"status"`
	State        State                   `json:"state"`
	DaysWritten  int                     `json:"days_written"`
	Totals       TotalsView              `json:"totals"`
	Rank         RankView                `json:"rank"`
	Level        aggregate.Level         `json:"level"`
	NewBadges    []string                `json:"new_badges"`
	LevelUp      *achievement.LevelDelta `json:"level_up,omitempty"`
	RankUp       *achievement.RankDelta  `json:"rank_up,omitempty"`
	Devices      []DeviceView            `json:"devices"`
	Previous     *PreviousView           `json:"previous"`
	Degraded     []string                `json:"degraded"`
}

type TotalsView struct {
	TotalTokens   int64           `json:"total_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalSessions int64           `json:"total_sessions"`
}

type RankView struct {
	Global  *int64 `json:"global"`
	Country *int64 `json:"country"`
}

type DeviceView struct {
	DeviceID      string          `json:"device_id"`
	Current       bool            `json:"current"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalSessions int64           `json:"total_sessions"`
	Days          int64           `json:"days"`
	LastDay       string          `json:"last_day"`
}

type PreviousView struct {
	SubmissionID string           `json:"submission_id"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	TotalTokens  *int64           `json:"total_tokens"`
	TotalCost    *decimal.Decimal `json:"total_cost"`
	GlobalRank   *int64           `json:"global_rank"`
	CountryRank  *int64           `json:"country_rank"`
	Level        *int             `json:"level"`
	// TokensDelta 为本次累计值减去上一次累计值；上一次没有记录结果时为 nil。
	TokensDelta *int64 `json:"tokens_delta"`
}
