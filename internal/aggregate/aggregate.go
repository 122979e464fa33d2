// Package aggregate 从账本重算用户的权威累计值。输入只有 user id，客户端自报的累计值在这里不可见。
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tokenboard/internal/store"
)

type Source interface {
	SumUsageByDevice(ctx context.Context, userID int64) ([]store.DeviceTotals, error)
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
}

type Persister interface {
	UpdateUserTotals(ctx context.Context, userID int64, t store.UserTotals) error
}

type Totals struct {
	TotalTokens   int64
	TotalCost     decimal.Decimal
	TotalSessions int64
	Devices       []store.DeviceTotals
	HasOpusUsage  bool
	Level         Level
	// Stale 为 true 表示汇总查询失败，返回的是 users 表里上一次写回的值，不能再写回。
	Stale      bool
	StaleCause error
}

type Aggregator struct {
	src Source
}

func New(src Source) *Aggregator {
	return &Aggregator{src: src}
}

// Recompute 汇总用户全部 usage 行。汇总失败时退回缓存值（Stale=true），永远不会用 0 或部分结果顶替。
func (a *Aggregator) Recompute(ctx context.Context, userID int64) (Totals, error) {
	devices, err := a.src.SumUsageByDevice(ctx, userID)
	if err != nil {
		return a.cached(ctx, userID, err)
	}

	t := Totals{TotalCost: decimal.Zero}
	for _, d := range devices {
		var okTokens, okSessions bool
		t.TotalTokens, okTokens = store.CheckedAdd(t.TotalTokens, d.TotalTokens)
		t.TotalSessions, okSessions = store.CheckedAdd(t.TotalSessions, d.TotalSessions)
		if !okTokens || !okSessions {
			return a.cached(ctx, userID, fmt.Errorf("跨设备汇总失败: %w", store.ErrTokenOverflow))
		}
		t.TotalCost = t.TotalCost.Add(d.TotalCost)
		if d.HasOpusUsage {
			t.HasOpusUsage = true
		}
	}
	t.TotalCost = t.TotalCost.Round(store.USDScale)
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].TotalTokens != devices[j].TotalTokens {
			return devices[i].TotalTokens > devices[j].TotalTokens
		}
		return devices[i].DeviceID < devices[j].DeviceID
	})
	t.Devices = devices
	t.Level = LevelFor(t.TotalTokens)
	return t, nil
}

func (a *Aggregator) cached(ctx context.Context, userID int64, cause error) (Totals, error) {
	u, err := a.src.GetUserByID(ctx, userID)
	if err != nil {
		return Totals{}, fmt.Errorf("汇总失败且读取缓存累计值失败: %w", cause)
	}
	return Totals{
		TotalTokens:   u.TotalTokens,
		TotalCost:     u.TotalCost,
		TotalSessions: u.TotalSessions,
		HasOpusUsage:  u.HasOpusUsage,
		Level:         LevelFor(u.TotalTokens),
		Stale:         true,
		StaleCause:    cause,
	}, nil
}

// UserTotals 把重算结果转换为写回 users 的字段；planTier 只用于展示。
func (t Totals) UserTotals(planTier *string, submittedAt time.Time) store.UserTotals {
	return store.UserTotals{
		TotalTokens:   t.TotalTokens,
		TotalCost:     t.TotalCost,
		TotalSessions: t.TotalSessions,
		Level:         t.Level.Current,
		HasOpusUsage:  t.HasOpusUsage,
		PlanTier:      planTier,
		SubmittedAt:   submittedAt,
	}
}

// Refresh 重算并写回，供管理命令修复累计值；不改动 last_submission_at 与 plan_tier。
func Refresh(ctx context.Context, a *Aggregator, p Persister, userID int64) (Totals, error) {
	t, err := a.Recompute(ctx, userID)
	if err != nil {
		return Totals{}, err
	}
	if t.Stale {
		return t, fmt.Errorf("用户 %d 汇总失败，未写回: %w", userID, t.StaleCause)
	}
	if err := p.UpdateUserTotals(ctx, userID, t.UserTotals(nil, time.Time{})); err != nil {
		return t, err
	}
	return t, nil
}
