// Package pipeline 串联一次用量提交的全部阶段：校验、限流、指纹认领、账本写入、设备迁移、
// 重算累计值、排名、成就与通知。
//
// 到达 LedgerWritten 之前的任何失败都会拒绝提交并归还限流配额；之后的失败只降级，
// 结果里的 Degraded 列出落后的阶段，下一次提交会重新收敛。
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tokenboard/internal/achievement"
	"tokenboard/internal/aggregate"
	"tokenboard/internal/auth"
	"tokenboard/internal/cacheinv"
	"tokenboard/internal/limits"
	"tokenboard/internal/notify"
	"tokenboard/internal/obs"
	"tokenboard/internal/rank"
	"tokenboard/internal/reconcile"
	"tokenboard/internal/store"
	"tokenboard/internal/submission"
)

// Store 是管线直接使用的存储能力，*store.Store 满足该接口。
type Store interface {
	reconcile.Ledger
	reconcile.Cleaner

	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	ClaimFingerprints(ctx context.Context, userID int64, deviceID string, fingerprints []string) (store.ClaimResult, error)
	UpsertUsage(ctx context.Context, in store.UpsertUsageInput) (store.WriteReceipt, error)
	MarkSubmissionWritten(ctx context.Context, submissionID string) error
	SetUserCountry(ctx context.Context, userID int64, countryCode *string) error
	UpdateUserTotals(ctx context.Context, userID int64, t store.UserTotals) error
	RecordSubmissionOutcome(ctx context.Context, submissionID string, o store.SubmissionOutcome) error
	GetPreviousSubmission(ctx context.Context, userID int64, beforeID int64) (store.SubmissionSnapshot, error)
}

type Limiter interface {
	Reserve(ctx context.Context, req limits.Request) (limits.Reservation, error)
	Release(ctx context.Context, submissionID string) error
}

type Aggregator interface {
	Recompute(ctx context.Context, userID int64) (aggregate.Totals, error)
}

type Ranker interface {
	Reconcile(ctx context.Context, userID int64, previousCountries ...string) (rank.Outcome, error)
}

type Deps struct {
	Store      Store
	Limiter    Limiter
	Aggregator Aggregator
	Ranker     Ranker
	Evaluator  achievement.Evaluator
	Hook       cacheinv.Hook
	Dispatcher notify.Dispatcher
	Alerts     notify.AlertSink
	Logger     *slog.Logger
}

type Options struct {
	// AchievementTimeout 限制同步成就评估的耗时，超时按降级处理。
	AchievementTimeout time.Duration
	// DetachedTimeout 是响应之后通知与告警的总时限。
	DetachedTimeout time.Duration
	// DivergenceRatio 为客户端自报累计值与重算值的相对偏差告警阈值。
	DivergenceRatio float64
	Now             func() time.Time
}

type Pipeline struct {
	deps Deps
	opts Options

	detached sync.WaitGroup
}

func New(deps Deps, opts Options) *Pipeline {
	if deps.Store == nil || deps.Limiter == nil {
		panic("pipeline: Store 与 Limiter 不能为空")
	}
	if deps.Aggregator == nil {
		panic("pipeline: Aggregator 不能为空")
	}
	if deps.Ranker == nil {
		panic("pipeline: Ranker 不能为空")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.AchievementTimeout <= 0 {
		opts.AchievementTimeout = 2 * time.Second
	}
	if opts.DetachedTimeout <= 0 {
		opts.DetachedTimeout = 30 * time.Second
	}
	if opts.DivergenceRatio <= 0 {
		opts.DivergenceRatio = 0.05
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts}
}

type Request struct {
	Principal auth.Principal
	Body      []byte
	RequestID string
}

// Submit 处理一次提交。返回 error 时提交被拒绝，账本没有任何变化；
// 返回 Result 时账本已落盘，Result.Degraded 列出未能完成的后续阶段。
func (p *Pipeline) Submit(ctx context.Context, req Request) (Result, error) {
	res, err := p.submit(ctx, req)
	if err != nil {
		obs.RecordSubmissionRejected(Reason(err))
		return Result{State: StateRejected}, err
	}
	obs.RecordSubmissionAccepted()
	for _, stage := range res.Degraded {
		obs.RecordSubmissionDegraded(stage)
	}
	return res, nil
}

func (p *Pipeline) submit(ctx context.Context, req Request) (Result, error) {
	userID := req.Principal.UserID
	log := p.deps.Logger.With("request_id", req.RequestID, "user_id", userID)
	if userID <= 0 {
		return Result{}, ErrUnauthorized
	}

	now := p.opts.Now().UTC()
	sub, telemetry, err := submission.Parse(req.Body, now)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	user, err := p.deps.Store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrUnauthorized
		}
		return Result{}, storageFailure("读取用户", err)
	}
	if user.Status != 1 {
		return Result{}, fmt.Errorf("%w: 用户已禁用", ErrUnauthorized)
	}

	subID := uuid.NewString()
	log = log.With("submission_id", subID)

	reservation, err := p.deps.Limiter.Reserve(ctx, limits.Request{
		UserID:           userID,
		SubmissionID:     subID,
		DeviceID:         sub.DeviceID,
		Source:           sub.Source,
		DayCount:         len(sub.Days),
		FingerprintCount: len(sub.Fingerprints),
	})
	if err != nil {
		var exceeded *limits.ExceededError
		switch {
		case errors.As(err, &exceeded):
			return Result{}, &RateLimitError{RetryAfter: exceeded.RetryAfter, Used: exceeded.Used, Max: exceeded.Max}
		case errors.Is(err, sql.ErrNoRows):
			return Result{}, ErrUnauthorized
		default:
			return Result{}, storageFailure("预留提交配额", err)
		}
	}

	state := StateValidated
	defer func() {
		if !CanReject(state) {
			return
		}
		if rerr := p.deps.Limiter.Release(context.WithoutCancel(ctx), subID); rerr != nil {
			log.Error("归还提交配额失败", "err", rerr)
		}
	}()

	claim, err := p.deps.Store.ClaimFingerprints(ctx, userID, sub.DeviceID, sub.Fingerprints)
	if err != nil {
		return Result{}, storageFailure("认领会话指纹", err)
	}
	if !claim.Committed {
		return Result{}, &OwnershipConflictError{Conflicts: claim.Conflicts}
	}
	state = StateOwnershipClaimed

	var degraded []string
	markDegraded := func(stage string, err error, msg string) {
		log.Warn(msg, "stage", stage, "err", err)
		for _, s := range degraded {
			if s == stage {
				return
			}
		}
		degraded = append(degraded, stage)
	}

	plan, planErr := reconcile.BuildPlan(ctx, p.deps.Store, userID, sub.DeviceID, sub.DayKeys(), claim)

	receipt, err := p.deps.Store.UpsertUsage(ctx, store.UpsertUsageInput{
		UserID:       userID,
		DeviceID:     sub.DeviceID,
		SubmissionID: subID,
		Source:       sub.Source,
		SubmittedAt:  reservation.AcceptedAt,
		Days:         sub.Days,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrWriteNotVerified):
		// 数据已提交，只是拿不到凭据：不做任何清理。
		markDegraded(DegradedReconcile, err, "账本回读校验失败，跳过设备迁移")
	default:
		return Result{}, storageFailure("写入用量账本", err)
	}
	state = StateLedgerWritten

	if err := p.deps.Store.MarkSubmissionWritten(ctx, subID); err != nil {
		log.Error("更新提交状态失败", "err", err)
	}

	if receipt.Valid() {
		if planErr != nil {
			markDegraded(DegradedReconcile, planErr, "生成设备迁移计划失败")
			// 没有计划也要清理 legacy 桶；旧设备的行留给下一次提交。
			plan = reconcile.Plan{}
		}
		if out, err := reconcile.Apply(ctx, p.deps.Store, receipt, plan); err != nil {
			markDegraded(DegradedReconcile, err, "设备迁移失败")
		} else {
			if planErr == nil {
				state = StateReconciled
			}
			if !plan.Empty() || out.LegacyRowsDeleted > 0 {
				log.Info("设备迁移完成",
					"device_id", sub.DeviceID,
					"stale_devices", plan.StaleDevices,
					"stale_rows_deleted", out.StaleRowsDeleted,
					"legacy_rows_deleted", out.LegacyRowsDeleted,
					"repointed", out.Repointed,
				)
			}
		}
	}

	if sub.CountryCode != nil && !sameCountry(sub.CountryCode, user.CountryCode) {
		if err := p.deps.Store.SetUserCountry(ctx, userID, sub.CountryCode); err != nil {
			log.Warn("更新用户国家失败", "err", err)
		}
	}

	totals, aggErr := p.deps.Aggregator.Recompute(ctx, userID)
	switch {
	case aggErr != nil:
		markDegraded(DegradedAggregate, aggErr, "重算累计值失败")
		totals = cachedTotals(user)
	case totals.Stale:
		markDegraded(DegradedAggregate, totals.StaleCause, "汇总查询失败，使用缓存累计值")
	default:
		if err := p.deps.Store.UpdateUserTotals(ctx, userID, totals.UserTotals(sub.PlanTier, reservation.AcceptedAt)); err != nil {
			markDegraded(DegradedAggregate, err, "写回累计值失败")
		} else if state == StateReconciled || state == StateLedgerWritten {
			state = StateAggregated
		}
	}

	globalRank, countryRank := user.GlobalRank, user.CountryRank
	var previousCountries []string
	if user.CountryCode != nil {
		previousCountries = append(previousCountries, *user.CountryCode)
	}
	if out, err := p.deps.Ranker.Reconcile(ctx, userID, previousCountries...); err != nil {
		markDegraded(DegradedRank, err, "排名重算失败")
	} else {
		globalRank, countryRank = out.GlobalRank, out.CountryRank
		if state == StateAggregated {
			state = StateRanked
		}
	}

	if p.deps.Hook != nil {
		if err := p.deps.Hook.Invalidate(ctx, store.CacheInvalidationKeyLeaderboard); err != nil {
			markDegraded(DegradedCache, err, "排行榜缓存失效通知失败")
		}
	}

	var ach achievement.Result
	if p.deps.Evaluator != nil {
		actx, cancel := context.WithTimeout(ctx, p.opts.AchievementTimeout)
		ach, err = p.deps.Evaluator.Evaluate(actx, achievement.Input{
			UserID:              userID,
			TotalTokens:         totals.TotalTokens,
			TotalCost:           totals.TotalCost,
			TotalSessions:       totals.TotalSessions,
			HasOpusUsage:        totals.HasOpusUsage,
			DeviceCount:         len(totals.Devices),
			PreviousLevel:       user.CurrentLevel,
			CurrentLevel:        totals.Level.Current,
			PreviousGlobalRank:  user.GlobalRank,
			GlobalRank:          globalRank,
			PreviousCountryRank: user.CountryRank,
			CountryRank:         countryRank,
			Days:                sub.Days,
			Now:                 now,
		})
		cancel()
		if err != nil {
			markDegraded(DegradedAchievements, err, "成就评估失败")
		}
	}

	var previous *PreviousView
	if snap, err := p.deps.Store.GetPreviousSubmission(ctx, userID, reservation.ID); err == nil {
		previous = previousView(snap, totals.TotalTokens)
	} else if !errors.Is(err, sql.ErrNoRows) {
		log.Warn("读取上次提交失败", "err", err)
	}

	if err := p.deps.Store.RecordSubmissionOutcome(ctx, subID, store.SubmissionOutcome{
		TotalTokens: totals.TotalTokens,
		TotalCost:   totals.TotalCost,
		GlobalRank:  globalRank,
		CountryRank: countryRank,
		Level:       totals.Level.Current,
	}); err != nil {
		log.Warn("记录提交结果失败", "err", err)
	}

	p.afterAck(ctx, log, afterAckInput{
		user:        user,
		subID:       subID,
		sub:         sub,
		telemetry:   telemetry,
		totals:      totals,
		level:       totals.Level.Current,
		globalRank:  globalRank,
		countryRank: countryRank,
		achievement: ach,
		recomputed:  aggErr == nil && !totals.Stale,
	})

	res := Result{
		SubmissionID: subID,
		Status:       "accepted",
		State:        state,
		DaysWritten:  len(sub.Days),
		Totals: TotalsView{
			TotalTokens:   totals.TotalTokens,
			TotalCost:     totals.TotalCost,
			TotalSessions: totals.TotalSessions,
		},
		Rank:      RankView{Global: globalRank, Country: countryRank},
		Level:     totals.Level,
		NewBadges: ach.NewBadges,
		LevelUp:   ach.LevelUp,
		RankUp:    ach.GlobalRankUp,
		Devices:   deviceViews(totals.Devices, sub.DeviceID),
		Previous:  previous,
		Degraded:  degraded,
	}
	if res.NewBadges == nil {
		res.NewBadges = []string{}
	}
	if res.Degraded == nil {
		res.Degraded = []string{}
	} else {
		res.Status = "partial"
	}
	if state == StateRanked || len(degraded) == 0 {
		res.State = StateAcknowledged
	}
	log.Info("提交已接受",
		"device_id", sub.DeviceID,
		"legacy", sub.Legacy(),
		"days", len(sub.Days),
		"submitted_tokens", sub.TotalTokens(),
		"total_tokens", totals.TotalTokens,
		"state", res.State,
		"degraded", res.Degraded,
	)
	return res, nil
}

// Wait 等待所有响应后的后台任务结束，供测试与优雅退出使用。
func (p *Pipeline) Wait() {
	p.detached.Wait()
}

type afterAckInput struct {
	user        store.User
	subID       string
	sub         submission.Submission
	telemetry   submission.Telemetry
	totals      aggregate.Totals
	level       int
	globalRank  *int64
	countryRank *int64
	achievement achievement.Result
	recomputed  bool
}

// afterAck 在响应之后投递通知与管理员告警。脱离请求的取消信号，自带超时，失败只记日志。
func (p *Pipeline) afterAck(ctx context.Context, log *slog.Logger, in afterAckInput) {
	var alerts []notify.Alert
	if p.deps.Alerts != nil {
		alerts = p.collectAlerts(in)
	}
	notifyUser := p.deps.Dispatcher != nil && !in.achievement.Empty()
	if !notifyUser && len(alerts) == 0 {
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.DetachedTimeout)
	p.detached.Add(1)
	go func() {
		defer p.detached.Done()
		defer cancel()

		g, gctx := errgroup.WithContext(dctx)
		if notifyUser {
			g.Go(func() error {
				return p.deps.Dispatcher.Dispatch(gctx, notify.Event{
					UserID:       in.user.ID,
					Username:     in.user.Username,
					Email:        in.user.Email,
					SubmissionID: in.subID,
					Level:        in.level,
					GlobalRank:   in.globalRank,
					CountryRank:  in.countryRank,
					Result:       in.achievement,
				})
			})
		}
		for _, a := range alerts {
			a := a
			g.Go(func() error {
				return p.deps.Alerts.Alert(gctx, a)
			})
		}
		if err := g.Wait(); err != nil {
			log.Error("后台通知失败", "err", err)
		}
	}()
}

func (p *Pipeline) collectAlerts(in afterAckInput) []notify.Alert {
	var out []notify.Alert
	base := func(kind string, detail map[string]any) notify.Alert {
		return notify.Alert{Kind: kind, UserID: in.user.ID, SubmissionID: in.subID, Detail: detail}
	}
	if in.sub.PlanTier != nil && !notify.KnownPlanTier(*in.sub.PlanTier) {
		out = append(out, base(notify.AlertUnknownPlanTier, map[string]any{"plan_tier": *in.sub.PlanTier}))
	}
	// 累计值降级时没有可信的重算值，不做偏差判断。
	if in.recomputed && in.telemetry.Present() {
		if d, ok := notify.Divergence(in.telemetry.TotalTokens, in.totals.TotalTokens, p.opts.DivergenceRatio); ok {
			out = append(out, base(notify.AlertTelemetryDivergence, map[string]any{
				"reported_total_tokens":   *in.telemetry.TotalTokens,
				"recomputed_total_tokens": in.totals.TotalTokens,
				"divergence":              d,
			}))
		}
	}
	if in.sub.CombinedMismatch {
		out = append(out, base(notify.AlertFingerprintMismatch, map[string]any{
			"device_id":         in.sub.DeviceID,
			"fingerprint_count": len(in.sub.Fingerprints),
		}))
	}
	return out
}

func cachedTotals(u store.User) aggregate.Totals {
	return aggregate.Totals{
		TotalTokens:   u.TotalTokens,
		TotalCost:     u.TotalCost,
		TotalSessions: u.TotalSessions,
		HasOpusUsage:  u.HasOpusUsage,
		Level:         aggregate.LevelFor(u.TotalTokens),
		Stale:         true,
	}
}

func sameCountry(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return strings.EqualFold(strings.TrimSpace(*a), strings.TrimSpace(*b))
}

func deviceViews(devices []store.DeviceTotals, current string) []DeviceView {
	if current == "" {
		current = store.LegacyDeviceID
	}
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceView{
			DeviceID:      d.DeviceID,
			Current:       d.DeviceID == current,
			TotalTokens:   d.TotalTokens,
			TotalCost:     d.TotalCost,
			TotalSessions: d.TotalSessions,
			Days:          d.Days,
			LastDay:       d.LastDay,
		})
	}
	return out
}

func previousView(snap store.SubmissionSnapshot, currentTokens int64) *PreviousView {
	v := &PreviousView{
		SubmissionID: snap.SubmissionID,
		SubmittedAt:  snap.AcceptedAt,
		TotalTokens:  snap.TotalTokens,
		TotalCost:    snap.TotalCost,
		GlobalRank:   snap.GlobalRank,
		CountryRank:  snap.CountryRank,
		Level:        snap.Level,
	}
	if snap.TotalTokens != nil {
		d := currentTokens - *snap.TotalTokens
		v.TokensDelta = &d
	}
	return v
}
