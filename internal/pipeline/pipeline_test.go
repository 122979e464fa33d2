package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"tokenboard/internal/achievement"
	"tokenboard/internal/aggregate"
	"tokenboard/internal/auth"
	"tokenboard/internal/cacheinv"
	"tokenboard/internal/limits"
	"tokenboard/internal/notify"
	"tokenboard/internal/rank"
	"tokenboard/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingAlerts) Alert(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerts) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	sort.Strings(out)
	return out
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

type failingAggregator struct{}

func (failingAggregator) Recompute(context.Context, int64) (aggregate.Totals, error) {
	return aggregate.Totals{}, errors.New("汇总超时")
}

type failingRanker struct{}

func (failingRanker) Reconcile(context.Context, int64, ...string) (rank.Outcome, error) {
	return rank.Outcome{}, errors.New("排名快照失败")
}

type harness struct {
	st         *store.Store
	clock      *fakeClock
	alerts     *recordingAlerts
	dispatcher *recordingDispatcher
	p          *Pipeline
}

type harnessOption func(*Deps, *Options)

func withMaxSubmissions(st *store.Store, clock *fakeClock, max int) harnessOption {
	return func(d *Deps, _ *Options) {
		d.Limiter = limits.NewSubmissionLimiter(st, max, time.Hour).WithClock(clock.Now)
	}
}

func newHarness(t *testing.T, opts ...func(*store.Store, *fakeClock) harnessOption) *harness {
	t.Helper()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tokenboard.db") + "?_busy_timeout=1000")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	st := store.New(db)
	st.SetDialect(store.DialectSQLite)

	h := &harness{
		st:         st,
		clock:      &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)},
		alerts:     &recordingAlerts{},
		dispatcher: &recordingDispatcher{},
	}
	deps := Deps{
		Store:      st,
		Limiter:    limits.NewSubmissionLimiter(st, 100, time.Hour).WithClock(h.clock.Now),
		Aggregator: aggregate.New(st),
		Ranker:     rank.NewReconciler(st),
		Evaluator:  achievement.NewBadgeEvaluator(st),
		Hook:       cacheinv.NewStoreHook(st),
		Dispatcher: h.dispatcher,
		Alerts:     h.alerts,
	}
	o := Options{Now: h.clock.Now}
	for _, opt := range opts {
		opt(st, h.clock)(&deps, &o)
	}
	h.p = New(deps, o)
	t.Cleanup(h.p.Wait)
	return h
}

func (h *harness) user(t *testing.T, name string, cc *string) int64 {
	t.Helper()
	id, err := h.st.CreateUser(context.Background(), name+"@example.com", name, cc)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return id
}

type dayIn struct {
	Date        string `json:"date"`
	InputTokens int64  `json:"input_tokens"`
	CostUSD     string `json:"cost_usd"`
	Sessions    int64  `json:"session_count"`
}

type bodyIn struct {
	TotalTokens  *int64         `json:"total_tokens,omitempty"`
	Days         []dayIn        `json:"days,omitempty"`
	Fingerprints map[string]any `json:"fingerprints,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	PlanTier     string         `json:"plan_tier,omitempty"`
	CountryCode  string         `json:"country_code,omitempty"`
}

func mustBody(t *testing.T, b bodyIn) []byte {
	t.Helper()
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return raw
}

func fps(hashes ...string) map[string]any {
	return map[string]any{"hashes": hashes, "count": len(hashes)}
}

func (h *harness) submit(t *testing.T, userID int64, b bodyIn) (Result, error) {
	t.Helper()
	return h.p.Submit(context.Background(), Request{
		Principal: auth.Principal{ActorType: auth.ActorTypeToken, UserID: userID},
		Body:      mustBody(t, b),
		RequestID: "req-test",
	})
}

func (h *harness) ledgerSum(t *testing.T, userID int64) int64 {
	t.Helper()
	recs, err := h.st.ListUsageRecords(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListUsageRecords: %v", err)
	}
	var n int64
	for _, r := range recs {
		n += r.TotalTokens
	}
	return n
}

func TestSubmit_SameDayReplacesInsteadOfAdding(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)

	first, err := h.submit(t, userID, bodyIn{
		DeviceID: "aa11bb22",
		Days:     []dayIn{{Date: "2026-01-10", InputTokens: 1000, CostUSD: "1.5", Sessions: 2}},
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Totals.TotalTokens != 1000 {
		t.Fatalf("first total = %d, want 1000", first.Totals.TotalTokens)
	}
	if first.Previous != nil {
		t.Fatalf("first previous = %+v, want nil", first.Previous)
	}

	second, err := h.submit(t, userID, bodyIn{
		DeviceID: "aa11bb22",
		Days:     []dayIn{{Date: "2026-01-10", InputTokens: 1500, CostUSD: "2", Sessions: 3}},
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Totals.TotalTokens != 1500 {
		t.Fatalf("second total = %d, want 1500", second.Totals.TotalTokens)
	}
	if second.State != StateAcknowledged || len(second.Degraded) != 0 {
		t.Fatalf("state=%s degraded=%v", second.State, second.Degraded)
	}
	if second.Previous == nil || second.Previous.TokensDelta == nil || *second.Previous.TokensDelta != 500 {
		t.Fatalf("previous = %+v, want delta 500", second.Previous)
	}
	if second.Rank.Global == nil || *second.Rank.Global != 1 {
		t.Fatalf("global rank = %v, want 1", second.Rank.Global)
	}

	u, err := h.st.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if u.TotalTokens != 1500 || h.ledgerSum(t, userID) != 1500 {
		t.Fatalf("user total=%d ledger=%d, want 1500", u.TotalTokens, h.ledgerSum(t, userID))
	}
}

func TestSubmit_ResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)
	b := bodyIn{
		DeviceID:     "aa11bb22",
		Fingerprints: fps("abcdef01", "abcdef02"),
		Days: []dayIn{
			{Date: "2026-01-08", InputTokens: 100, CostUSD: "0.1", Sessions: 1},
			{Date: "2026-01-09", InputTokens: 200, CostUSD: "0.2", Sessions: 1},
		},
	}
	for i := 0; i < 3; i++ {
		res, err := h.submit(t, userID, b)
		if err != nil {
			t.Fatalf("submit #%d: %v", i+1, err)
		}
		if res.Totals.TotalTokens != 300 {
			t.Fatalf("submit #%d total = %d, want 300", i+1, res.Totals.TotalTokens)
		}
	}
	if got := h.ledgerSum(t, userID); got != 300 {
		t.Fatalf("ledger sum = %d, want 300", got)
	}
}

func TestSubmit_DuplicateOwnershipRejectsWithoutWriting(t *testing.T) {
	h := newHarness(t, func(st *store.Store, c *fakeClock) harnessOption { return withMaxSubmissions(st, c, 1) })
	alice := h.user(t, "alice", nil)
	bob := h.user(t, "bob", nil)

	if _, err := h.submit(t, alice, bodyIn{
		DeviceID:     "aa11bb22",
		Fingerprints: fps("abcdef01"),
		Days:         []dayIn{{Date: "2026-01-10", InputTokens: 100, CostUSD: "0"}},
	}); err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	_, err := h.submit(t, bob, bodyIn{
		DeviceID:     "cc33dd44",
		Fingerprints: fps("abcdef01", "abcdef99"),
		Days:         []dayIn{{Date: "2026-01-10", InputTokens: 999, CostUSD: "0"}},
	})
	var conflict *OwnershipConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrDuplicateOwnership) {
		t.Fatalf("bob submit err = %v, want OwnershipConflictError", err)
	}
	if len(conflict.Conflicts) != 1 || conflict.Conflicts[0] != "abcdef01" {
		t.Fatalf("conflicts = %v", conflict.Conflicts)
	}
	if got := Reason(err); got != "duplicate_ownership" {
		t.Fatalf("Reason = %q", got)
	}
	if got := h.ledgerSum(t, bob); got != 0 {
		t.Fatalf("bob ledger = %d, want 0", got)
	}
	owners, err := h.st.LookupOwnership(context.Background(), []string{"abcdef99"})
	if err != nil {
		t.Fatalf("LookupOwnership: %v", err)
	}
	if len(owners) != 0 {
		t.Fatalf("abcdef99 should stay unclaimed, got %+v", owners)
	}

	// 被拒绝的提交归还了配额：bob 的窗口上限为 1，仍然可以提交。
	if _, err := h.submit(t, bob, bodyIn{
		DeviceID: "cc33dd44",
		Days:     []dayIn{{Date: "2026-01-10", InputTokens: 999, CostUSD: "0"}},
	}); err != nil {
		t.Fatalf("bob retry: %v", err)
	}
}

func TestSubmit_ReinstallKeepsTotals(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)
	hashes := fps("abcdef01", "abcdef02", "abcdef03")

	if _, err := h.submit(t, userID, bodyIn{
		DeviceID:     "d1d1d1d1",
		Fingerprints: hashes,
		Days: []dayIn{
			{Date: "2026-01-08", InputTokens: 100, CostUSD: "0"},
			{Date: "2026-01-09", InputTokens: 200, CostUSD: "0"},
			{Date: "2026-01-10", InputTokens: 300, CostUSD: "0"},
		},
	}); err != nil {
		t.Fatalf("old device submit: %v", err)
	}

	res, err := h.submit(t, userID, bodyIn{
		DeviceID:     "d2d2d2d2",
		Fingerprints: hashes,
		Days: []dayIn{
			{Date: "2026-01-09", InputTokens: 200, CostUSD: "0"},
			{Date: "2026-01-10", InputTokens: 300, CostUSD: "0"},
		},
	})
	if err != nil {
		t.Fatalf("new device submit: %v", err)
	}
	if res.Totals.TotalTokens != 600 {
		t.Fatalf("total after reinstall = %d, want 600", res.Totals.TotalTokens)
	}
	if len(res.Degraded) != 0 {
		t.Fatalf("degraded = %v", res.Degraded)
	}

	owners, err := h.st.LookupOwnership(context.Background(), []string{"abcdef01", "abcdef02", "abcdef03"})
	if err != nil {
		t.Fatalf("LookupOwnership: %v", err)
	}
	for fp, o := range owners {
		if o.DeviceID != "d2d2d2d2" {
			t.Fatalf("%s owned by device %s, want d2d2d2d2", fp, o.DeviceID)
		}
	}

	perDevice := map[string]int64{}
	for _, d := range res.Devices {
		perDevice[d.DeviceID] = d.TotalTokens
	}
	if perDevice["d1d1d1d1"] != 100 || perDevice["d2d2d2d2"] != 500 {
		t.Fatalf("devices = %+v", res.Devices)
	}
}

func TestSubmit_LegacyRowsReplacedByDevice(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)

	if _, err := h.submit(t, userID, bodyIn{
		Days: []dayIn{{Date: "2026-01-10", InputTokens: 400, CostUSD: "0"}},
	}); err != nil {
		t.Fatalf("legacy submit: %v", err)
	}
	res, err := h.submit(t, userID, bodyIn{
		DeviceID: "aa11bb22",
		Days:     []dayIn{{Date: "2026-01-10", InputTokens: 450, CostUSD: "0"}},
	})
	if err != nil {
		t.Fatalf("device submit: %v", err)
	}
	if res.Totals.TotalTokens != 450 {
		t.Fatalf("total = %d, want 450", res.Totals.TotalTokens)
	}
}

type planLookupDown struct{ *store.Store }

func (planLookupDown) ListUserDeviceDays(context.Context, int64, []string, []string) (map[string][]string, error) {
	return nil, errors.New("device days lookup down")
}

func TestSubmit_PlanFailureStillDropsLegacyRows(t *testing.T) {
	h := newHarness(t, func(st *store.Store, _ *fakeClock) harnessOption {
		return func(d *Deps, _ *Options) { d.Store = planLookupDown{st} }
	})
	userID := h.user(t, "alice", nil)
	hashes := fps("abcdef01", "abcdef02")

	if _, err := h.submit(t, userID, bodyIn{
		Days: []dayIn{{Date: "2026-01-10", InputTokens: 400, CostUSD: "0"}},
	}); err != nil {
		t.Fatalf("legacy submit: %v", err)
	}
	if _, err := h.submit(t, userID, bodyIn{
		DeviceID:     "d1d1d1d1",
		Fingerprints: hashes,
		Days:         []dayIn{{Date: "2026-01-09", InputTokens: 100, CostUSD: "0"}},
	}); err != nil {
		t.Fatalf("old device submit: %v", err)
	}

	// 指纹挂在 d1 上，换设备时需要查询旧设备用量，这一步失败。
	res, err := h.submit(t, userID, bodyIn{
		DeviceID:     "d2d2d2d2",
		Fingerprints: hashes,
		Days:         []dayIn{{Date: "2026-01-10", InputTokens: 450, CostUSD: "0"}},
	})
	if err != nil {
		t.Fatalf("new device submit: %v", err)
	}
	if fmt.Sprint(res.Degraded) != fmt.Sprint([]string{DegradedReconcile}) {
		t.Fatalf("degraded = %v, want [%s]", res.Degraded, DegradedReconcile)
	}
	if got := h.ledgerSum(t, userID); got != 550 {
		t.Fatalf("ledger = %d, want 550 (legacy rows on 2026-01-10 removed)", got)
	}
	if res.Totals.TotalTokens != 550 {
		t.Fatalf("total = %d, want 550", res.Totals.TotalTokens)
	}
}

func TestSubmit_RateLimitAndRecovery(t *testing.T) {
	h := newHarness(t, func(st *store.Store, c *fakeClock) harnessOption { return withMaxSubmissions(st, c, 2) })
	userID := h.user(t, "alice", nil)
	b := bodyIn{DeviceID: "aa11bb22", Days: []dayIn{{Date: "2026-01-10", InputTokens: 10, CostUSD: "0"}}}

	for i := 0; i < 2; i++ {
		if _, err := h.submit(t, userID, b); err != nil {
			t.Fatalf("submit #%d: %v", i+1, err)
		}
		h.clock.Advance(10 * time.Minute)
	}

	_, err := h.submit(t, userID, b)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("third submit err = %v, want RateLimitError", err)
	}
	// 第一条在 12:00 被接受，现在 12:20，窗口 1h。
	if got := rl.RetryAfterSeconds(); got != 40*60 {
		t.Fatalf("retry after = %ds, want %d", got, 40*60)
	}

	h.clock.Advance(rl.RetryAfter)
	if _, err := h.submit(t, userID, b); err != nil {
		t.Fatalf("submit after waiting: %v", err)
	}
}

func TestSubmit_InvalidInputAndUnknownUser(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)

	cases := []struct {
		name   string
		userID int64
		body   []byte
		want   error
	}{
		{name: "not json", userID: userID, body: []byte(`{"days":`), want: ErrInvalidInput},
		{name: "future date", userID: userID, body: []byte(`{"days":[{"date":"2026-02-01","input_tokens":1}]}`), want: ErrInvalidInput},
		{name: "negative tokens", userID: userID, body: []byte(`{"days":[{"date":"2026-01-10","input_tokens":-1}]}`), want: ErrInvalidInput},
		{name: "unknown user", userID: 9999, body: []byte(`{"days":[{"date":"2026-01-10","input_tokens":1}]}`), want: ErrUnauthorized},
		{name: "no principal", userID: 0, body: []byte(`{}`), want: ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.p.Submit(context.Background(), Request{
				Principal: auth.Principal{ActorType: auth.ActorTypeToken, UserID: tc.userID},
				Body:      tc.body,
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if res.State != StateRejected {
				t.Fatalf("state = %s, want rejected", res.State)
			}
		})
	}
	if got := h.ledgerSum(t, userID); got != 0 {
		t.Fatalf("ledger = %d, want 0", got)
	}
}

func TestSubmit_DownstreamFailuresDegrade(t *testing.T) {
	h := newHarness(t, func(*store.Store, *fakeClock) harnessOption {
		return func(d *Deps, _ *Options) {
			d.Aggregator = failingAggregator{}
			d.Ranker = failingRanker{}
		}
	})
	userID := h.user(t, "alice", nil)

	res, err := h.submit(t, userID, bodyIn{
		DeviceID: "aa11bb22",
		Days:     []dayIn{{Date: "2026-01-10", InputTokens: 1000, CostUSD: "0"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != "partial" {
		t.Fatalf("status = %q, want partial", res.Status)
	}
	want := []string{DegradedAggregate, DegradedRank}
	if fmt.Sprint(res.Degraded) != fmt.Sprint(want) {
		t.Fatalf("degraded = %v, want %v", res.Degraded, want)
	}
	if got := h.ledgerSum(t, userID); got != 1000 {
		t.Fatalf("ledger = %d, want 1000", got)
	}
	u, err := h.st.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if u.TotalTokens != 0 {
		t.Fatalf("stale totals must not be persisted, got %d", u.TotalTokens)
	}
}

func TestSubmit_AggregateConsistencyRandomized(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)
	rng := rand.New(rand.NewSource(42))
	devices := []string{"", "aa11bb22", "cc33dd44", "ee55ff66"}
	dates := []string{"2026-01-04", "2026-01-05", "2026-01-06", "2026-01-07", "2026-01-08", "2026-01-09", "2026-01-10"}

	for i := 0; i < 30; i++ {
		n := 1 + rng.Intn(len(dates))
		picked := rng.Perm(len(dates))[:n]
		var days []dayIn
		for _, idx := range picked {
			days = append(days, dayIn{Date: dates[idx], InputTokens: int64(rng.Intn(5000)), CostUSD: "0.01", Sessions: 1})
		}
		res, err := h.submit(t, userID, bodyIn{DeviceID: devices[rng.Intn(len(devices))], Days: days})
		if err != nil {
			t.Fatalf("submit #%d: %v", i+1, err)
		}
		ledger := h.ledgerSum(t, userID)
		if res.Totals.TotalTokens != ledger {
			t.Fatalf("submit #%d: total %d != ledger %d", i+1, res.Totals.TotalTokens, ledger)
		}
		u, err := h.st.GetUserByID(context.Background(), userID)
		if err != nil {
			t.Fatalf("GetUserByID: %v", err)
		}
		if u.TotalTokens != ledger {
			t.Fatalf("submit #%d: stored total %d != ledger %d", i+1, u.TotalTokens, ledger)
		}
	}
}

func TestSubmit_RanksAndCountry(t *testing.T) {
	h := newHarness(t)
	us := "US"
	alice := h.user(t, "alice", &us)
	bob := h.user(t, "bob", nil)

	if _, err := h.submit(t, alice, bodyIn{DeviceID: "aa11bb22", Days: []dayIn{{Date: "2026-01-10", InputTokens: 500, CostUSD: "0"}}}); err != nil {
		t.Fatalf("alice: %v", err)
	}
	res, err := h.submit(t, bob, bodyIn{
		DeviceID:    "cc33dd44",
		CountryCode: "us",
		Days:        []dayIn{{Date: "2026-01-10", InputTokens: 900, CostUSD: "0"}},
	})
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if res.Rank.Global == nil || *res.Rank.Global != 1 || res.Rank.Country == nil || *res.Rank.Country != 1 {
		t.Fatalf("bob ranks = %+v", res.Rank)
	}
	a, err := h.st.GetUserByID(context.Background(), alice)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if a.GlobalRank == nil || *a.GlobalRank != 2 || a.CountryRank == nil || *a.CountryRank != 2 {
		t.Fatalf("alice ranks = %v/%v, want 2/2", a.GlobalRank, a.CountryRank)
	}
}

func TestSubmit_CountryChangeReranksOldCountry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	us := "US"
	ids := map[string]int64{}
	for i, u := range []struct {
		name   string
		device string
		tokens int64
	}{
		{"a", "aa000001", 300},
		{"b", "bb000002", 200},
		{"c", "cc000003", 100},
	} {
		ids[u.name] = h.user(t, u.name, &us)
		if _, err := h.submit(t, ids[u.name], bodyIn{DeviceID: u.device, Days: []dayIn{{Date: "2026-01-10", InputTokens: u.tokens, CostUSD: "0"}}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	res, err := h.submit(t, ids["b"], bodyIn{
		DeviceID:    "bb000002",
		CountryCode: "DE",
		Days:        []dayIn{{Date: "2026-01-10", InputTokens: 200, CostUSD: "0"}},
	})
	if err != nil {
		t.Fatalf("b moves to DE: %v", err)
	}
	if res.Rank.Country == nil || *res.Rank.Country != 1 {
		t.Fatalf("b country rank = %v, want 1", res.Rank.Country)
	}

	want := map[string]int64{"a": 1, "b": 1, "c": 2}
	for name, id := range ids {
		u, err := h.st.GetUserByID(ctx, id)
		if err != nil {
			t.Fatalf("GetUserByID(%s): %v", name, err)
		}
		if u.CountryRank == nil || *u.CountryRank != want[name] {
			t.Fatalf("%s country rank = %v, want %d", name, u.CountryRank, want[name])
		}
	}
}

func TestSubmit_AchievementsAndAlertsAfterAck(t *testing.T) {
	h := newHarness(t)
	userID := h.user(t, "alice", nil)
	reported := int64(50_000)
	hashes := fps("abcdef01")
	hashes["combined"] = "00000000"

	res, err := h.submit(t, userID, bodyIn{
		TotalTokens:  &reported,
		DeviceID:     "aa11bb22",
		PlanTier:     "ultra",
		Fingerprints: hashes,
		Days:         []dayIn{{Date: "2026-01-10", InputTokens: 1_200_000, CostUSD: "3"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.p.Wait()

	badges := map[string]bool{}
	for _, b := range res.NewBadges {
		badges[b] = true
	}
	for _, want := range []string{achievement.BadgeFirstSubmission, achievement.BadgeTokens1M, achievement.BadgeBigDay, achievement.BadgeNumberOne} {
		if !badges[want] {
			t.Fatalf("new badges = %v, missing %s", res.NewBadges, want)
		}
	}

	wantAlerts := []string{notify.AlertFingerprintMismatch, notify.AlertTelemetryDivergence, notify.AlertUnknownPlanTier}
	if got := h.alerts.kinds(); fmt.Sprint(got) != fmt.Sprint(wantAlerts) {
		t.Fatalf("alerts = %v, want %v", got, wantAlerts)
	}
	h.dispatcher.mu.Lock()
	n := len(h.dispatcher.events)
	h.dispatcher.mu.Unlock()
	if n != 1 {
		t.Fatalf("dispatched events = %d, want 1", n)
	}

	// 同样的徽章不会再次获得。
	again, err := h.submit(t, userID, bodyIn{
		DeviceID: "aa11bb22",
		PlanTier: "max",
		Days:     []dayIn{{Date: "2026-01-10", InputTokens: 1_200_000, CostUSD: "3"}},
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if len(again.NewBadges) != 0 {
		t.Fatalf("second new badges = %v, want none", again.NewBadges)
	}
}
