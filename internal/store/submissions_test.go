package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokenboard/internal/store"
)

func TestReserveSubmissionSlot_SlidingWindow(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, st, "alice", "")

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	reserve := func(id string, now time.Time) store.SlotResult {
		t.Helper()
		res, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{
			UserID: userID, SubmissionID: id, Now: now, Window: time.Hour, Max: 2,
		})
		if err != nil {
			t.Fatalf("ReserveSubmissionSlot(%s): %v", id, err)
		}
		return res
	}

	if r := reserve("a", base); !r.Allowed || r.Used != 1 {
		t.Fatalf("first = %+v", r)
	}
	if r := reserve("b", base.Add(10*time.Minute)); !r.Allowed || r.Used != 2 {
		t.Fatalf("second = %+v", r)
	}
	r := reserve("c", base.Add(20*time.Minute))
	if r.Allowed {
		t.Fatalf("third should be rejected: %+v", r)
	}
	if r.RetryAfter != 40*time.Minute {
		t.Fatalf("retry after = %s, want 40m", r.RetryAfter)
	}

	// 等够 retry-after 后可以再次提交。
	if r := reserve("d", base.Add(20*time.Minute).Add(r.RetryAfter)); !r.Allowed {
		t.Fatalf("after waiting = %+v", r)
	}
}

func TestReserveSubmissionSlot_RetryAfterRoundsUp(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, st, "alice", "")

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	if _, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{UserID: userID, SubmissionID: "a", Now: base, Window: time.Minute, Max: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{UserID: userID, SubmissionID: "b", Now: base.Add(59*time.Second + 900*time.Millisecond), Window: time.Minute, Max: 1})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Allowed || res.RetryAfter != time.Second {
		t.Fatalf("got %+v, want rejected with 1s", res)
	}
}

func TestReleaseSubmissionSlot_OnlyReserved(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, st, "alice", "")
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b"} {
		if _, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{UserID: userID, SubmissionID: id, Now: now, Window: time.Hour, Max: 2}); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}
	if err := st.MarkSubmissionWritten(ctx, "a"); err != nil {
		t.Fatalf("MarkSubmissionWritten: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := st.ReleaseSubmissionSlot(ctx, id); err != nil {
			t.Fatalf("release %s: %v", id, err)
		}
	}
	// a 已写入不可归还，b 已归还：窗口内只剩 1 条。
	res, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{UserID: userID, SubmissionID: "c", Now: now, Window: time.Hour, Max: 2})
	if err != nil {
		t.Fatalf("reserve c: %v", err)
	}
	if !res.Allowed || res.Used != 2 {
		t.Fatalf("reserve c = %+v", res)
	}
}

func TestReserveSubmissionSlot_UnknownUser(t *testing.T) {
	st, _ := openTestStore(t)
	_, err := st.ReserveSubmissionSlot(context.Background(), store.SlotInput{UserID: 42, SubmissionID: "x", Window: time.Hour, Max: 1})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPreviousSubmission_Snapshot(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, st, "alice", "")
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	first, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{UserID: userID, SubmissionID: "a", DeviceID: "aaaa", Now: now, Window: time.Hour, Max: 10, DayCount: 3})
	if err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	rank := int64(4)
	if err := st.RecordSubmissionOutcome(ctx, "a", store.SubmissionOutcome{
		TotalTokens: 1000, TotalCost: decimal.RequireFromString("1.5"), GlobalRank: &rank, Level: 2,
	}); err != nil {
		t.Fatalf("RecordSubmissionOutcome: %v", err)
	}
	second, err := st.ReserveSubmissionSlot(ctx, store.SlotInput{UserID: userID, SubmissionID: "b", Now: now.Add(time.Minute), Window: time.Hour, Max: 10})
	if err != nil {
		t.Fatalf("reserve b: %v", err)
	}

	if _, err := st.GetPreviousSubmission(ctx, userID, first.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no previous for first, got %v", err)
	}
	prev, err := st.GetPreviousSubmission(ctx, userID, second.ID)
	if err != nil {
		t.Fatalf("GetPreviousSubmission: %v", err)
	}
	if prev.SubmissionID != "a" || prev.DayCount != 3 || prev.DeviceID != "aaaa" {
		t.Fatalf("prev = %+v", prev)
	}
	if prev.TotalTokens == nil || *prev.TotalTokens != 1000 {
		t.Fatalf("prev tokens = %v", prev.TotalTokens)
	}
	if prev.GlobalRank == nil || *prev.GlobalRank != 4 || prev.CountryRank != nil {
		t.Fatalf("prev ranks = %v/%v", prev.GlobalRank, prev.CountryRank)
	}
	if prev.Level == nil || *prev.Level != 2 {
		t.Fatalf("prev level = %v", prev.Level)
	}
	if !prev.AcceptedAt.Equal(now) {
		t.Fatalf("accepted_at = %s, want %s", prev.AcceptedAt, now)
	}
}
