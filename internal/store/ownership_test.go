package store_test

import (
	"context"
	"testing"

	"tokenboard/internal/store"
)

func TestClaimFingerprints_ExclusiveAcrossUsers(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, st, "alice", "")
	bob := mustCreateUser(t, st, "bob", "")

	res, err := st.ClaimFingerprints(ctx, alice, "aaaa", []string{"fp000001", "fp000002"})
	if err != nil {
		t.Fatalf("ClaimFingerprints(alice): %v", err)
	}
	if !res.Committed || res.Accepted != 2 {
		t.Fatalf("alice claim = %+v", res)
	}

	// bob 与 alice 有一个指纹重叠：整次认领回滚，fp000003 也不能落库。
	res, err = st.ClaimFingerprints(ctx, bob, "bbbb", []string{"fp000002", "fp000003"})
	if err != nil {
		t.Fatalf("ClaimFingerprints(bob): %v", err)
	}
	if res.Committed {
		t.Fatalf("expected rollback on conflict")
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0] != "fp000002" {
		t.Fatalf("conflicts = %v", res.Conflicts)
	}

	owners, err := st.LookupOwnership(ctx, []string{"fp000001", "fp000002", "fp000003"})
	if err != nil {
		t.Fatalf("LookupOwnership: %v", err)
	}
	if _, ok := owners["fp000003"]; ok {
		t.Fatalf("fp000003 must not be claimed after rollback")
	}
	if owners["fp000002"].UserID != alice {
		t.Fatalf("fp000002 owner = %d, want %d", owners["fp000002"].UserID, alice)
	}
}

func TestClaimFingerprints_SameUserOtherDeviceAndRepoint(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, st, "alice", "")

	if _, err := st.ClaimFingerprints(ctx, alice, "0ld0", []string{"fp000001"}); err != nil {
		t.Fatalf("ClaimFingerprints(old): %v", err)
	}
	res, err := st.ClaimFingerprints(ctx, alice, "beef", []string{"fp000001", "fp000002"})
	if err != nil {
		t.Fatalf("ClaimFingerprints(new): %v", err)
	}
	if !res.Committed || res.Accepted != 1 {
		t.Fatalf("claim = %+v", res)
	}
	if res.SameUserOtherDevice["fp000001"] != "0ld0" {
		t.Fatalf("same-user map = %v", res.SameUserOtherDevice)
	}

	receipt, err := st.UpsertUsage(ctx, store.UpsertUsageInput{
		UserID: alice, DeviceID: "beef", SubmissionID: "s",
		Days: []store.DayUsage{day("2026-01-10", 1, 1, "0")},
	})
	if err != nil {
		t.Fatalf("UpsertUsage: %v", err)
	}
	moved, err := st.RepointOwnership(ctx, receipt, []string{"fp000001"})
	if err != nil {
		t.Fatalf("RepointOwnership: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	// 幂等：第二次没有可迁移的记录。
	moved, err = st.RepointOwnership(ctx, receipt, []string{"fp000001"})
	if err != nil || moved != 0 {
		t.Fatalf("second repoint: moved=%d err=%v", moved, err)
	}
	owners, err := st.LookupOwnership(ctx, []string{"fp000001"})
	if err != nil {
		t.Fatalf("LookupOwnership: %v", err)
	}
	if owners["fp000001"].DeviceID != "beef" {
		t.Fatalf("device = %q, want beef", owners["fp000001"].DeviceID)
	}
}

func TestClaimFingerprints_Idempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, st, "alice", "")

	for i := 0; i < 2; i++ {
		res, err := st.ClaimFingerprints(ctx, alice, "aaaa", []string{"fp000001"})
		if err != nil {
			t.Fatalf("ClaimFingerprints(%d): %v", i, err)
		}
		if !res.Committed || res.Accepted != 1 || len(res.Conflicts) != 0 {
			t.Fatalf("claim %d = %+v", i, res)
		}
	}
}
