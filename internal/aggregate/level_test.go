package aggregate

import "testing"

func TestLevelFor(t *testing.T) {
	cases := []struct {
		tokens   int64
		want     int
		next     int64
		progress float64
	}{
		{tokens: -5, want: 1, next: 100_000, progress: 0},
		{tokens: 0, want: 1, next: 100_000, progress: 0},
		{tokens: 50_000, want: 1, next: 100_000, progress: 0.5},
		{tokens: 100_000, want: 2, next: 500_000, progress: 0},
		{tokens: 999_999_999, want: 9, next: 1_000_000_000},
	}
	for _, tc := range cases {
		got := LevelFor(tc.tokens)
		if got.Current != tc.want {
			t.Fatalf("LevelFor(%d).Current = %d, want %d", tc.tokens, got.Current, tc.want)
		}
		if got.NextThreshold == nil || *got.NextThreshold != tc.next {
			t.Fatalf("LevelFor(%d).NextThreshold = %v, want %d", tc.tokens, got.NextThreshold, tc.next)
		}
		if tc.progress != 0 && got.Progress != tc.progress {
			t.Fatalf("LevelFor(%d).Progress = %v, want %v", tc.tokens, got.Progress, tc.progress)
		}
	}

	top := LevelFor(2_000_000_000)
	if top.Current != MaxLevel() || top.NextThreshold != nil || top.Progress != 1 {
		t.Fatalf("max level = %+v", top)
	}
}

func TestLevelFor_Monotonic(t *testing.T) {
	prev := 0
	for tokens := int64(0); tokens <= 2_000_000_000; tokens += 7_777_777 {
		lv := LevelFor(tokens).Current
		if lv < prev {
			t.Fatalf("level decreased at %d: %d < %d", tokens, lv, prev)
		}
		prev = lv
	}
	for i := 1; i < len(levelThresholds); i++ {
		if levelThresholds[i] <= levelThresholds[i-1] {
			t.Fatalf("thresholds must be strictly increasing at %d", i)
		}
	}
}
