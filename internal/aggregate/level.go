package aggregate

// levelThresholds[i] 是第 i+1 级所需的最少累计 token，必须严格递增。
var levelThresholds = []int64{
	0,
	100_000,
	500_000,
	1_000_000,
	5_000_000,
	10_000_000,
	50_000_000,
	100_000_000,
	500_000_000,
	1_000_000_000,
}

type Level struct {
	Current int `json:"current"`
	// Progress 是当前等级到下一级的进度，取值 [0, 1]；满级为 1。
	Progress      float64 `json:"progress"`
	NextThreshold *int64  `json:"next_threshold"`
}

func MaxLevel() int { return len(levelThresholds) }

func LevelFor(tokens int64) Level {
	if tokens < 0 {
		tokens = 0
	}
	lv := 1
	for i := len(levelThresholds) - 1; i >= 0; i-- {
		if tokens >= levelThresholds[i] {
			lv = i + 1
			break
		}
	}
	if lv >= len(levelThresholds) {
		return Level{Current: lv, Progress: 1}
	}
	lo := levelThresholds[lv-1]
	hi := levelThresholds[lv]
	next := hi
	return Level{
		Current:       lv,
		Progress:      float64(tokens-lo) / float64(hi-lo),
		NextThreshold: &next,
	}
}
