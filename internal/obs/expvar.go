package obs

import (
	"expvar"
	"sync/atomic"
)

var (
	submissionsAccepted int64
	submissionsRejected = expvar.NewMap("submissions_rejected_total")
	submissionsDegraded = expvar.NewMap("submissions_degraded_total")
	rankRecomputes      int64
	rankRowsWritten     int64
)

func init() {
	expvar.Publish("submissions_accepted_total", expvar.Func(func() any {
		return atomic.LoadInt64(&submissionsAccepted)
	}))
	expvar.Publish("rank_recomputes_total", expvar.Func(func() any {
		return atomic.LoadInt64(&rankRecomputes)
	}))
	expvar.Publish("rank_rows_written_total", expvar.Func(func() any {
		return atomic.LoadInt64(&rankRowsWritten)
	}))
}

func RecordSubmissionAccepted() {
	atomic.AddInt64(&submissionsAccepted, 1)
}

// RecordSubmissionRejected 按拒绝原因（invalid_input / rate_limited / ...）计数。
func RecordSubmissionRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	submissionsRejected.Add(reason, 1)
}

func RecordSubmissionDegraded(stage string) {
	if stage == "" {
		return
	}
	submissionsDegraded.Add(stage, 1)
}

func RecordRankRecompute(rowsWritten int) {
	atomic.AddInt64(&rankRecomputes, 1)
	atomic.AddInt64(&rankRowsWritten, int64(rowsWritten))
}

func SubmissionsAccepted() int64 {
	return atomic.LoadInt64(&submissionsAccepted)
}
