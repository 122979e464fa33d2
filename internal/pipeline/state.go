package pipeline

// State 是一次提交在管线中的位置。到达 LedgerWritten 之后不再可能被拒绝。
type State string

const (
	StateReceived         State = "received"
	StateValidated        State = "validated"
	StateOwnershipClaimed State = "ownership_claimed"
	StateLedgerWritten    State = "ledger_written"
	StateReconciled       State = "reconciled"
	StateAggregated       State = "aggregated"
	StateRanked           State = "ranked"
	StateAcknowledged     State = "acknowledged"
	StateRejected         State = "rejected"
)

// 降级阶段：账本已落盘，但派生数据可能落后一个提交周期。
const (
	DegradedReconcile    = "reconcile"
	DegradedAggregate    = "aggregate"
	DegradedRank         = "rank"
	DegradedCache        = "cache"
	DegradedAchievements = "achievements"
)

var rejectableFrom = map[State]bool{
	StateReceived:         true,
	StateValidated:        true,
	StateOwnershipClaimed: true,
}

// CanReject 报告在该状态下是否还允许拒绝提交。
func CanReject(s State) bool {
	return rejectableFrom[s]
}
