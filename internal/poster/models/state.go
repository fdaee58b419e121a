package models

// DraftState 草稿状态
type DraftState string

const (
	DraftStatePendingCheck      DraftState = "pending_check"
	DraftStateApproved          DraftState = "approved"
	DraftStateRejectedQueued    DraftState = "rejected_queued"
	DraftStateRateLimitedQueued DraftState = "rate_limited_queued"
	DraftStatePosted            DraftState = "posted"
	DraftStatePermanentlyFailed DraftState = "permanently_failed"
)

// transitions 合法状态迁移表
//
//	pending_check       -> approved | rejected_queued                   (安全检查)
//	approved            -> posted | rate_limited_queued | permanently_failed (发布)
//	rejected_queued     -> approved | permanently_failed                (人工审核)
//	rate_limited_queued -> approved | permanently_failed                (人工审核)
var transitions = map[DraftState][]DraftState{
	DraftStatePendingCheck:      {DraftStateApproved, DraftStateRejectedQueued},
	DraftStateApproved:          {DraftStatePosted, DraftStateRateLimitedQueued, DraftStatePermanentlyFailed},
	DraftStateRejectedQueued:    {DraftStateApproved, DraftStatePermanentlyFailed},
	DraftStateRateLimitedQueued: {DraftStateApproved, DraftStatePermanentlyFailed},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to DraftState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors 返回可以迁移到 to 的所有状态
func Predecessors(to DraftState) []DraftState {
	var from []DraftState
	for _, state := range AllStates() {
		if CanTransition(state, to) {
			from = append(from, state)
		}
	}
	return from
}

// IsTerminal 是否为终态
func (s DraftState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsValid 校验状态值
func (s DraftState) IsValid() bool {
	for _, state := range AllStates() {
		if s == state {
			return true
		}
	}
	return false
}

// AllStates 按生命周期顺序返回所有状态
func AllStates() []DraftState {
	return []DraftState{
		DraftStatePendingCheck,
		DraftStateApproved,
		DraftStateRejectedQueued,
		DraftStateRateLimitedQueued,
		DraftStatePosted,
		DraftStatePermanentlyFailed,
	}
}
