package models

import (
	"fmt"
	"strings"
	"time"
)

// ReviewPriority 审核优先级
type ReviewPriority string

const (
	ReviewPriorityNormal ReviewPriority = "normal"
	ReviewPriorityHigh   ReviewPriority = "high"
)

// Rank 排序权重，数值越小越先出队
func (p ReviewPriority) Rank() int {
	if p == ReviewPriorityHigh {
		return 0
	}
	return 1
}

// ParseReviewPriority 解析优先级字符串
func ParseReviewPriority(s string) (ReviewPriority, error) {
	switch ReviewPriority(strings.ToLower(strings.TrimSpace(s))) {
	case ReviewPriorityNormal:
		return ReviewPriorityNormal, nil
	case ReviewPriorityHigh:
		return ReviewPriorityHigh, nil
	default:
		return "", fmt.Errorf("invalid review priority %q", s)
	}
}

// ReviewResolution 审核结论
type ReviewResolution string

const (
	ReviewResolutionPending  ReviewResolution = "pending"
	ReviewResolutionApproved ReviewResolution = "approved"
	ReviewResolutionRejected ReviewResolution = "rejected"
)

// IsDecision 是否为人工可给出的结论
func (r ReviewResolution) IsDecision() bool {
	return r == ReviewResolutionApproved || r == ReviewResolutionRejected
}

// 入队原因
const (
	ReviewReasonSafetyFailed = "safety_check_failed"
	ReviewReasonRateLimited  = "rate_limit_exceeded"

	// 进程在发布过程中退出，无法确认外部调用是否完成
	ReviewReasonDispatchInterrupted = "dispatch_interrupted"
)

// ReviewEntry 人工审核队列条目
type ReviewEntry struct {
	ID           int64            `bson:"_id" json:"id"`
	DraftID      int64            `bson:"draft_id" json:"draft_id"`
	Priority     ReviewPriority   `bson:"priority" json:"priority"`
	PriorityRank int              `bson:"priority_rank" json:"-"`
	Reason       string           `bson:"reason" json:"reason"`
	Resolution   ReviewResolution `bson:"resolution" json:"resolution"`
	EnqueuedAt   time.Time        `bson:"enqueued_at" json:"enqueued_at"`

	ResolvedBy string     `bson:"resolved_by,omitempty" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	Notes      string     `bson:"notes,omitempty" json:"notes,omitempty"`
}

// IsPending 是否待审核
func (e *ReviewEntry) IsPending() bool {
	return e.Resolution == ReviewResolutionPending
}
