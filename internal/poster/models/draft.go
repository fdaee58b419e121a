package models

import (
	"time"
)

// DraftKind 草稿类型
type DraftKind string

const (
	DraftKindOriginalPost DraftKind = "original_post"
	DraftKindReply        DraftKind = "reply"
)

// IsValid 校验草稿类型
func (k DraftKind) IsValid() bool {
	return k == DraftKindOriginalPost || k == DraftKindReply
}

// Draft 生成的候选文本及其生命周期状态
type Draft struct {
	ID            int64         `bson:"_id" json:"id"`
	Kind          DraftKind     `bson:"kind" json:"kind"`
	Text          string        `bson:"text" json:"text"`                                         // 原文，不截断
	Context       string        `bson:"context,omitempty" json:"context,omitempty"`               // 触发来源（回复时为被回复的消息 ID）
	State         DraftState    `bson:"state" json:"state"`                                       // 当前状态
	SafetyResults []CheckResult `bson:"safety_results" json:"safety_results"`                     // 只追加
	PostReference string        `bson:"post_reference,omitempty" json:"post_reference,omitempty"` // 仅 POSTED 时设置
	ErrorMessage  string        `bson:"error_message,omitempty" json:"error_message,omitempty"`   // 外部错误原文
	Simulated     bool          `bson:"simulated" json:"simulated"`                               // dry-run 标记

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
	PostedAt  *time.Time `bson:"posted_at,omitempty" json:"posted_at,omitempty"`
}

// ReplyTarget 返回回复目标，原创帖子返回空字符串
func (d *Draft) ReplyTarget() string {
	if d.Kind != DraftKindReply {
		return ""
	}
	return d.Context
}

// IsQueued 是否处于人工审核队列状态
func (d *Draft) IsQueued() bool {
	return d.State == DraftStateRejectedQueued || d.State == DraftStateRateLimitedQueued
}

// FailedChecks 返回未通过的检查名称
func (d *Draft) FailedChecks() []string {
	var failed []string
	for _, r := range d.SafetyResults {
		if !r.Passed {
			failed = append(failed, r.CheckName)
		}
	}
	return failed
}

// CheckResult 单项安全检查结果，仅归属于其父草稿
type CheckResult struct {
	CheckName string    `bson:"check_name" json:"check_name"`
	Passed    bool      `bson:"passed" json:"passed"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// DraftFilter 草稿列表查询条件
type DraftFilter struct {
	States []DraftState
	Limit  int64
	Offset int64
}

// PostRecord 成功发布记录（每个草稿至多一条）
type PostRecord struct {
	DraftID    int64     `bson:"draft_id" json:"draft_id"`
	ExternalID string    `bson:"external_id" json:"external_id"`
	Simulated  bool      `bson:"simulated" json:"simulated"`
	PostedAt   time.Time `bson:"posted_at" json:"posted_at"`
}

// DraftStats 审计统计
type DraftStats struct {
	TotalDrafts    int64                `json:"total_drafts"`
	ByState        map[DraftState]int64 `json:"by_state"`
	PendingReviews int64                `json:"pending_reviews"`
}
