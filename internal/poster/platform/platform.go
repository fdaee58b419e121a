// Package platform 定义发布流水线依赖的外部协作方接口
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"post_bot/internal/poster/models"
)

// Generator 语言模型文本生成
type Generator interface {
	Generate(ctx context.Context, kind models.DraftKind, genContext string) (string, error)
}

// Publisher 社交平台发布客户端
// 触发限流时必须返回 *RateLimitError，其他失败返回普通错误
type Publisher interface {
	Submit(ctx context.Context, text string, replyTo string) (string, error)
}

// Mention 提及消息
type Mention struct {
	ContextID  string
	Author     string
	Text       string
	At         time.Time // 发送方时间戳
	ReceivedAt time.Time // 本地收到的时间，拉取游标按它比较
}

// MentionSource 只读的提及消息来源
// PollNewMentions 返回 since 之后到达的提及；实现可能重复返回，调用方需去重
type MentionSource interface {
	PollNewMentions(ctx context.Context, since time.Time) ([]Mention, error)
}

// GenerationError 文本生成失败，不产生草稿
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RateLimitError 平台限流信号
type RateLimitError struct {
	RetryAfter time.Duration // 0 表示平台未给出建议
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// AsRateLimit 判断 err 是否为限流信号
func AsRateLimit(err error) (*RateLimitError, bool) {
	if err == nil {
		return nil, false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
