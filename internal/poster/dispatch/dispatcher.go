// Package dispatch 限流发布：全局令牌桶、平台配额与指数退避重试
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"post_bot/internal/logger"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/platform"

	"github.com/sirupsen/logrus"
)

// ErrLimiterClosed 速率限制器已关闭
var ErrLimiterClosed = errors.New("rate limiter closed")

// Status 发布结果
type Status string

const (
	StatusPosted      Status = "posted"
	StatusRateLimited Status = "rate_limited"
	StatusFailed      Status = "failed"
)

// Outcome 单次发布的结果
type Outcome struct {
	Status     Status        `json:"status"`
	ExternalID string        `json:"external_id,omitempty"` // StatusPosted 时有效
	Err        error         `json:"-"`                     // StatusFailed 时为外部错误原文
	Reason     string        `json:"reason,omitempty"`      // 供审计记录的说明
	Attempts   int           `json:"attempts"`              // 实际调用外部接口的次数
	Waited     time.Duration `json:"waited_ns"`             // 退避等待总时长
	Simulated  bool          `json:"simulated"`             // dry-run
}

// Throttle 全局节流器
type Throttle interface {
	Wait(ctx context.Context) error
}

// Dispatcher 包装外部发布调用
type Dispatcher struct {
	publisher platform.Publisher
	throttle  Throttle
	quota     *Quota
	policy    RetryPolicy
	clock     Clock
	dryRun    bool
}

// Option Dispatcher 可选配置
type Option func(*Dispatcher)

// WithThrottle 设置全局节流器
func WithThrottle(t Throttle) Option {
	return func(d *Dispatcher) { d.throttle = t }
}

// WithQuota 设置平台配额
func WithQuota(q *Quota) Option {
	return func(d *Dispatcher) { d.quota = q }
}

// WithRetryPolicy 设置退避策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithClock 设置时钟
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithDryRun 开启 dry-run：不调用外部接口，返回模拟的成功结果
func WithDryRun(enabled bool) Option {
	return func(d *Dispatcher) { d.dryRun = enabled }
}

// NewDispatcher 创建发布器
func NewDispatcher(publisher platform.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		policy:    DefaultRetryPolicy(),
		clock:     RealClock{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SimulatedID dry-run 模式下的外部 ID
func SimulatedID(draftID int64) string {
	return fmt.Sprintf("dry-run-%d", draftID)
}

// Dispatch 发布草稿。限流信号在重试上限内退避重试，
// 用尽后返回 StatusRateLimited；其他错误立即返回 StatusFailed，不重试
func (d *Dispatcher) Dispatch(ctx context.Context, draft *models.Draft) Outcome {
	log := logger.L().WithFields(logrus.Fields{
		"draft_id": draft.ID,
		"kind":     draft.Kind,
	})

	if d.dryRun {
		log.Info("Dry run: skipping external submit")
		return Outcome{
			Status:     StatusPosted,
			ExternalID: SimulatedID(draft.ID),
			Reason:     "dry run",
			Simulated:  true,
		}
	}

	release, ok, reason := d.quota.Reserve(draft.Kind, d.clock.Now())
	if !ok {
		log.Warnf("Dispatch deferred: %s", reason)
		return Outcome{Status: StatusRateLimited, Reason: reason}
	}

	// 只有发布成功才计入配额
	out := d.submit(ctx, draft, log)
	if out.Status != StatusPosted {
		release(d.clock.Now())
	}
	return out
}

// submit 在重试策略内提交草稿
func (d *Dispatcher) submit(ctx context.Context, draft *models.Draft, log *logrus.Entry) Outcome {
	var (
		attempts int
		waited   time.Duration
	)
	for retry := 0; ; retry++ {
		if d.throttle != nil {
			if err := d.throttle.Wait(ctx); err != nil {
				return Outcome{
					Status:   StatusRateLimited,
					Reason:   fmt.Sprintf("dispatch interrupted: %v", err),
					Attempts: attempts,
					Waited:   waited,
				}
			}
		}

		attempts++
		externalID, err := d.publisher.Submit(ctx, draft.Text, draft.ReplyTarget())
		if err == nil {
			log.Infof("Draft posted as %s after %d attempt(s)", externalID, attempts)
			return Outcome{
				Status:     StatusPosted,
				ExternalID: externalID,
				Attempts:   attempts,
				Waited:     waited,
			}
		}

		rl, limited := platform.AsRateLimit(err)
		if !limited {
			log.Errorf("Dispatch failed: %v", err)
			return Outcome{
				Status:   StatusFailed,
				Err:      err,
				Reason:   err.Error(),
				Attempts: attempts,
				Waited:   waited,
			}
		}

		if retry >= d.policy.MaxRetries {
			reason := fmt.Sprintf("rate limited after %d attempts: %v", attempts, rl)
			log.Warn(reason)
			return Outcome{Status: StatusRateLimited, Reason: reason, Attempts: attempts, Waited: waited}
		}

		delay := d.policy.Delay(retry+1, rl.RetryAfter)
		if d.policy.MaxElapsed > 0 && waited+delay > d.policy.MaxElapsed {
			reason := fmt.Sprintf("rate limited: retry budget %s exhausted after %d attempts", d.policy.MaxElapsed, attempts)
			log.Warn(reason)
			return Outcome{Status: StatusRateLimited, Reason: reason, Attempts: attempts, Waited: waited}
		}

		log.Warnf("Rate limited (attempt %d), retrying in %s", attempts, delay)
		if err := d.clock.Sleep(ctx, delay); err != nil {
			return Outcome{
				Status:   StatusRateLimited,
				Reason:   fmt.Sprintf("dispatch interrupted: %v", err),
				Attempts: attempts,
				Waited:   waited,
			}
		}
		waited += delay
	}
}
