package dispatch

import (
	"context"
	"math/rand"
	"time"
)

// 默认重试参数
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 5 * time.Minute
	DefaultMaxElapsed = 15 * time.Minute
)

// RetryPolicy 限流退避策略
type RetryPolicy struct {
	MaxRetries int           // 首次调用之后的最大重试次数
	BaseDelay  time.Duration // 第一次重试前的等待
	MaxDelay   time.Duration // 单次等待上限
	MaxElapsed time.Duration // 总等待时间上限，0 表示不限制
	Jitter     time.Duration // 随机抖动上限，0 表示不抖动
}

// DefaultRetryPolicy 默认策略：1s 起步翻倍，单次上限 5 分钟，最多重试 5 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxElapsed: DefaultMaxElapsed,
	}
}

// Backoff 第 retry 次重试（从 1 开始）的计算等待时间
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
	}
	return delay
}

// Delay 结合平台 retry-after 提示的实际等待时间，取两者较大值
func (p RetryPolicy) Delay(retry int, retryAfter time.Duration) time.Duration {
	delay := p.Backoff(retry)
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// Clock 时间来源，测试中替换为假时钟
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock 系统时钟
type RealClock struct{}

// Now 当前时间
func (RealClock) Now() time.Time { return time.Now() }

// Sleep 可取消的等待
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
