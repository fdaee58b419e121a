package dispatch

import (
	"context"
	"sync"
	"time"
)

// RateLimiter Token Bucket 速率限制器
// 所有草稿共享同一个实例，限制对外发布接口的全局调用频率
type RateLimiter struct {
	tokens    chan struct{} // 令牌桶
	stopCh    chan struct{} // 停止信号
	interval  time.Duration // 令牌补充间隔
	closeOnce sync.Once
}

// NewRateLimiter 创建速率限制器
// ratePerSecond: 每秒允许的请求数，<= 0 时按 1 处理
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}

	limiter := &RateLimiter{
		tokens:   make(chan struct{}, ratePerSecond),
		stopCh:   make(chan struct{}),
		interval: time.Second / time.Duration(ratePerSecond),
	}

	// 初始填充令牌桶
	for i := 0; i < ratePerSecond; i++ {
		limiter.tokens <- struct{}{}
	}

	go limiter.refill()

	return limiter
}

// Wait 等待获取令牌（阻塞直到有可用令牌、上下文取消或限制器关闭）
func (r *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return ErrLimiterClosed
	case <-r.tokens:
		return nil
	}
}

// refill 定时补充令牌
func (r *RateLimiter) refill() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			select {
			case r.tokens <- struct{}{}:
			default:
				// 令牌桶已满
			}
		}
	}
}

// Close 关闭速率限制器，可重复调用
func (r *RateLimiter) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
}
