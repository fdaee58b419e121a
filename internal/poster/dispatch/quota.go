package dispatch

import (
	"fmt"
	"sync"
	"time"

	"post_bot/internal/poster/models"

	"github.com/RussellLuo/slidingwindow"
)

// QuotaConfig 平台配额，0 表示不限制
type QuotaConfig struct {
	PostsPerDay    int64
	RepliesPerDay  int64
	RepliesPerHour int64
}

// DefaultQuotaConfig 默认配额
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		PostsPerDay:    3,
		RepliesPerDay:  20,
		RepliesPerHour: 10,
	}
}

type quotaWindow struct {
	name    string
	limiter *slidingwindow.Limiter
	stop    slidingwindow.StopFunc
}

// Quota 滑动窗口配额：原创每日、回复每日、回复每小时
type Quota struct {
	mu      sync.Mutex
	posts   []quotaWindow
	replies []quotaWindow
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

func newQuotaWindow(name string, size time.Duration, limit int64) quotaWindow {
	lim, stop := slidingwindow.NewLimiter(size, limit, windowFunc)
	return quotaWindow{name: name, limiter: lim, stop: stop}
}

// NewQuota 创建配额
func NewQuota(cfg QuotaConfig) *Quota {
	q := &Quota{}
	if cfg.PostsPerDay > 0 {
		q.posts = append(q.posts, newQuotaWindow("posts per day", 24*time.Hour, cfg.PostsPerDay))
	}
	// 小时窗口在前，避免日配额被无效消耗
	if cfg.RepliesPerHour > 0 {
		q.replies = append(q.replies, newQuotaWindow("replies per hour", time.Hour, cfg.RepliesPerHour))
	}
	if cfg.RepliesPerDay > 0 {
		q.replies = append(q.replies, newQuotaWindow("replies per day", 24*time.Hour, cfg.RepliesPerDay))
	}
	return q
}

// Reserve 按草稿类型预占一次配额；配额用尽时返回 false 和原因，且不占用任何窗口
// 预占后发布未成功时调用 release 退还，release 可重复调用
func (q *Quota) Reserve(kind models.DraftKind, now time.Time) (release func(at time.Time), ok bool, reason string) {
	noop := func(time.Time) {}
	if q == nil {
		return noop, true, ""
	}

	windows := q.posts
	if kind == models.DraftKindReply {
		windows = q.replies
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	taken := make([]quotaWindow, 0, len(windows))
	for _, w := range windows {
		if !w.limiter.AllowN(now, 1) {
			refund(taken, now)
			return noop, false, fmt.Sprintf("quota exhausted: %s (limit %d)", w.name, w.limiter.Limit())
		}
		taken = append(taken, w)
	}

	var once sync.Once
	return func(at time.Time) {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			refund(taken, at)
		})
	}, true, ""
}

// refund 退还一次计数；slidingwindow 没有退还接口，AllowN 传入负数即扣减当前窗口
func refund(windows []quotaWindow, at time.Time) {
	for _, w := range windows {
		w.limiter.AllowN(at, -1)
	}
}

// Close 释放窗口资源
func (q *Quota) Close() {
	if q == nil {
		return
	}
	for _, windows := range [][]quotaWindow{q.posts, q.replies} {
		for _, w := range windows {
			if w.stop != nil {
				w.stop()
			}
		}
	}
}
