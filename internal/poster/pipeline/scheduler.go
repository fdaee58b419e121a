package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"post_bot/internal/logger"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/platform"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	repliedCacheSize = 4096
	repliedCacheTTL  = 48 * time.Hour
	jobTimeout       = 5 * time.Minute

	// 每次拉取向前多看一段时间，重复的提及由 replied 缓存过滤
	mentionLookback = 2 * time.Minute
)

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	PostInterval    time.Duration // <= 0 时不发原创
	MentionInterval time.Duration // <= 0 时不处理提及
	PostContext     string        // 原创内容的生成提示
	Keywords        []string      // 仅回复包含任一关键词的提及，空表示全部
	BotHandle       string        // 忽略自己发出的消息
}

// Scheduler 周期性生成原创内容与回复提及
type Scheduler struct {
	orch     *Orchestrator
	mentions platform.MentionSource
	pool     *WorkerPool
	cfg      SchedulerConfig
	replied  *expirable.LRU[string, struct{}]
	nowFunc  func() time.Time

	mu       sync.Mutex
	lastPoll time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler 创建调度器，mentions 可为 nil
func NewScheduler(orch *Orchestrator, mentions platform.MentionSource, pool *WorkerPool, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		orch:     orch,
		mentions: mentions,
		pool:     pool,
		cfg:      cfg,
		replied:  expirable.NewLRU[string, struct{}](repliedCacheSize, nil, repliedCacheTTL),
		nowFunc:  time.Now,
	}
}

// Start 启动调度
func (s *Scheduler) Start() {
	if s == nil || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastPoll = s.nowFunc()

	go s.run(ctx)
	logger.L().Infof("Scheduler started: post_interval=%s mention_interval=%s", s.cfg.PostInterval, s.cfg.MentionInterval)
}

// Stop 停止调度并等待当前任务结束
func (s *Scheduler) Stop() {
	if s == nil || s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	logger.L().Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.PostInterval > 0 {
		g.Go(func() error {
			s.loop(gctx, "post", s.cfg.PostInterval, s.RunPostJob)
			return nil
		})
	}
	if s.cfg.MentionInterval > 0 && s.mentions != nil {
		g.Go(func() error {
			s.loop(gctx, "mentions", s.cfg.MentionInterval, s.runMentionJob)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	for {
		timer := time.NewTimer(interval)
		logger.L().Debugf("Scheduler job %s waiting %s", name, interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			runCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			job(runCtx)
			cancel()
		}
	}
}

// RunPostJob 生成并提交一条原创内容
func (s *Scheduler) RunPostJob(ctx context.Context) {
	log := logger.L().WithField("run_id", uuid.NewString())
	log.Info("Post job started")

	draft, err := s.orch.GenerateAndSubmit(ctx, models.DraftKindOriginalPost, s.cfg.PostContext)
	if err != nil {
		log.Errorf("Post job failed: %v", err)
		return
	}
	if draft == nil {
		log.Info("Post job produced no draft")
		return
	}
	log.WithFields(logrus.Fields{"draft_id": draft.ID, "state": draft.State}).Info("Post job completed")
}

func (s *Scheduler) runMentionJob(ctx context.Context) {
	s.mu.Lock()
	since := s.lastPoll.Add(-mentionLookback)
	s.mu.Unlock()

	polledAt := s.nowFunc()
	if _, err := s.ProcessMentions(ctx, since); err != nil {
		return
	}

	s.mu.Lock()
	s.lastPoll = polledAt
	s.mu.Unlock()
}

// ProcessMentions 拉取 since 之后的提及，筛选后在工作池中逐条生成回复，
// 等待本批全部处理完成后返回提交的数量
func (s *Scheduler) ProcessMentions(ctx context.Context, since time.Time) (int, error) {
	runID := uuid.NewString()
	log := logger.L().WithField("run_id", runID)

	mentions, err := s.mentions.PollNewMentions(ctx, since)
	if err != nil {
		log.Errorf("Failed to poll mentions: %v", err)
		return 0, err
	}

	var wg sync.WaitGroup
	submitted := 0
	for _, m := range mentions {
		if !s.shouldReply(m) {
			continue
		}
		s.replied.Add(m.ContextID, struct{}{})

		mention := m
		wg.Add(1)
		ok := s.pool.Submit(ctx, Task{
			Name: "reply:" + mention.ContextID,
			Ctx:  ctx,
			Run: func(taskCtx context.Context) {
				defer wg.Done()
				draft, err := s.orch.Reply(taskCtx, mention)
				if err != nil {
					log.Errorf("Reply to %s failed: %v", mention.ContextID, err)
					return
				}
				if draft != nil {
					log.WithFields(logrus.Fields{"draft_id": draft.ID, "state": draft.State}).
						Infof("Reply to %s processed", mention.ContextID)
				}
			},
		})
		if !ok {
			wg.Done()
			s.replied.Remove(mention.ContextID)
			continue
		}
		submitted++
	}

	wg.Wait()
	log.Infof("Mention job processed %d of %d mentions", submitted, len(mentions))
	return submitted, nil
}

// shouldReply 过滤已回复、自己发出及不含项目关键词的提及
func (s *Scheduler) shouldReply(m platform.Mention) bool {
	if m.ContextID == "" || strings.TrimSpace(m.Text) == "" {
		return false
	}
	if s.replied.Contains(m.ContextID) {
		return false
	}
	if s.cfg.BotHandle != "" && strings.EqualFold(strings.TrimPrefix(m.Author, "@"), strings.TrimPrefix(s.cfg.BotHandle, "@")) {
		return false
	}
	if len(s.cfg.Keywords) == 0 {
		return true
	}
	text := strings.ToLower(m.Text)
	for _, kw := range s.cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
