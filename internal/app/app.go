package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"post_bot/internal/ai/xai"
	"post_bot/internal/config"
	"post_bot/internal/logger"
	"post_bot/internal/mongo"
	"post_bot/internal/poster/dispatch"
	"post_bot/internal/poster/platform"
	"post_bot/internal/poster/pipeline"
	"post_bot/internal/poster/repository"
	"post_bot/internal/poster/review"
	"post_bot/internal/poster/safety"
	"post_bot/internal/telegram"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App 应用服务容器
// 负责管理所有服务的生命周期（初始化、运行、关闭）
type App struct {
	Config       *config.Config
	MongoDB      *mongo.Client // 未配置 MONGO_URI 时为 nil
	Drafts       repository.DraftStore
	Reviews      repository.ReviewRepository
	Orchestrator *pipeline.Orchestrator
	Scheduler    *pipeline.Scheduler // 未配置生成器时为 nil
	Telegram     *telegram.Client    // 未配置 Token 时为 nil

	tx      repository.Transactor
	limiter *dispatch.RateLimiter
	quota   *dispatch.Quota
	pool    *pipeline.WorkerPool
	metrics *http.Server
}

// New 初始化应用及其所有服务
// 按顺序初始化各个服务，任何服务初始化失败都会清理已初始化的服务并返回错误
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if err := app.initStore(ctx); err != nil {
		app.Close(context.Background())
		return nil, err
	}

	rules, err := safety.LoadRules(cfg.SafetyRulesFile)
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("load safety rules failed: %w", err)
	}
	gate := safety.NewGate(rules)

	var publisher platform.Publisher
	var mentions platform.MentionSource
	if cfg.TelegramToken != "" {
		app.Telegram, err = telegram.New(telegram.Config{
			Token:     cfg.TelegramToken,
			ChannelID: cfg.TelegramChannelID,
			BotHandle: cfg.BotHandle,
		})
		if err != nil {
			app.Close(context.Background())
			return nil, fmt.Errorf("init Telegram client failed: %w", err)
		}
		publisher = app.Telegram.Publisher
		mentions = app.Telegram.Mentions
	} else {
		logger.L().Warn("TELEGRAM_TOKEN not set, external submit disabled")
	}

	var generator platform.Generator
	if cfg.XAI.APIKey != "" {
		client, err := xai.NewClient(cfg.XAI)
		if err != nil {
			app.Close(context.Background())
			return nil, fmt.Errorf("init xAI client failed: %w", err)
		}
		generator = client
	} else {
		logger.L().Warn("XAI_API_KEY not set, scheduled generation disabled")
	}

	app.limiter = dispatch.NewRateLimiter(cfg.Dispatch.RatePerSecond)
	app.quota = dispatch.NewQuota(dispatch.QuotaConfig{
		PostsPerDay:    int64(cfg.Quota.PostsPerDay),
		RepliesPerDay:  int64(cfg.Quota.RepliesPerDay),
		RepliesPerHour: int64(cfg.Quota.RepliesPerHour),
	})
	dispatcher := dispatch.NewDispatcher(publisher,
		dispatch.WithThrottle(app.limiter),
		dispatch.WithQuota(app.quota),
		dispatch.WithDryRun(cfg.DryRun),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{
			MaxRetries: cfg.Dispatch.MaxRetries,
			BaseDelay:  cfg.Dispatch.BaseDelay,
			MaxDelay:   cfg.Dispatch.MaxDelay,
			MaxElapsed: cfg.Dispatch.MaxElapsed,
			Jitter:     cfg.Dispatch.Jitter,
		}),
	)

	app.Orchestrator = pipeline.NewOrchestrator(app.Drafts, review.NewQueue(app.Reviews), gate, dispatcher, generator,
		pipeline.WithTransactor(app.tx))
	if app.Telegram != nil {
		app.Telegram.RegisterReviewCommands(app.Orchestrator, cfg.BotOwnerIDs)
	}

	if generator != nil {
		app.pool = pipeline.NewWorkerPool(cfg.WorkerCount, cfg.WorkerCount*16)
		app.Scheduler = pipeline.NewScheduler(app.Orchestrator, mentions, app.pool, pipeline.SchedulerConfig{
			PostInterval:    cfg.Scheduler.PostInterval,
			MentionInterval: cfg.Scheduler.MentionInterval,
			PostContext:     cfg.Scheduler.PostContext,
			Keywords:        cfg.ProjectKeywords,
			BotHandle:       cfg.BotHandle,
		})
	}

	logger.L().Infof("App initialized: dry_run=%v checks=%v", cfg.DryRun, gate.CheckNames())
	return app, nil
}

// initStore 初始化草稿与审核存储；未配置 MongoDB 时使用进程内存储
func (a *App) initStore(ctx context.Context) error {
	if a.Config.MongoURI == "" {
		logger.L().Warn("MONGO_URI not set, using in-memory store (drafts are lost on exit)")
		a.Drafts = repository.NewMemoryDraftStore()
		a.Reviews = repository.NewMemoryReviewRepository()
		return nil
	}

	mongoClient, err := mongo.InitFromConfig(a.Config)
	if err != nil {
		return fmt.Errorf("init MongoDB failed: %w", err)
	}
	a.MongoDB = mongoClient
	logger.L().Info("MongoDB initialized successfully")

	db := mongoClient.Database()
	a.Drafts = repository.NewMongoDraftStore(db)
	a.Reviews = repository.NewMongoReviewRepository(db)
	a.tx = repository.NewMongoTransactor(db)

	if err := a.Drafts.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure draft indexes failed: %w", err)
	}
	if err := a.Reviews.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure review indexes failed: %w", err)
	}
	return nil
}

// Recover 修复上次退出时未完成的草稿，需在调度器与 Telegram 启动前调用
func (a *App) Recover(ctx context.Context) error {
	report, err := a.Orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover drafts failed: %w", err)
	}
	logger.L().Infof("Draft recovery done: rechecked=%d reconciled=%d requeued=%d",
		report.Rechecked, report.Reconciled, report.Requeued)
	return nil
}

// StartMetrics 在 METRICS_ADDR 上暴露 Prometheus 指标，未配置时不启动
func (a *App) StartMetrics() {
	if a.Config.MetricsAddr == "" || a.metrics != nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{
		Addr:              a.Config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.L().Infof("Metrics server listening on %s", a.Config.MetricsAddr)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Errorf("Metrics server failed: %v", err)
		}
	}()
}

// Close 优雅关闭所有服务
// 应该在应用退出时调用，确保资源正确释放
func (a *App) Close(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.quota != nil {
		a.quota.Close()
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			logger.L().Warnf("Metrics server shutdown: %v", err)
		}
	}
	if a.MongoDB != nil {
		if err := a.MongoDB.Close(ctx); err != nil {
			return fmt.Errorf("close MongoDB failed: %w", err)
		}
	}
	return nil
}
