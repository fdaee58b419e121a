package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"post_bot/internal/app"
	"post_bot/internal/config"
	"post_bot/internal/logger"
)

func main() {
	// 初始化logger
	logger.Init()

	if loaded := config.LoadEnvFiles(); len(loaded) > 0 {
		logger.L().Debugf("Loaded env files: %v", loaded)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatalf("配置加载失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		logger.L().Fatalf("应用初始化失败: %v", err)
	}

	if err := application.Recover(ctx); err != nil {
		logger.L().Errorf("%v", err)
	}

	application.StartMetrics()

	if application.Telegram != nil {
		go application.Telegram.Start(ctx)
	}
	if application.Scheduler != nil {
		application.Scheduler.Start()
	} else {
		logger.L().Warn("Scheduler disabled: no generator configured")
	}

	logger.L().Info("post_bot running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.L().Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Close(shutdownCtx); err != nil {
		logger.L().Errorf("Shutdown error: %v", err)
	}
}
