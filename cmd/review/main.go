package main

import (
	"context"
	"fmt"
	"os"

	"post_bot/internal/app"
	"post_bot/internal/cli"
	"post_bot/internal/config"
	"post_bot/internal/logger"

	"github.com/sirupsen/logrus"
)

func main() {
	logger.Init()
	config.LoadEnvFiles()
	if os.Getenv("LOG_LEVEL") == "" {
		// 命令输出与日志共用 stdout，默认只保留告警
		logger.L().SetLevel(logrus.WarnLevel)
	}

	cli.Execute(func(ctx context.Context) (cli.Service, func(context.Context) error, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		if cfg.MongoURI == "" {
			return nil, nil, fmt.Errorf("MONGO_URI is required for the review tool")
		}

		application, err := app.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return application.Orchestrator, application.Close, nil
	})
}
