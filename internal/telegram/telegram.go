package telegram

import (
	"context"
	"fmt"

	"post_bot/internal/logger"

	"github.com/go-telegram/bot"
)

// Config Telegram Bot 配置
type Config struct {
	Token     string // Bot Token
	ChannelID string // 发布目标频道（chat id 或 @username）
	BotHandle string // Bot 用户名，用于识别提及
	Debug     bool   // 是否开启调试模式
}

// Client Telegram 客户端：发布器与提及来源共用一个 Bot 实例
type Client struct {
	bot       *bot.Bot
	Publisher *Publisher
	Mentions  *MentionBuffer
}

// New 创建 Telegram 客户端
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}

	mentions := NewMentionBuffer(cfg.BotHandle)

	opts := []bot.Option{
		bot.WithDefaultHandler(mentions.Handler),
	}
	if cfg.Debug {
		opts = append(opts, bot.WithDebug())
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	publisher, err := NewPublisher(b, cfg.ChannelID)
	if err != nil {
		return nil, err
	}

	logger.L().Info("Telegram client initialized successfully")
	return &Client{
		bot:       b,
		Publisher: publisher,
		Mentions:  mentions,
	}, nil
}

// RegisterReviewCommands 注册 Owner 专用的审核命令，owners 为空时不注册
func (c *Client) RegisterReviewCommands(service ReviewService, owners []int64) {
	if len(owners) == 0 {
		return
	}
	NewReviewCommands(c.bot, service, owners).Register(c.bot)
}

// Start 开始接收更新（阻塞式，应在 goroutine 中运行）
func (c *Client) Start(ctx context.Context) {
	logger.L().Info("Starting Telegram bot...")
	c.bot.Start(ctx)
	logger.L().Info("Telegram bot stopped")
}
