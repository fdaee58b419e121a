package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// xAI 默认值
const (
	DefaultXAIBaseURL = "https://api.x.ai/v1"
	DefaultXAIModel   = "grok-beta"
)

// envFiles 按顺序加载，后加载的覆盖先加载的
var envFiles = []string{".env", ".env.local"}

// Config 应用程序配置
type Config struct {
	TelegramToken     string   // Telegram Bot API Token
	TelegramChannelID string   // 发布目标频道（chat id 或 @username）
	BotHandle         string   // Bot 用户名，用于识别提及
	BotOwnerIDs       []int64  // 可在 Telegram 中处理审核队列的用户
	ProjectKeywords   []string // 回复提及所需的关键词
	MongoURI          string   // MongoDB连接URI，为空时使用内存存储（仅 dry-run）
	MongoDBName       string   // MongoDB数据库名称
	DryRun            bool     // 仅模拟发布，默认开启
	SafetyRulesFile   string   // 安全规则 YAML 文件，为空时使用内置规则
	MetricsAddr       string   // Prometheus 指标监听地址，为空时不启动
	WorkerCount       int      // 批量处理的并发数

	XAI       XAIConfig
	Dispatch  DispatchConfig
	Quota     QuotaConfig
	Scheduler SchedulerConfig
}

// XAIConfig xAI 文本生成配置
type XAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DispatchConfig 发布限速与重试配置
type DispatchConfig struct {
	RatePerSecond int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxElapsed    time.Duration
	Jitter        time.Duration
}

// QuotaConfig 平台配额
type QuotaConfig struct {
	PostsPerDay    int
	RepliesPerDay  int
	RepliesPerHour int
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	PostInterval    time.Duration
	MentionInterval time.Duration
	PostContext     string
}

// LoadEnvFiles 加载本地 .env 文件（存在时），返回实际加载的文件
func LoadEnvFiles() []string {
	loaded := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	mongoDBName := os.Getenv("MONGO_DB_NAME")
	if mongoDBName == "" {
		mongoDBName = "post_bot"
	}

	cfg := &Config{
		TelegramToken:     strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		TelegramChannelID: strings.TrimSpace(os.Getenv("TELEGRAM_CHANNEL_ID")),
		BotHandle:         strings.TrimPrefix(strings.TrimSpace(os.Getenv("BOT_HANDLE")), "@"),
		ProjectKeywords:   parseList(os.Getenv("PROJECT_KEYWORDS")),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDBName:       mongoDBName,
		DryRun:            true,
		SafetyRulesFile:   strings.TrimSpace(os.Getenv("SAFETY_RULES_FILE")),
		MetricsAddr:       strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		XAI: XAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("XAI_API_KEY")),
			BaseURL: strings.TrimSpace(os.Getenv("XAI_BASE_URL")),
			Model:   strings.TrimSpace(os.Getenv("XAI_MODEL")),
		},
		Scheduler: SchedulerConfig{
			PostContext: strings.TrimSpace(os.Getenv("POST_CONTEXT")),
		},
	}

	if dryRun := strings.TrimSpace(os.Getenv("DRY_RUN")); dryRun != "" {
		value, err := strconv.ParseBool(dryRun)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DRY_RUN: %w", err)
		}
		cfg.DryRun = value
	}

	// 解析BOT_OWNER_IDS
	if ownerIDsStr := os.Getenv("BOT_OWNER_IDS"); ownerIDsStr != "" {
		var err error
		cfg.BotOwnerIDs, err = parseOwnerIDs(ownerIDsStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse BOT_OWNER_IDS: %w", err)
		}
	}

	var err error
	if cfg.WorkerCount, err = intEnv("WORKER_COUNT", 4, 1); err != nil {
		return nil, err
	}

	seconds, err := intEnv("XAI_TIMEOUT_SECONDS", 15, 1)
	if err != nil {
		return nil, err
	}
	cfg.XAI.Timeout = time.Duration(seconds) * time.Second

	if cfg.Dispatch, err = loadDispatchConfig(); err != nil {
		return nil, err
	}
	if cfg.Quota, err = loadQuotaConfig(); err != nil {
		return nil, err
	}

	hours, err := intEnv("POST_INTERVAL_HOURS", 6, 0)
	if err != nil {
		return nil, err
	}
	cfg.Scheduler.PostInterval = time.Duration(hours) * time.Hour

	minutes, err := intEnv("MENTION_POLL_MINUTES", 5, 0)
	if err != nil {
		return nil, err
	}
	cfg.Scheduler.MentionInterval = time.Duration(minutes) * time.Minute

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置组合
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when DRY_RUN=false")
		}
		if c.TelegramToken == "" || c.TelegramChannelID == "" {
			return fmt.Errorf("TELEGRAM_TOKEN and TELEGRAM_CHANNEL_ID are required when DRY_RUN=false")
		}
	}
	if c.Dispatch.BaseDelay > c.Dispatch.MaxDelay {
		return fmt.Errorf("DISPATCH_BASE_DELAY_MS must not exceed DISPATCH_MAX_DELAY_SECONDS")
	}
	return nil
}

func loadDispatchConfig() (DispatchConfig, error) {
	var cfg DispatchConfig
	var err error

	if cfg.RatePerSecond, err = intEnv("DISPATCH_RATE_PER_SECOND", 1, 1); err != nil {
		return DispatchConfig{}, err
	}
	if cfg.MaxRetries, err = intEnv("DISPATCH_MAX_RETRIES", 5, 0); err != nil {
		return DispatchConfig{}, err
	}

	baseMS, err := intEnv("DISPATCH_BASE_DELAY_MS", 1000, 1)
	if err != nil {
		return DispatchConfig{}, err
	}
	cfg.BaseDelay = time.Duration(baseMS) * time.Millisecond

	maxSeconds, err := intEnv("DISPATCH_MAX_DELAY_SECONDS", 300, 1)
	if err != nil {
		return DispatchConfig{}, err
	}
	cfg.MaxDelay = time.Duration(maxSeconds) * time.Second

	elapsedSeconds, err := intEnv("DISPATCH_MAX_ELAPSED_SECONDS", 900, 0)
	if err != nil {
		return DispatchConfig{}, err
	}
	cfg.MaxElapsed = time.Duration(elapsedSeconds) * time.Second

	jitterMS, err := intEnv("DISPATCH_JITTER_MS", 250, 0)
	if err != nil {
		return DispatchConfig{}, err
	}
	cfg.Jitter = time.Duration(jitterMS) * time.Millisecond

	return cfg, nil
}

func loadQuotaConfig() (QuotaConfig, error) {
	var cfg QuotaConfig
	var err error

	if cfg.PostsPerDay, err = intEnv("POSTS_PER_DAY", 3, 0); err != nil {
		return QuotaConfig{}, err
	}
	if cfg.RepliesPerDay, err = intEnv("REPLIES_PER_DAY", 20, 0); err != nil {
		return QuotaConfig{}, err
	}
	if cfg.RepliesPerHour, err = intEnv("REPLIES_PER_HOUR", 10, 0); err != nil {
		return QuotaConfig{}, err
	}
	return cfg, nil
}

// intEnv 读取整数环境变量，未设置时返回默认值
func intEnv(key string, def, minValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if value < minValue {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, minValue, value)
	}
	return value, nil
}

// parseOwnerIDs 解析逗号分隔的用户ID字符串
// 支持格式: "123456789" 或 "123456789,987654321"
func parseOwnerIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid owner ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// parseList 解析逗号分隔的列表
// 支持格式: "solstice" 或 "solstice, testnet"
func parseList(s string) []string {
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		items = append(items, part)
	}

	return items
}
