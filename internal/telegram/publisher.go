package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"post_bot/internal/logger"
	"post_bot/internal/poster/platform"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// messageSender 发送消息的最小接口，*bot.Bot 实现了它
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*botModels.Message, error)
}

// Publisher 把草稿发布到 Telegram 频道，回复发到提及所在的会话
type Publisher struct {
	sender  messageSender
	channel any // int64 chat id 或 "@channelusername"
}

// NewPublisher 创建发布客户端
func NewPublisher(sender messageSender, channel string) (*Publisher, error) {
	target, err := parseChannel(channel)
	if err != nil {
		return nil, err
	}
	return &Publisher{sender: sender, channel: target}, nil
}

func parseChannel(channel string) (any, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("telegram channel cannot be empty")
	}
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return id, nil
	}
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return channel, nil
}

// Submit 发送消息；replyTo 为 "chatID:messageID" 时作为回复发送
// 返回的外部 ID 格式同 replyTo
func (p *Publisher) Submit(ctx context.Context, text string, replyTo string) (string, error) {
	params := &bot.SendMessageParams{
		ChatID: p.channel,
		Text:   text,
	}

	if replyTo != "" {
		chatID, messageID, err := ParseMessageRef(replyTo)
		if err != nil {
			return "", err
		}
		params.ChatID = chatID
		params.ReplyParameters = &botModels.ReplyParameters{
			MessageID: messageID,
		}
	}

	msg, err := p.sender.SendMessage(ctx, params)
	if err != nil {
		return "", classifySendError(err)
	}
	if msg == nil {
		return "", fmt.Errorf("telegram returned no message")
	}

	ref := MessageRef(msg.Chat.ID, msg.ID)
	logger.L().Debugf("Telegram message sent: %s", ref)
	return ref, nil
}

// classifySendError 限流错误转为 platform.RateLimitError，其余原样返回
func classifySendError(err error) error {
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &platform.RateLimitError{
			RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second,
			Message:    tooMany.Message,
		}
	}
	if errors.Is(err, bot.ErrorTooManyRequests) {
		return &platform.RateLimitError{Message: err.Error()}
	}
	return err
}

// MessageRef 消息引用 "chatID:messageID"
func MessageRef(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// ParseMessageRef 解析 "chatID:messageID"
func ParseMessageRef(ref string) (int64, int, error) {
	chatPart, msgPart, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid message reference %q", ref)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id in %q: %w", ref, err)
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil || messageID <= 0 {
		return 0, 0, fmt.Errorf("invalid message id in %q", ref)
	}
	return chatID, messageID, nil
}
