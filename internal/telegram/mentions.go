package telegram

import (
	"context"
	"sort"
	"strings"
	"time"

	"post_bot/internal/logger"
	"post_bot/internal/poster/platform"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	mentionBufferSize = 1024
	mentionBufferTTL  = 24 * time.Hour
)

// MentionBuffer 缓存 Bot 收到的提及消息，供调度器按时间拉取
// Telegram 只能推送更新，不能按时间查询，因此在内存中保留最近的提及
type MentionBuffer struct {
	handle  string
	cache   *expirable.LRU[string, platform.Mention]
	nowFunc func() time.Time
}

// NewMentionBuffer 创建提及缓冲区，handle 为 Bot 用户名
func NewMentionBuffer(handle string) *MentionBuffer {
	return &MentionBuffer{
		handle:  strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@")),
		cache:   expirable.NewLRU[string, platform.Mention](mentionBufferSize, nil, mentionBufferTTL),
		nowFunc: time.Now,
	}
}

// Handler 作为 Bot 的默认 handler 接收更新
func (m *MentionBuffer) Handler(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	if update == nil {
		return
	}
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	if !m.isMention(msg) {
		return
	}

	mention := platform.Mention{
		ContextID:  MessageRef(msg.Chat.ID, msg.ID),
		Text:       msg.Text,
		At:         time.Unix(int64(msg.Date), 0).UTC(),
		ReceivedAt: m.nowFunc().UTC(),
	}
	if msg.From != nil {
		mention.Author = msg.From.Username
		if mention.Author == "" {
			mention.Author = msg.From.FirstName
		}
	}

	m.cache.Add(mention.ContextID, mention)
	logger.L().Debugf("Mention buffered: %s from %s", mention.ContextID, mention.Author)
}

// isMention @Bot 或回复 Bot 的消息
func (m *MentionBuffer) isMention(msg *botModels.Message) bool {
	if m.handle == "" {
		return false
	}
	if msg.From != nil && strings.EqualFold(msg.From.Username, m.handle) {
		return false
	}
	if strings.Contains(strings.ToLower(msg.Text), "@"+m.handle) {
		return true
	}
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && strings.EqualFold(reply.From.Username, m.handle)
}

// PollNewMentions 返回 since 之后到达本进程的提及，按到达顺序
// 按本地到达时间而非发送时间比较，长轮询延迟送达的消息不会落在游标之前
func (m *MentionBuffer) PollNewMentions(_ context.Context, since time.Time) ([]platform.Mention, error) {
	var out []platform.Mention
	for _, mention := range m.cache.Values() {
		if mention.ReceivedAt.After(since) {
			out = append(out, mention)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}
