package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"post_bot/internal/logger"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/pipeline"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// ReviewService 审核命令依赖的编排器操作
type ReviewService interface {
	ListPendingReviews(ctx context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error)
	ResolveReview(ctx context.Context, entryID int64, decision models.ReviewResolution, reviewer, notes string) (*pipeline.ResolveResult, error)
	Stats(ctx context.Context) (*models.DraftStats, error)
}

// ReviewCommands 供 Bot Owner 在私聊中处理审核队列的命令
type ReviewCommands struct {
	sender  messageSender
	service ReviewService
	owners  map[int64]struct{}
}

// NewReviewCommands 创建审核命令；owners 为空时所有命令都会被拒绝
func NewReviewCommands(sender messageSender, service ReviewService, owners []int64) *ReviewCommands {
	set := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		set[id] = struct{}{}
	}
	return &ReviewCommands{sender: sender, service: service, owners: set}
}

// Register 注册命令处理器
func (c *ReviewCommands) Register(b *bot.Bot) {
	b.RegisterHandler(bot.HandlerTypeMessageText, "/pending", bot.MatchTypePrefix, c.RequireOwner(c.handlePending))
	b.RegisterHandler(bot.HandlerTypeMessageText, "/approve", bot.MatchTypePrefix, c.RequireOwner(c.handleResolve(models.ReviewResolutionApproved)))
	b.RegisterHandler(bot.HandlerTypeMessageText, "/reject", bot.MatchTypePrefix, c.RequireOwner(c.handleResolve(models.ReviewResolutionRejected)))
	b.RegisterHandler(bot.HandlerTypeMessageText, "/stats", bot.MatchTypeExact, c.RequireOwner(c.handleStats))

	logger.L().Debugf("Review commands registered for %d owners", len(c.owners))
}

// RequireOwner 中间件：仅允许 Owner 执行
func (c *ReviewCommands) RequireOwner(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}

		if _, ok := c.owners[update.Message.From.ID]; !ok {
			logger.L().Warnf("Non-owner user %d attempted to use review command", update.Message.From.ID)
			c.sendErrorMessage(ctx, update.Message.Chat.ID, "This command is restricted to bot owners")
			return
		}

		next(ctx, botInstance, update)
	}
}

// handlePending 处理 /pending [normal|high]
func (c *ReviewCommands) handlePending(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	chatID := update.Message.Chat.ID

	var filter *models.ReviewPriority
	if parts := strings.Fields(update.Message.Text); len(parts) > 1 {
		p, err := models.ParseReviewPriority(parts[1])
		if err != nil {
			c.sendErrorMessage(ctx, chatID, "Usage: /pending [normal|high]")
			return
		}
		filter = &p
	}

	entries, err := c.service.ListPendingReviews(ctx, filter)
	if err != nil {
		logger.L().Errorf("List pending reviews failed: %v", err)
		c.sendErrorMessage(ctx, chatID, "Failed to load the review queue")
		return
	}
	if len(entries) == 0 {
		c.sendMessage(ctx, chatID, "No pending reviews.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "#%d draft %d [%s] %s\n", e.ID, e.DraftID, e.Priority, e.Reason)
	}
	sb.WriteString("\n/approve <id> [notes] or /reject <id> [notes]")
	c.sendMessage(ctx, chatID, sb.String())
}

// handleResolve 处理 /approve 与 /reject
func (c *ReviewCommands) handleResolve(decision models.ReviewResolution) bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
		msg := update.Message
		command := "/approve"
		if decision == models.ReviewResolutionRejected {
			command = "/reject"
		}

		parts := strings.Fields(msg.Text)
		if len(parts) < 2 {
			c.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("Usage: %s <entry_id> [notes]", command))
			return
		}
		entryID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || entryID <= 0 {
			c.sendErrorMessage(ctx, msg.Chat.ID, "Invalid entry id")
			return
		}
		notes := strings.Join(parts[2:], " ")

		result, err := c.service.ResolveReview(ctx, entryID, decision, reviewerName(msg.From), notes)
		switch {
		case errors.Is(err, models.ErrAlreadyResolved):
			c.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("Entry %d was already resolved", entryID))
			return
		case errors.Is(err, models.ErrNotFound):
			c.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("Entry %d not found", entryID))
			return
		case err != nil:
			logger.L().Errorf("Resolve review %d failed: %v", entryID, err)
			c.sendErrorMessage(ctx, msg.Chat.ID, err.Error())
			return
		}

		text := fmt.Sprintf("Entry %d %s: draft %d is now %s", result.Entry.ID, result.Entry.Resolution, result.Draft.ID, result.Draft.State)
		if o := result.Outcome; o != nil && o.ExternalID != "" {
			text += "\nPosted: " + o.ExternalID
		}
		c.sendSuccessMessage(ctx, msg.Chat.ID, text)
	}
}

// handleStats 处理 /stats
func (c *ReviewCommands) handleStats(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	chatID := update.Message.Chat.ID

	stats, err := c.service.Stats(ctx)
	if err != nil {
		logger.L().Errorf("Load stats failed: %v", err)
		c.sendErrorMessage(ctx, chatID, "Failed to load stats")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total drafts: %d\n", stats.TotalDrafts)
	for _, state := range models.AllStates() {
		fmt.Fprintf(&sb, "%s: %d\n", state, stats.ByState[state])
	}
	fmt.Fprintf(&sb, "Pending reviews: %d", stats.PendingReviews)
	c.sendMessage(ctx, chatID, sb.String())
}

func reviewerName(u *botModels.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return "telegram:" + strconv.FormatInt(u.ID, 10)
}

// sendMessage 发送消息（统一错误处理）
func (c *ReviewCommands) sendMessage(ctx context.Context, chatID int64, text string) {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if _, err := c.sender.SendMessage(ctx, params); err != nil {
		logger.L().Errorf("Failed to send message to chat %d: %v", chatID, err)
	}
}

// sendErrorMessage 发送错误消息
func (c *ReviewCommands) sendErrorMessage(ctx context.Context, chatID int64, message string) {
	c.sendMessage(ctx, chatID, "❌ "+message)
}

// sendSuccessMessage 发送成功消息
func (c *ReviewCommands) sendSuccessMessage(ctx context.Context, chatID int64, message string) {
	c.sendMessage(ctx, chatID, "✅ "+message)
}
