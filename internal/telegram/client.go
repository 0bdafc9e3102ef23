// Package telegram delivers investigation reports via the Telegram Bot API.
// It formats explained findings into MarkdownV2 messages and handles delivery
// with retry logic for reliability.
//
// Failed findings are sent with their failure marker so the analyst knows which
// gaps to rerun.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

// maxMessageLen stays under Telegram's 4096 character limit after escaping.
const maxMessageLen = 3800

// sender is the part of tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendReport sends a summarized investigation, split into several messages when
// it does not fit in one.
func (c *Client) SendReport(ctx context.Context, report models.Report) error {
	for i, text := range formatReport(report) {
		if err := c.send(ctx, text); err != nil {
			return fmt.Errorf("failed to send part %d of report %s: %w", i+1, report.ID, err)
		}
	}
	logger.Info("Sent report %s to Telegram (%d findings)", report.ID, len(report.Findings))
	return nil
}

// send delivers one message with linear backoff between attempts
func (c *Client) send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2" // Use MarkdownV2 for better escaping support
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("Telegram send attempt %d/%d failed: %v", i+1, c.maxRetries, err)
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatReport renders a report as one or more MarkdownV2 messages. A finding is
// never split across messages.
func formatReport(report models.Report) []string {
	var header strings.Builder
	header.WriteString("🔍 *Competitive Gap Report*\n\n")
	fmt.Fprintf(&header, "📄 Source: %s\n", escapeMarkdownV2(report.SourceID))
	if report.Brand != "" {
		fmt.Fprintf(&header, "🏷 Brand: %s\n", escapeMarkdownV2(report.Brand))
	}
	fmt.Fprintf(&header, "📊 Axes: %s × %s\n", escapeMarkdownV2(report.XKey), escapeMarkdownV2(report.YKey))
	if !report.CompletedAt.IsZero() {
		fmt.Fprintf(&header, "📅 Completed: %s \\(took %s\\)\n",
			escapeMarkdownV2(report.CompletedAt.Format("2006-01-02 15:04:05")),
			escapeMarkdownV2(formatDuration(report.CompletedAt.Sub(report.StartedAt))))
	}
	if failed := report.Failed(); failed > 0 {
		fmt.Fprintf(&header, "⚠️ %d of %d findings need a rerun\n", failed, len(report.Findings))
	}
	header.WriteString("\n")

	if len(report.Findings) == 0 {
		header.WriteString("No findings\\.\n")
		return []string{header.String()}
	}

	var messages []string
	current := header.String()
	for i, f := range report.Findings {
		block := formatFinding(i, f)
		if len(current)+len(block) > maxMessageLen && current != "" {
			messages = append(messages, current)
			current = ""
		}
		current += block
	}
	if current != "" {
		messages = append(messages, current)
	}
	return messages
}

func formatFinding(i int, f models.Finding) string {
	statusEmoji := "✅"
	if f.Status == models.FindingFailed {
		statusEmoji = "❌"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d\\. %s *%s*\n", i+1, statusEmoji, escapeMarkdownV2(f.Title))
	fmt.Fprintf(&b, "   Observed: %s\n", escapeMarkdownV2(f.Phenomenon))
	if f.Channel != "" {
		fmt.Fprintf(&b, "   Channel: %s\n", escapeMarkdownV2(f.Channel))
	}
	cause := f.Cause
	if cause == "" {
		cause = "not analysed"
	}
	fmt.Fprintf(&b, "   Cause: _%s_\n\n", escapeMarkdownV2(cause))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! and the escape character itself
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '\\', '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if hours := int(d.Hours()); hours >= 1 {
		if mins := int(d.Minutes()) % 60; mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins := int(d.Minutes()); mins >= 1 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
