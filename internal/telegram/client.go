// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	statusFn       func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	return NewClientWithEndpoint(botToken, chatID, tgbotapi.APIEndpoint, maxRetries, retryDelayBase)
}

// NewClientWithEndpoint creates a client against a custom Bot API endpoint,
// given in the "https://host/bot%s/%s" form.
func NewClientWithEndpoint(botToken, chatID, endpoint string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
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

// SetStatusFunc sets the text returned by the /status command.
func (c *Client) SetStatusFunc(fn func() string) {
	c.statusFn = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if c.statusFn == nil {
			return
		}
		text = c.statusFn()
	default:
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a stream outage notification.
// Call this only on the first failure of an outage.
func (c *Client) SendError(streamErr error) error {
	text := fmt.Sprintf("⚠️ *Stream error*\n`%s`", escapeMarkdownV2(streamErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Stream recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendPickedAlerts sends the new limit-up stocks of picked sectors.
func (c *Client) SendPickedAlerts(alerts []models.SectorAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	return c.sendMarkdownV2(formatMessage(alerts))
}

// formatMessage formats sector alerts into a Telegram MarkdownV2 message.
func formatMessage(alerts []models.SectorAlert) string {
	var b strings.Builder
	b.WriteString("🚨 *涨停提醒*\n\n")

	slot := alerts[0].Slot
	fmt.Fprintf(&b, "📅 %s %s\n\n", slot.Period, escapeMarkdownV2(slot.Time))

	for i, a := range alerts {
		fmt.Fprintf(&b, "%d\\. *%s*\n", i+1, escapeMarkdownV2(a.Sector))
		for _, s := range a.Stocks {
			emoji := "🟠"
			if s.Category == models.CategorySealedLimitUp {
				emoji = "🔴"
			}
			line := fmt.Sprintf("%s %s (%s) %s", s.Name, s.Code, s.Category, aggregate.FormatValue(s.Value))
			if s.Sign != "" {
				line += " [" + s.Sign + "]"
			}
			fmt.Fprintf(&b, "   %s %s\n", emoji, escapeMarkdownV2(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
