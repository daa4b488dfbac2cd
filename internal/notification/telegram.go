package notification

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramSink posts HTML formatted alerts to a set of Telegram chats
type TelegramSink struct {
	client  *resty.Client
	token   string
	chatIDs []int64
}

type telegramMessage struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramSink creates a Telegram sink. baseURL may be empty.
func NewTelegramSink(token string, chatIDs []string, baseURL string, timeout time.Duration) (*TelegramSink, error) {
	ids := make([]int64, 0, len(chatIDs))
	for _, raw := range chatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	// No else needed: optional operation (default endpoint)
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &TelegramSink{client: client, token: token, chatIDs: ids}, nil
}

// Name returns the sink name
func (s *TelegramSink) Name() string { return "telegram" }

// Deliver sends the alert to every chat. All chats are attempted; the
// first failure is returned.
func (s *TelegramSink) Deliver(ctx context.Context, level Level, alert Alert) error {
	text := formatTelegram(level, alert)

	var firstErr error
	for _, chatID := range s.chatIDs {
		if err := s.send(ctx, chatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *TelegramSink) send(ctx context.Context, chatID int64, text string) error {
	var result telegramResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("token", s.token).
		SetBody(telegramMessage{ChatID: chatID, Text: text, ParseMode: "HTML"}).
		SetResult(&result).
		SetError(&result).
		Post("/bot{token}/sendMessage")
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	// No else needed: early return pattern (guard clause)
	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram sendMessage to %d failed: status %d: %s", chatID, resp.StatusCode(), result.Description)
	}
	return nil
}

// formatTelegram renders an alert in Telegram's HTML subset
func formatTelegram(level Level, alert Alert) string {
	timestamp := alert.Time.UTC().Format("2006-01-02 15:04:05 MST")

	var b strings.Builder
	// No else needed: early return pattern (guard clause)
	if level == LevelInfo {
		fmt.Fprintf(&b, "ℹ️ <b>Chat Gateway Info</b>\n\n⏰ %s\n💬 %s", timestamp, html.EscapeString(alert.Message))
		return b.String()
	}

	where := alert.Context
	if where == "" {
		where = "Unknown"
	}
	b.WriteString("🚨 <b>Chat Gateway Error</b>\n\n")
	fmt.Fprintf(&b, "⏰ <b>Time:</b> %s\n", timestamp)
	fmt.Fprintf(&b, "📍 <b>Context:</b> %s\n", html.EscapeString(where))
	fmt.Fprintf(&b, "💬 <b>Message:</b> %s\n", html.EscapeString(alert.Message))
	if alert.Err != nil {
		fmt.Fprintf(&b, "\n❌ <b>Error Details:</b>\n<code>%s</code>", html.EscapeString(alert.Err.Error()))
	}
	return b.String()
}
