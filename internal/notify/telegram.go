package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTelegramBaseURL is the Bot API endpoint.
const DefaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig holds Bot API credentials. An empty BaseURL selects
// the production endpoint.
type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
	BaseURL  string
}

// TelegramNotifier delivers through the sendMessage Bot API call.
type TelegramNotifier struct {
	token   string
	chatID  string
	enabled bool
	http    *resty.Client
}

// NewTelegramNotifier builds the provider. It stays disabled unless
// both token and chat id are set.
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultTelegramBaseURL
	}
	return &TelegramNotifier{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		enabled: cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(sendTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(3 * time.Second),
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

// Send posts the notification as a Markdown message.
func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: telegram status %d", resp.StatusCode())
	}
	return nil
}
