package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	discordGreen = 0x00FF00
	discordRed   = 0xFF0000
)

// DiscordConfig holds the webhook target.
type DiscordConfig struct {
	Enabled    bool
	WebhookURL string
}

// DiscordNotifier delivers through a webhook as a single embed.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	http       *resty.Client
}

// NewDiscordNotifier builds the provider. It stays disabled without a
// webhook URL.
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		http: resty.New().
			SetTimeout(sendTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(3 * time.Second),
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

// Send posts the notification as an embed.
func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := discordGreen
	if n.Type == TypeError {
		color = discordRed
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]any{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price > 0 {
			fields = append(fields, map[string]any{
				"name": "Price", "value": formatFloat(n.Price), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"embeds": []map[string]any{embed}}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: discord status %d", resp.StatusCode())
	}
	return nil
}
