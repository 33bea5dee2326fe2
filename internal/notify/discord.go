package notify

import (
	"context"
	"net/http"
)

// DiscordSender delivers alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultClient()}
}

// Send posts the alert. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]string{
		"content": "**" + title + "**\n" + message,
	})
}

func (d *DiscordSender) Name() string { return "discord" }
