package notify

import (
	"context"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{baseURL: telegramAPI, token: token, chatID: chatID, client: defaultClient()}
}

// Send posts the alert with a bold title.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, t.client, t.Name(), t.baseURL+"/bot"+t.token+"/sendMessage", map[string]string{
		"chat_id":    t.chatID,
		"text":       "*" + title + "*\n" + message,
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
