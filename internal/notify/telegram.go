// telegram.go -- Telegram Bot API sender.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// telegramAPI is the Bot API base. Var so tests can point it at httptest.
var telegramAPI = "https://api.telegram.org"

// Telegram rejects messages longer than this.
const maxMessageLen = 4096

// TelegramNotifier posts messages to one chat through a bot.
type TelegramNotifier struct {
	token      string
	chatID     string
	httpClient *http.Client
}

// NewTelegramNotifier returns a notifier for bot token posting into chatID.
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends msg.Text, truncated to Telegram's message limit.
func (t *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	text := []rune(msg.Text)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  string(text),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		telegramAPI+"/bot"+t.token+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", redactURL(err))
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("telegram: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

// redactURL strips the request URL (it carries the bot token) from transport errors.
func redactURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
