package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const PlatformWebhook = "webhook"

// WebhookSender POSTs replies as JSON to a fixed URL. It serves platforms
// with no native client here, such as web widgets.
type WebhookSender struct {
	platform string
	url      string
	token    string
	http     *http.Client
}

// NewWebhookSender creates a sender registered under platform. token, when
// non-empty, is sent as a bearer token.
func NewWebhookSender(platform, url, token string) *WebhookSender {
	if platform == "" {
		platform = PlatformWebhook
	}
	return &WebhookSender{
		platform: platform,
		url:      url,
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Platform string   `json:"platform"`
	UserID   string   `json:"user_id"`
	Text     string   `json:"text"`
	Media    []string `json:"media"`
}

func (s *WebhookSender) Platform() string { return s.platform }

func (s *WebhookSender) Send(ctx context.Context, userID, text string, media []string) error {
	if media == nil {
		media = []string{}
	}
	body, err := json.Marshal(webhookPayload{Platform: s.platform, UserID: userID, Text: text, Media: media})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
