package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LogSender writes digests to the service log. The default when no delivery
// channel is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, ownerID, subject, body string) error {
	s.Log.Info().
		Str("owner_id", ownerID).
		Str("subject", subject).
		Str("body", body).
		Msg("notification digest")
	return nil
}

// WebhookSender POSTs digests to a downstream delivery service (mailer, push
// gateway) as JSON.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, ownerID, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"owner_id": ownerID,
		"subject":  subject,
		"body":     body,
	})
	if err != nil {
		return fmt.Errorf("marshal digest: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build digest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("digest delivery returned %s", resp.Status)
	}
	return nil
}
