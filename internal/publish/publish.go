package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"slotflow/internal/domain"
)

// Publisher pushes a produced artifact out for one account.
type Publisher interface {
	Publish(ctx context.Context, accountID string, artifact []byte) error
}

// Webhook POSTs the artifact to a fixed endpoint, identifying the account in
// a header. The receiving side owns the platform mechanics.
type Webhook struct {
	Endpoint string
	Timeout  time.Duration
	client   *http.Client
}

func NewWebhook(endpoint string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		Endpoint: endpoint,
		Timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Publish(ctx context.Context, accountID string, artifact []byte) error {
	if w.Endpoint == "" {
		return fmt.Errorf("publish endpoint is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(artifact))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Account-ID", accountID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %v: %w", err, domain.ErrExecution)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("publish HTTP %d: %s: %w", resp.StatusCode, string(body), domain.ErrExecution)
	}
	return nil
}
