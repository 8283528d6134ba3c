package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Webhook posts events as JSON to a URL, retrying failed deliveries a few
// times with exponential backoff. Failures are logged and dropped.
type Webhook struct {
	URL        string
	MaxRetries uint64
	Backoff    time.Duration
	Logger     *slog.Logger
	client     *http.Client
}

// NewWebhook returns a notifier with a 10s per-request timeout and three
// retries.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		URL:        url,
		MaxRetries: 3,
		Backoff:    time.Second,
		Logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Notify(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		w.Logger.Warn("webhook: encode event", "err", err)
		return
	}
	backoff := retry.WithMaxRetries(w.MaxRetries, retry.NewExponential(max(w.Backoff, time.Millisecond)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		w.Logger.Warn("webhook delivery failed", "url", w.URL, "kind", e.Kind, "project", e.ProjectID, "err", err)
	}
}
