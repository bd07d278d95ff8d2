// Package notify implements the notification channels: a uniform
// name/enabled/send capability fed by the alert dispatcher. WebhookSender
// does a single-POST delivery, generalized to N retries with exponential
// backoff and a choice of payload shape.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// embedHostSuffixes are the domains recognized as venue-specific embed
// sinks; a webhook whose URL contains one of them receives the embed
// payload shape instead of the generic one. isEmbedSink matches them as
// substrings anywhere in the URL, not only against its host.
var embedHostSuffixes = []string{
	"discord.com",
	"discordapp.com",
}

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	Retries    int
	EnabledVal bool
}

// WebhookSender delivers formatted alerts to an HTTP endpoint, retrying
// on failure with exponential backoff.
type WebhookSender struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a WebhookSender. Timeout defaults to 5s and
// Retries to 3 when unset.
func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "notify.webhook")),
	}
}

// Name returns the channel identifier.
func (w *WebhookSender) Name() string { return "webhook" }

// Enabled reports whether the webhook channel is configured and turned on.
func (w *WebhookSender) Enabled() bool { return w.cfg.EnabledVal && w.cfg.URL != "" }

// genericPayload is the default webhook shape: {alert, metrics, signature?}.
type genericPayload struct {
	Alert     string       `json:"alert"`
	Metrics   domain.Alert `json:"metrics"`
	Signature string       `json:"signature,omitempty"`
}

// embedPayload mirrors the venue-embed shape expected by chat-style
// webhook sinks (Discord-compatible "content" field).
type embedPayload struct {
	Content string `json:"content"`
}

func (w *WebhookSender) payload(alert domain.FormattedAlert) ([]byte, error) {
	if isEmbedSink(w.cfg.URL) {
		return json.Marshal(embedPayload{
			Content: fmt.Sprintf("**%s**\n%s", alert.Title, alert.Message),
		})
	}
	return json.Marshal(genericPayload{
		Alert:     alert.Message,
		Metrics:   alert.Alert,
		Signature: w.cfg.Secret,
	})
}

func isEmbedSink(rawURL string) bool {
	for _, suffix := range embedHostSuffixes {
		if strings.Contains(rawURL, suffix) {
			return true
		}
	}
	return false
}

// Send POSTs the formatted alert, retrying up to cfg.Retries times with
// 1s/2s/4s exponential backoff. It reports false (never errors) on
// exhaustion so one channel's failure can never block the fan-out.
func (w *WebhookSender) Send(ctx context.Context, alert domain.FormattedAlert) bool {
	body, err := w.payload(alert)
	if err != nil {
		w.logger.ErrorContext(ctx, "marshal webhook payload", slog.String("error", err.Error()))
		return false
	}

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := w.attempt(ctx, body); err != nil {
			lastErr = err
			continue
		}
		return true
	}

	w.logger.ErrorContext(ctx, "webhook delivery exhausted retries",
		slog.Int("retries", w.cfg.Retries),
		slog.String("error", fmt.Sprint(lastErr)),
	)
	return false
}

func (w *WebhookSender) attempt(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Secret", w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

var _ domain.NotifyChannel = (*WebhookSender)(nil)
