package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookSenderGenericPayload(t *testing.T) {
	t.Parallel()

	var gotBody genericPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if r.Header.Get("X-Webhook-Secret") != "shh" {
			t.Errorf("missing secret header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{
		URL:        srv.URL,
		Secret:     "shh",
		EnabledVal: true,
	}, discardLogger())

	if !sender.Enabled() {
		t.Fatal("expected sender enabled")
	}

	alert := domain.FormattedAlert{
		Alert:   domain.Alert{Type: domain.AlertTypeWhaleTrade, MarketID: "m1"},
		Title:   "Whale trade",
		Message: "large trade on m1",
	}

	ok := sender.Send(context.Background(), alert)
	if !ok {
		t.Fatal("expected successful send")
	}
	if gotBody.Alert != "large trade on m1" {
		t.Errorf("alert message = %q", gotBody.Alert)
	}
	if gotBody.Signature != "shh" {
		t.Errorf("signature = %q", gotBody.Signature)
	}
}

func TestWebhookSenderEmbedPayload(t *testing.T) {
	t.Parallel()

	var gotBody embedPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	webhookURL := srv.URL + "?embed=discord.com"
	sender := NewWebhookSender(WebhookConfig{URL: webhookURL, EnabledVal: true}, discardLogger())

	alert := domain.FormattedAlert{Title: "New market", Message: "hello"}
	if !sender.Send(context.Background(), alert) {
		t.Fatal("expected successful send")
	}
	if gotBody.Content != "**New market**\nhello" {
		t.Errorf("content = %q", gotBody.Content)
	}
}

func TestWebhookSenderRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{URL: srv.URL, EnabledVal: true, Retries: 3}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !sender.Send(ctx, domain.FormattedAlert{Title: "t", Message: "m"}) {
		t.Fatal("expected eventual success after retries")
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWebhookSenderDisabledWithoutURL(t *testing.T) {
	t.Parallel()
	sender := NewWebhookSender(WebhookConfig{EnabledVal: true}, discardLogger())
	if sender.Enabled() {
		t.Fatal("expected disabled without a URL")
	}
}
