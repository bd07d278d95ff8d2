package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// broadcastChannel is the pub/sub channel formatted alerts are published
// to; internal/server/ws's hub subscribes and relays to WebSocket clients.
const broadcastChannel = "alerts:broadcast"

// BroadcastSender hands a formatted alert to the local client-facing
// Broadcaster for fan-out over the broadcast channel.
type BroadcastSender struct {
	bus     domain.Broadcaster
	enabled bool
	logger  *slog.Logger
}

// NewBroadcastSender creates a BroadcastSender.
func NewBroadcastSender(bus domain.Broadcaster, enabled bool, logger *slog.Logger) *BroadcastSender {
	return &BroadcastSender{
		bus:     bus,
		enabled: enabled,
		logger:  logger.With(slog.String("component", "notify.broadcast")),
	}
}

// Name returns the channel identifier.
func (b *BroadcastSender) Name() string { return "broadcast" }

// Enabled reports whether broadcast delivery is turned on.
func (b *BroadcastSender) Enabled() bool { return b.enabled }

// broadcastEnvelope is the wire shape published to subscribed clients.
type broadcastEnvelope struct {
	Type    string       `json:"type"`
	Title   string       `json:"title"`
	Message string       `json:"message"`
	Alert   domain.Alert `json:"alert"`
}

// Send publishes the formatted alert to the broadcast channel.
func (b *BroadcastSender) Send(ctx context.Context, alert domain.FormattedAlert) bool {
	payload, err := json.Marshal(broadcastEnvelope{
		Type:    "alert",
		Title:   alert.Title,
		Message: alert.Message,
		Alert:   alert.Alert,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "marshal broadcast payload", slog.String("error", err.Error()))
		return false
	}

	if err := b.bus.Publish(ctx, broadcastChannel, payload); err != nil {
		b.logger.ErrorContext(ctx, "publish broadcast alert", slog.String("error", err.Error()))
		return false
	}
	return true
}

var _ domain.NotifyChannel = (*BroadcastSender)(nil)
