package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/monitorbot/monitorbot/internal/domain"
)

type fakeBroadcaster struct {
	channel string
	payload []byte
}

func (f *fakeBroadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	f.channel = channel
	f.payload = payload
	return nil
}

func (f *fakeBroadcaster) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func TestBroadcastSenderPublishesEnvelope(t *testing.T) {
	t.Parallel()

	bus := &fakeBroadcaster{}
	sender := NewBroadcastSender(bus, true, discardLogger())

	if !sender.Enabled() {
		t.Fatal("expected enabled")
	}

	alert := domain.FormattedAlert{
		Alert:   domain.Alert{Type: domain.AlertTypeNewMarket, MarketID: "m1"},
		Title:   "New market",
		Message: "m1 is new",
	}

	if !sender.Send(context.Background(), alert) {
		t.Fatal("expected successful publish")
	}
	if bus.channel != broadcastChannel {
		t.Errorf("channel = %q, want %q", bus.channel, broadcastChannel)
	}

	var env broadcastEnvelope
	if err := json.Unmarshal(bus.payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Message != "m1 is new" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestEmailSenderAlwaysFailsWhenUnconfigured(t *testing.T) {
	t.Parallel()
	sender := NewEmailSender(false)
	if sender.Enabled() {
		t.Fatal("expected disabled")
	}
	if sender.Send(context.Background(), domain.FormattedAlert{}) {
		t.Fatal("expected send to fail")
	}
}
