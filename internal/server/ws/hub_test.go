package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBus struct {
	subscribed string
	ch         chan []byte
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	f.subscribed = channel
	return f.ch, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHubSubscribesToBroadcastChannel(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{ch: make(chan []byte)}
	hub := NewHub(bus, discardLogger(), Config{Mode: "full", StartedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	waitFor(t, time.Second, func() bool { return bus.subscribed == broadcastChannel })
}

func TestHubFansOutToConnectedClients(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{ch: make(chan []byte, 1)}
	hub := NewHub(bus, discardLogger(), Config{Mode: "monitor", StartedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	waitFor(t, time.Second, func() bool { return bus.subscribed == broadcastChannel })

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The initial status frame arrives on connect.
	var statusMsg map[string]any
	if err := conn.ReadJSON(&statusMsg); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if statusMsg["type"] != "status" {
		t.Fatalf("type = %v, want status", statusMsg["type"])
	}

	waitFor(t, time.Second, func() bool { return hub.clientCount() == 1 })

	payload, _ := json.Marshal(map[string]string{"type": "alert", "message": "hi"})
	bus.ch <- payload

	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if got["message"] != "hi" {
		t.Fatalf("message = %v, want hi", got["message"])
	}
}
