package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatusHandlerGetStatus(t *testing.T) {
	t.Parallel()
	startedAt := time.Now().Add(-5 * time.Minute)
	h := NewStatusHandler("full", startedAt)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["mode"] != "full" {
		t.Fatalf("mode = %v, want full", resp["mode"])
	}
	uptime, ok := resp["uptime_seconds"].(float64)
	if !ok || uptime < 250 {
		t.Fatalf("uptime_seconds = %v, want >= 250", resp["uptime_seconds"])
	}
}
