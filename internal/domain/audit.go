package domain

import (
	"context"
	"time"
)

// AuditEntry is one append-only operational event record, used to trace
// archival/retention runs and other side-effecting maintenance actions.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore appends and lists AuditEntry rows.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
