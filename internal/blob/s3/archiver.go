package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// PriceHistoryArchiveStore provides read access to price samples for
// archival purposes. This follows the Interface Segregation Principle:
// the archiver only requires the query method it actually calls, not
// the full domain.PriceHistoryStore interface.
type PriceHistoryArchiveStore interface {
	// ListBefore returns all price samples with ts strictly before cutoff.
	ListBefore(ctx context.Context, cutoff time.Time) ([]domain.PriceHistory, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the price history
// store for rows due for retention, serializing them to JSONL, and
// uploading the result to S3.
//
// Deletion of the archived rows from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step (the
// retention sweep in internal/ingest) executed after the archive has
// been verified.
type ArchiveImpl struct {
	writer       domain.BlobWriter
	priceHistory PriceHistoryArchiveStore
	audit        domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	priceHistory PriceHistoryArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:       writer,
		priceHistory: priceHistory,
		audit:        audit,
	}
}

// ArchivePriceHistory queries all price samples before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/price_history/YYYY-MM.jsonl. The archival event is recorded
// in the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchivePriceHistory(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.priceHistory.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive price history query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive price history marshal: %w", err)
	}

	path := archivePath("price_history", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive price history upload: %w", err)
	}

	count := int64(len(rows))

	if err := a.audit.Log(ctx, "archive.price_history", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive price history audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/price_history/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
