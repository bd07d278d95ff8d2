package domain

import "time"

// Market is a binary (or bucketed multi-outcome) prediction market synced
// from the venue. ID is the venue's stable condition identifier; Slug is
// unique. QuestionID, when it differs from ID, points at the parent event
// this market is a child outcome of — such rows are never stored (see
// internal/sync).
type Market struct {
	ID         string
	Question   string
	Slug       string
	Category   string
	EndDate    *time.Time
	ImageURL   string
	Volume     float64
	Volume24h  float64
	Liquidity  float64
	QuestionID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChangeKey is the subset of fields compared for change detection during
// sync. Two markets with an equal ChangeKey do not trigger an upsert.
type ChangeKey struct {
	Question string
	Slug     string
	Category string
	EndDate  *time.Time
	ImageURL string
}

// Fingerprint returns the fields sync change-detection compares.
func (m Market) Fingerprint() ChangeKey {
	return ChangeKey{
		Question: m.Question,
		Slug:     m.Slug,
		Category: m.Category,
		EndDate:  m.EndDate,
		ImageURL: m.ImageURL,
	}
}

// IsChild reports whether m is a child outcome of another market, i.e. its
// QuestionID is set and differs from its own ID.
func (m Market) IsChild() bool {
	return m.QuestionID != "" && m.QuestionID != m.ID
}

// Outcome is a single tradeable token within a Market. Unique on ID, and
// logically unique on (MarketID, Name): the conflict-resolving upsert in
// internal/sync rewrites TokenID/ID in place on a name collision rather
// than erroring.
type Outcome struct {
	ID        string
	MarketID  string
	Name      string
	TokenID   string
	Volume    float64
	Volume24h float64
	CreatedAt time.Time
}
