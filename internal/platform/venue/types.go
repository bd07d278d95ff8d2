// Package venue implements the REST and streaming clients for the
// upstream prediction-market venue. The venue's wire shapes
// are heterogeneous — snake_case and camelCase mixed, markets nested
// under events, multi-outcome "bucket" events carrying sub-markets — so
// every response is run through a single tolerant decoder into one
// canonical record rather than patched ad hoc at each call site.
package venue

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// OutcomeRef is one outcome/token pulled out of a market's outcomes or
// bucket sub-markets.
type OutcomeRef struct {
	Name      string
	TokenID   string
	Volume    float64
	Volume24h float64
}

// CanonicalMarket is the single normalized shape every venue response —
// regardless of which endpoint or wire field names produced it — is
// decoded into. Fields absent on the wire remain at their zero value;
// the companion bool return of decodeMarket reports only whether the
// body decoded as a JSON object, not which fields were present.
type CanonicalMarket struct {
	ID          string
	QuestionID  string
	ConditionID string
	Question    string
	Slug        string
	Description string
	Image       string
	EndDate     *time.Time
	Category    string
	Tags        []string
	Liquidity   float64
	Volume      float64
	Volume24h   float64
	Active      bool
	Closed      bool
	Outcomes    []OutcomeRef
	// SubMarkets holds bucket-event nested markets, each pre-decoded, so
	// the caller (internal/sync) can derive per-bucket outcomes when
	// Outcomes is empty.
	SubMarkets []CanonicalMarket
}

// rawMarket is the loosely-typed wire shape decoded first; every field
// tries several plausible JSON key spellings via its helper methods.
type rawMarket map[string]json.RawMessage

func decodeMarket(body []byte) (CanonicalMarket, bool) {
	var raw rawMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return CanonicalMarket{}, false
	}
	return raw.canonical(), true
}

func (r rawMarket) str(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return ""
}

func (r rawMarket) float(keys ...string) float64 {
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func (r rawMarket) boolean(keys ...string) bool {
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			return b
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return strings.EqualFold(s, "true") || s == "1"
		}
	}
	return false
}

func (r rawMarket) stringSlice(keys ...string) []string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			continue
		}
		var ss []string
		if err := json.Unmarshal(v, &ss); err == nil {
			return ss
		}
		// Some venues JSON-encode the array as a string, e.g. "[\"Yes\",\"No\"]".
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			var inner []string
			if err := json.Unmarshal([]byte(s), &inner); err == nil {
				return inner
			}
		}
		// Tags may arrive as a list of {label: string} objects.
		var objs []map[string]json.RawMessage
		if err := json.Unmarshal(v, &objs); err == nil {
			out := make([]string, 0, len(objs))
			for _, o := range objs {
				for _, k := range []string{"label", "slug", "name"} {
					if lv, ok := o[k]; ok {
						var l string
						if json.Unmarshal(lv, &l) == nil && l != "" {
							out = append(out, l)
							break
						}
					}
				}
			}
			return out
		}
	}
	return nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return &t
		}
	}
	return nil
}

func (r rawMarket) canonical() CanonicalMarket {
	m := CanonicalMarket{
		ID:          r.str("id", "conditionId", "condition_id"),
		QuestionID:  r.str("questionId", "question_id"),
		ConditionID: r.str("conditionId", "condition_id"),
		Question:    r.str("question", "title"),
		Slug:        r.str("slug"),
		Description: r.str("description"),
		Image:       r.str("image", "imageUrl", "image_url"),
		Category:    r.str("category"),
		Tags:        r.stringSlice("tags"),
		Liquidity:   r.float("liquidity", "liquidityNum"),
		Volume:      r.float("volume", "volumeNum"),
		Volume24h:   r.float("volume24h", "volume24hr", "volume_24h"),
		Active:      r.boolean("active", "is_active"),
		Closed:      r.boolean("closed"),
	}
	m.EndDate = parseTime(r.str("endDate", "end_date_iso", "endDateIso", "end_date"))

	m.Outcomes = r.outcomes()
	m.SubMarkets = r.subMarkets()
	return m
}

// outcomes derives an OutcomeRef list from whichever of "tokens"/
// "outcomes" the venue populated.
func (r rawMarket) outcomes() []OutcomeRef {
	if toksRaw, ok := r["tokens"]; ok {
		var toks []map[string]json.RawMessage
		if json.Unmarshal(toksRaw, &toks) == nil {
			out := make([]OutcomeRef, 0, len(toks))
			for _, t := range toks {
				rt := rawMarket(t)
				out = append(out, OutcomeRef{
					Name:    rt.str("outcome", "name"),
					TokenID: rt.str("token_id", "tokenId"),
				})
			}
			if len(out) > 0 {
				return out
			}
		}
	}

	names := r.stringSlice("outcomes")
	tokenIDs := r.stringSlice("clobTokenIds", "clob_token_ids", "tokenIds")
	if len(names) == 0 {
		return nil
	}
	out := make([]OutcomeRef, 0, len(names))
	for i, name := range names {
		ref := OutcomeRef{Name: name}
		if i < len(tokenIDs) {
			ref.TokenID = tokenIDs[i]
		}
		out = append(out, ref)
	}
	return out
}

// subMarkets decodes nested bucket sub-markets (multi-outcome events).
func (r rawMarket) subMarkets() []CanonicalMarket {
	v, ok := r["markets"]
	if !ok {
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(v, &raws); err != nil {
		return nil
	}
	out := make([]CanonicalMarket, 0, len(raws))
	for _, rm := range raws {
		if cm, ok := decodeMarket(rm); ok {
			out = append(out, cm)
		}
	}
	return out
}

// BucketName returns groupItemTitle when it is non-empty and otherwise
// the sub-market's own question unchanged; the parent question's text is
// not stripped from it.
func BucketName(sub CanonicalMarket, groupItemTitle string) string {
	if groupItemTitle != "" {
		return groupItemTitle
	}
	return sub.Question
}

// wsEnvelope is the outer shape of every stream frame. EventType selects
// the demultiplex branch; PriceChanges carries the array form some
// venues send instead of a single flat event.
type wsEnvelope struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Bid          json.Number     `json:"bid"`
	Ask          json.Number     `json:"ask"`
	Price        json.Number     `json:"price"`
	Size         json.Number     `json:"size"`
	Side         string          `json:"side"`
	Timestamp    json.Number     `json:"timestamp"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}

type wsPriceChange struct {
	AssetID string      `json:"asset_id"`
	Bid     json.Number `json:"bid"`
	Ask     json.Number `json:"ask"`
	Price   json.Number `json:"price"`
	Size    json.Number `json:"size"`
}

func numOrZero(n json.Number) float64 {
	f, _ := strconv.ParseFloat(string(n), 64)
	return f
}
