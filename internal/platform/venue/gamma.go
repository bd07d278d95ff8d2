package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RestConfig configures the REST client.
type RestConfig struct {
	BaseURL string
	Timeout time.Duration // per-attempt timeout; defaults to 10s
}

// RestClient is the venue REST client. All calls are idempotent and
// side-effect-free; failures never propagate as a panic or throw across
// the package boundary — fetchMarkets folds endpoint attempts into the
// first non-empty success, and every other call returns a wrapped error.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewRestClient creates a venue REST client.
func NewRestClient(cfg RestConfig) *RestClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RestClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// MarketFilter parameterizes fetchMarkets.
type MarketFilter struct {
	Limit   int
	Offset  int
	Active  *bool
	Closed  *bool
	TagSlug string
	TagID   string
}

// marketEndpoints is the ordered list of paths FetchMarkets tries for a
// given query. Each response is decoded by decodeMarketList, which
// accepts a bare array or an envelope keyed "data", "markets", or
// "events" (whose nested "markets" arrays are flattened).
var marketEndpoints = []string{"/markets", "/events"}

// FetchMarkets tries each endpoint in marketEndpoints, in order, for the
// given filter; the first attempt that yields a non-empty, successfully
// decoded list wins. A 404 from an endpoint is treated as empty and the
// fold continues; any other transport/status error is remembered and the
// fold continues as well: the last such error is returned only once the
// fallback list is exhausted without a non-empty result.
func (c *RestClient) FetchMarkets(ctx context.Context, filter MarketFilter) ([]CanonicalMarket, error) {
	var lastErr error
	for _, path := range marketEndpoints {
		markets, err := c.fetchMarketsFrom(ctx, path, filter)
		if err != nil {
			if errors.Is(err, errNotFound) {
				continue
			}
			lastErr = err
			continue
		}
		if len(markets) > 0 {
			return markets, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

func (c *RestClient) fetchMarketsFrom(ctx context.Context, path string, filter MarketFilter) ([]CanonicalMarket, error) {
	params := url.Values{}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		params.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Active != nil {
		params.Set("active", strconv.FormatBool(*filter.Active))
	}
	if filter.Closed != nil {
		params.Set("closed", strconv.FormatBool(*filter.Closed))
	}
	if filter.TagSlug != "" {
		params.Set("tag_slug", filter.TagSlug)
	}
	if filter.TagID != "" {
		params.Set("tag_id", filter.TagID)
	}

	body, err := c.doGet(ctx, path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	return decodeMarketList(body), nil
}

// decodeMarketList accepts a bare array or an envelope under data/
// markets/events, and flattens any nested event->markets relationship.
func decodeMarketList(body []byte) []CanonicalMarket {
	var arr []json.RawMessage
	if json.Unmarshal(body, &arr) == nil {
		return decodeEach(arr)
	}

	var env map[string]json.RawMessage
	if json.Unmarshal(body, &env) != nil {
		return nil
	}
	for _, key := range []string{"data", "markets", "events"} {
		raw, ok := env[key]
		if !ok {
			continue
		}
		var nested []json.RawMessage
		if json.Unmarshal(raw, &nested) == nil {
			out := decodeEach(nested)
			if key == "events" {
				// Events wrap markets; flatten one level.
				var flattened []CanonicalMarket
				for i, n := range nested {
					_ = n
					flattened = append(flattened, out[i].SubMarkets...)
				}
				if len(flattened) > 0 {
					return flattened
				}
			}
			return out
		}
	}
	return nil
}

func decodeEach(raws []json.RawMessage) []CanonicalMarket {
	out := make([]CanonicalMarket, 0, len(raws))
	for _, raw := range raws {
		if m, ok := decodeMarket(raw); ok {
			out = append(out, m)
		}
	}
	return out
}

// FetchMarket returns a single market by id or slug. A 404 yields
// found == false with a nil error.
func (c *RestClient) FetchMarket(ctx context.Context, idOrSlug string) (CanonicalMarket, bool, error) {
	body, err := c.doGet(ctx, "/markets/"+url.PathEscape(idOrSlug))
	if err != nil {
		if errors.Is(err, errNotFound) {
			return CanonicalMarket{}, false, nil
		}
		return CanonicalMarket{}, false, err
	}
	m, ok := decodeMarket(body)
	return m, ok, nil
}

// FetchQuestionId resolves a conditionId to its parent questionId, under
// a 2s hard timeout.
func (c *RestClient) FetchQuestionId(ctx context.Context, conditionID string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	m, found, err := c.FetchMarket(ctx, conditionID)
	if err != nil || !found {
		return "", false, err
	}
	if m.QuestionID == "" {
		return "", false, nil
	}
	return m.QuestionID, true, nil
}

// FetchMarketTokens returns the ordered outcome/token pairs for a
// market, drawn from tokens/outcomes, falling back to nested bucket
// sub-markets when neither is present.
func (c *RestClient) FetchMarketTokens(ctx context.Context, id string) ([]OutcomeRef, error) {
	m, found, err := c.FetchMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if len(m.Outcomes) > 0 {
		return m.Outcomes, nil
	}
	if len(m.SubMarkets) == 0 {
		return nil, nil
	}
	out := make([]OutcomeRef, 0, len(m.SubMarkets))
	for _, sub := range m.SubMarkets {
		out = append(out, OutcomeRef{
			Name:      BucketName(sub, ""),
			TokenID:   firstTokenID(sub),
			Volume:    sub.Volume,
			Volume24h: sub.Volume24h,
		})
	}
	return out, nil
}

func firstTokenID(m CanonicalMarket) string {
	if len(m.Outcomes) > 0 {
		return m.Outcomes[0].TokenID
	}
	return ""
}

// Tag is a venue category tag, used for category-id discovery.
type Tag struct {
	ID   string
	Slug string
	Name string
}

// FetchTags returns the tag list.
func (c *RestClient) FetchTags(ctx context.Context) ([]Tag, error) {
	body, err := c.doGet(ctx, "/tags")
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var raws []map[string]json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("venue: decode tags: %w", err)
	}
	out := make([]Tag, 0, len(raws))
	for _, raw := range raws {
		rm := rawMarket(raw)
		out = append(out, Tag{
			ID:   rm.str("id"),
			Slug: rm.str("slug"),
			Name: rm.str("label", "name"),
		})
	}
	return out, nil
}

var errNotFound = errors.New("venue: not found")

func (c *RestClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("venue: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("venue: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("venue: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("venue: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
