// Package rolling implements the rolling-window store: a per-key,
// bounded, time-indexed sequence that evicts on every append, backed by
// a sorted set (a ZSET scored by timestamp whose members carry the
// payload bodies) so membership, range queries, and trimming are all O(log n).
// It is cache-backed and restart-surviving, keyed by arbitrary string
// keys rather than one fixed asset id.
package rolling

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// Point is one sample in a rolling series.
type Point struct {
	Timestamp time.Time
	Payload   json.RawMessage
}

// Stats summarizes the numeric content of a series for detectors that
// need mean/stddev over a derived scalar (e.g. per-bucket volume).
type Stats struct {
	Count int
	Mean  float64
	Stdev float64
}

// Store is the rolling-window capability. It is backed by domain.Cache:
// a sorted set "<key>" scored by timestamp-millis, with members being
// the JSON-encoded point bodies prefixed by a monotonic sequence number
// to keep near-simultaneous samples distinct as sorted-set members.
type Store struct {
	cache domain.Cache
	now   func() time.Time
	seq   func() int64
}

// New creates a Store. now defaults to time.Now; tests inject a fixed
// clock. seq defaults to a nanosecond counter derived from now, used
// only to disambiguate same-millisecond members in the sorted set.
func New(cache domain.Cache) *Store {
	return &Store{
		cache: cache,
		now:   time.Now,
		seq:   func() int64 { return time.Now().UnixNano() },
	}
}

// WithClock overrides the store's time source, for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func memberKey(ts time.Time, seq int64, payload json.RawMessage) string {
	return fmt.Sprintf("%d.%d|%s", ts.UnixMilli(), seq, payload)
}

func parseMember(member string) (time.Time, json.RawMessage, error) {
	var i int
	for i = 0; i < len(member); i++ {
		if member[i] == '|' {
			break
		}
	}
	if i == len(member) {
		return time.Time{}, nil, fmt.Errorf("rolling: malformed member")
	}
	var millis, seq int64
	if _, err := fmt.Sscanf(member[:i], "%d.%d", &millis, &seq); err != nil {
		return time.Time{}, nil, fmt.Errorf("rolling: malformed member timestamp: %w", err)
	}
	return time.UnixMilli(millis), json.RawMessage(member[i+1:]), nil
}

// Add appends value (marshaled to JSON) at ts under key, then evicts
// every element older than now-maxAge and, if the series still exceeds
// maxItems, trims the oldest excess. The key's TTL is refreshed to
// ceil(maxAge/1s)+3600s on every call.
func (s *Store) Add(ctx context.Context, key string, ts time.Time, value any, maxAge time.Duration, maxItems int64) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rolling: marshal payload: %w", err)
	}

	member := memberKey(ts, s.seq(), payload)
	if err := s.cache.ZAdd(ctx, key, float64(ts.UnixMilli()), member); err != nil {
		return err
	}

	cutoff := s.now().Add(-maxAge)
	if err := s.cache.ZRemRangeByScore(ctx, key, math.Inf(-1), float64(cutoff.UnixMilli())); err != nil {
		return err
	}

	if maxItems > 0 {
		if err := s.trimToMax(ctx, key, maxItems); err != nil {
			return err
		}
	}

	ttl := time.Duration(int64(math.Ceil(maxAge.Seconds())))*time.Second + time.Hour
	return s.cache.Expire(ctx, key, ttl)
}

// trimToMax removes the oldest members until the series has at most
// maxItems entries.
func (s *Store) trimToMax(ctx context.Context, key string, maxItems int64) error {
	count, err := s.cache.ZCard(ctx, key)
	if err != nil {
		return err
	}
	excess := count - maxItems
	if excess <= 0 {
		return nil
	}

	oldest, err := s.cache.ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return err
	}
	if excess > int64(len(oldest)) {
		excess = int64(len(oldest))
	}
	for _, m := range oldest[:excess] {
		ts, _, perr := parseMember(m)
		if perr != nil {
			continue
		}
		if err := s.cache.ZRemRangeByScore(ctx, key, float64(ts.UnixMilli()), float64(ts.UnixMilli())); err != nil {
			return err
		}
	}
	return nil
}

// RangeByTime returns every point with from <= ts <= to, inclusive on
// both ends, oldest first.
func (s *Store) RangeByTime(ctx context.Context, key string, from, to time.Time) ([]Point, error) {
	members, err := s.cache.ZRangeByScore(ctx, key, float64(from.UnixMilli()), float64(to.UnixMilli()))
	if err != nil {
		return nil, err
	}
	return decodeMembers(members)
}

// Latest returns the n newest points, newest first.
func (s *Store) Latest(ctx context.Context, key string, n int64) ([]Point, error) {
	members, err := s.cache.ZRevRangeByScore(ctx, key, math.Inf(1), math.Inf(-1), n)
	if err != nil {
		return nil, err
	}
	return decodeMembers(members)
}

// Count returns the number of points currently stored under key.
func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	return s.cache.ZCard(ctx, key)
}

// SeriesStats returns Count/Mean/Stdev of the numeric values extracted
// by valueOf over every point currently stored under key.
func (s *Store) SeriesStats(ctx context.Context, key string, valueOf func(json.RawMessage) (float64, bool)) (Stats, error) {
	members, err := s.cache.ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return Stats{}, err
	}
	points, err := decodeMembers(members)
	if err != nil {
		return Stats{}, err
	}

	var xs []float64
	for _, p := range points {
		if v, ok := valueOf(p.Payload); ok {
			xs = append(xs, v)
		}
	}
	if len(xs) == 0 {
		return Stats{}, nil
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return Stats{
		Count: len(xs),
		Mean:  mean,
		Stdev: math.Sqrt(sumSq / float64(len(xs))),
	}, nil
}

// Delete removes the entire series under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.cache.Del(ctx, key)
}

func decodeMembers(members []string) ([]Point, error) {
	points := make([]Point, 0, len(members))
	for _, m := range members {
		ts, payload, err := parseMember(m)
		if err != nil {
			continue
		}
		points = append(points, Point{Timestamp: ts, Payload: payload})
	}
	return points, nil
}
