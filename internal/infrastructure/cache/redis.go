package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "main/internal/domain/entity/marketdata"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL             = time.Hour
	defaultHistoryCapacity = 100
	defaultOpTimeout       = 5 * time.Second
)

// Options controls cache policy. TTL and capacity are policy knobs, not
// invariants: high-frequency instruments stay memory-bounded through the
// capacity cap regardless of snapshot rate.
type Options struct {
	TTL             time.Duration
	HistoryCapacity int
	OpTimeout       time.Duration
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = defaultHistoryCapacity
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
}

// Store keeps the latest snapshot and a bounded same-day history per
// instrument in Redis. The latest slot and the history buffer are separate
// keys with independent TTLs, so the latest stays warm even after history
// rolls over.
type Store struct {
	client *redis.Client
	opts   Options
}

func NewStore(client *redis.Client, opts Options) *Store {
	opts.defaults()
	return &Store{client: client, opts: opts}
}

func latestKey(instrumentID string) string {
	return fmt.Sprintf("orderbook:%s:latest", instrumentID)
}

func historyKey(instrumentID string) string {
	return fmt.Sprintf("orderbook:%s:history", instrumentID)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// PutLatest overwrites the latest slot and resets its TTL.
func (s *Store) PutLatest(ctx context.Context, snapshot *domain.OrderBookSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Set(ctx, latestKey(snapshot.InstrumentID), payload, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("cache latest for %s: %w", snapshot.InstrumentID, err)
	}
	return nil
}

// AppendHistory pushes to the head of the bounded buffer, trims the tail
// past capacity and refreshes the buffer TTL.
func (s *Store) AppendHistory(ctx context.Context, snapshot *domain.OrderBookSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := historyKey(snapshot.InstrumentID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(s.opts.HistoryCapacity-1))
	pipe.Expire(ctx, key, s.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history for %s: %w", snapshot.InstrumentID, err)
	}
	return nil
}

// GetLatest returns (nil, nil) when the slot was never set or expired.
func (s *Store) GetLatest(ctx context.Context, instrumentID string) (*domain.OrderBookSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := s.client.Get(ctx, latestKey(instrumentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest for %s: %w", instrumentID, err)
	}
	var snapshot domain.OrderBookSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode latest for %s: %w", instrumentID, err)
	}
	return &snapshot, nil
}

// GetHistory returns entries newest first. With since set, only entries
// ingested at or after it are returned; limit caps the result either way.
func (s *Store) GetHistory(ctx context.Context, instrumentID string, since *time.Time, limit int) ([]domain.OrderBookSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := historyKey(instrumentID)
	stop := int64(limit - 1)
	if since != nil || limit <= 0 {
		// Filtering needs the full window; trim to limit afterwards.
		stop = -1
	}
	entries, err := s.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get history for %s: %w", instrumentID, err)
	}

	snapshots := make([]domain.OrderBookSnapshot, 0, len(entries))
	for _, entry := range entries {
		var snapshot domain.OrderBookSnapshot
		if err := json.Unmarshal([]byte(entry), &snapshot); err != nil {
			continue
		}
		if since != nil && snapshot.IngestedAt.Before(*since) {
			continue
		}
		snapshots = append(snapshots, snapshot)
		if limit > 0 && len(snapshots) >= limit {
			break
		}
	}
	return snapshots, nil
}

// GetToday returns this calendar day's history, newest first.
func (s *Store) GetToday(ctx context.Context, instrumentID string) ([]domain.OrderBookSnapshot, error) {
	midnight := localMidnight(time.Now())
	return s.GetHistory(ctx, instrumentID, &midnight, 0)
}

// Invalidate removes both the latest slot and the history buffer. Idempotent.
func (s *Store) Invalidate(ctx context.Context, instrumentID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Del(ctx, latestKey(instrumentID), historyKey(instrumentID)).Err(); err != nil {
		return fmt.Errorf("invalidate cache for %s: %w", instrumentID, err)
	}
	return nil
}

// Healthy reports whether the backend answers a ping within the op timeout.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func localMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location())
}
