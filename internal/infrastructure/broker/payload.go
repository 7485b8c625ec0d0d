package broker

import (
	"encoding/json"
	"fmt"
	"time"

	domain "main/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
)

// RawLevel is one depth level on the wire: a positional array
// [price, quantity, order_count, extra]. The trailing extra object is
// reserved by the upstream feed and ignored here.
type RawLevel struct {
	Price      decimal.Decimal
	Quantity   int64
	OrderCount int64
}

func (l *RawLevel) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("level is not an array: %w", err)
	}
	if len(fields) < 2 {
		return fmt.Errorf("level has %d fields, want at least 2", len(fields))
	}
	if err := json.Unmarshal(fields[0], &l.Price); err != nil {
		return fmt.Errorf("level price: %w", err)
	}
	if err := json.Unmarshal(fields[1], &l.Quantity); err != nil {
		return fmt.Errorf("level quantity: %w", err)
	}
	if len(fields) > 2 {
		if err := json.Unmarshal(fields[2], &l.OrderCount); err != nil {
			return fmt.Errorf("level order count: %w", err)
		}
	}
	return nil
}

func (l RawLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.Price, l.Quantity, l.OrderCount, struct{}{}})
}

// RawSnapshot is the producer wire format for one order book snapshot.
type RawSnapshot struct {
	InstrumentID  string     `json:"instrument_id"`
	BidLevels     []RawLevel `json:"bid_levels"`
	AskLevels     []RawLevel `json:"ask_levels"`
	BidObservedAt string     `json:"bid_observed_at,omitempty"`
	AskObservedAt string     `json:"ask_observed_at,omitempty"`
}

// The upstream feed stamps observation times without a zone designator.
const feedTimeLayout = "2006-01-02 15:04:05.000"

func parseObservedAt(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(feedTimeLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse observed at %q: %w", value, err)
	}
	return ts, nil
}

// ToSnapshot converts the wire payload into the domain snapshot. It does not
// validate book semantics; that is the ingestion gateway's job.
func (r *RawSnapshot) ToSnapshot() (*domain.OrderBookSnapshot, error) {
	bidObserved, err := parseObservedAt(r.BidObservedAt)
	if err != nil {
		return nil, err
	}
	askObserved, err := parseObservedAt(r.AskObservedAt)
	if err != nil {
		return nil, err
	}
	return &domain.OrderBookSnapshot{
		InstrumentID:  r.InstrumentID,
		Bids:          toDomainLevels(r.BidLevels),
		Asks:          toDomainLevels(r.AskLevels),
		BidObservedAt: bidObserved,
		AskObservedAt: askObserved,
	}, nil
}

func toDomainLevels(raw []RawLevel) []domain.OrderBookLevel {
	if len(raw) == 0 {
		return nil
	}
	levels := make([]domain.OrderBookLevel, len(raw))
	for i, l := range raw {
		levels[i] = domain.OrderBookLevel{
			Price:      l.Price,
			Quantity:   l.Quantity,
			OrderCount: l.OrderCount,
		}
	}
	return levels
}

// FromSnapshot builds the wire payload from a domain snapshot; the producer
// uses it to publish synthetic books.
func FromSnapshot(s *domain.OrderBookSnapshot) *RawSnapshot {
	raw := &RawSnapshot{InstrumentID: s.InstrumentID}
	for _, l := range s.Bids {
		raw.BidLevels = append(raw.BidLevels, RawLevel{Price: l.Price, Quantity: l.Quantity, OrderCount: l.OrderCount})
	}
	for _, l := range s.Asks {
		raw.AskLevels = append(raw.AskLevels, RawLevel{Price: l.Price, Quantity: l.Quantity, OrderCount: l.OrderCount})
	}
	if !s.BidObservedAt.IsZero() {
		raw.BidObservedAt = s.BidObservedAt.Format(time.RFC3339Nano)
	}
	if !s.AskObservedAt.IsZero() {
		raw.AskObservedAt = s.AskObservedAt.Format(time.RFC3339Nano)
	}
	return raw
}
