package marketdata

import (
	"time"

	"github.com/google/uuid"
)

// MetricsRecord is the append-only persistence unit: derived metrics plus the
// raw levels they were computed from, keyed by (instrument_id, observed_at).
type MetricsRecord struct {
	ID           uuid.UUID        `json:"id"`
	InstrumentID string           `json:"instrument_id"`
	ObservedAt   time.Time        `json:"observed_at"`
	Metrics      DerivedMetrics   `json:"metrics"`
	Bids         []OrderBookLevel `json:"bids"`
	Asks         []OrderBookLevel `json:"asks"`
}

// NewMetricsRecord builds the persistence record for a complete snapshot.
// ObservedAt favors the bid side timestamp, matching the upstream feed which
// stamps both sides independently.
func NewMetricsRecord(s *OrderBookSnapshot, metrics DerivedMetrics) *MetricsRecord {
	observedAt := s.BidObservedAt
	if observedAt.IsZero() {
		observedAt = s.AskObservedAt
	}
	if observedAt.IsZero() {
		observedAt = s.IngestedAt
	}
	return &MetricsRecord{
		ID:           uuid.New(),
		InstrumentID: s.InstrumentID,
		ObservedAt:   observedAt,
		Metrics:      metrics,
		Bids:         s.Bids,
		Asks:         s.Asks,
	}
}

// ToUpdate converts a snapshot into the outbound fan-out payload,
// recomputing metrics when both sides are present. Used for live
// distribution and for replaying the cached latest on subscribe.
func (s *OrderBookSnapshot) ToUpdate() *Update {
	update := &Update{
		InstrumentID: s.InstrumentID,
		Bids:         s.Bids,
		Asks:         s.Asks,
		ObservedAt:   s.BidObservedAt,
		IngestedAt:   s.IngestedAt,
		Anomalous:    s.Anomalous,
	}
	if update.ObservedAt.IsZero() {
		update.ObservedAt = s.AskObservedAt
	}
	if metrics, err := ComputeMetrics(s); err == nil {
		update.Metrics = &metrics
		if metrics.Anomalous() {
			update.Anomalous = true
		}
	}
	return update
}

// Update is the outbound fan-out payload for one ingested snapshot.
// Metrics is nil for one-sided books.
type Update struct {
	InstrumentID string           `json:"instrument_id"`
	Bids         []OrderBookLevel `json:"bids"`
	Asks         []OrderBookLevel `json:"asks"`
	Metrics      *DerivedMetrics  `json:"metrics,omitempty"`
	ObservedAt   time.Time        `json:"observed_at"`
	IngestedAt   time.Time        `json:"ingested_at"`
	Anomalous    bool             `json:"anomalous,omitempty"`
}
