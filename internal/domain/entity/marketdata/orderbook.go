package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookLevel holds one resting price level within a snapshot.
// Immutable once constructed.
type OrderBookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OrderCount int64           `json:"order_count"`
}

// OrderBookSnapshot represents a captured order book for one instrument.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	InstrumentID  string           `json:"instrument_id"`
	Bids          []OrderBookLevel `json:"bids"`
	Asks          []OrderBookLevel `json:"asks"`
	BidObservedAt time.Time        `json:"bid_observed_at"`
	AskObservedAt time.Time        `json:"ask_observed_at"`
	IngestedAt    time.Time        `json:"ingested_at"`

	// Anomalous marks snapshots whose derived metrics look wrong
	// (crossed book, non-positive mid). They are distributed anyway.
	Anomalous bool `json:"anomalous,omitempty"`
}

// Validate rejects snapshots that must never enter the pipeline:
// missing instrument, both sides empty, or a level with negative
// price or quantity.
func (s *OrderBookSnapshot) Validate() error {
	if s == nil {
		return ErrMalformedSnapshot
	}
	if s.InstrumentID == "" {
		return ErrMalformedSnapshot
	}
	if len(s.Bids) == 0 && len(s.Asks) == 0 {
		return ErrMalformedSnapshot
	}
	for _, level := range s.Bids {
		if level.Price.IsNegative() || level.Quantity < 0 {
			return ErrMalformedSnapshot
		}
	}
	for _, level := range s.Asks {
		if level.Price.IsNegative() || level.Quantity < 0 {
			return ErrMalformedSnapshot
		}
	}
	return nil
}

// Complete reports whether both book sides are populated. Only complete
// snapshots are eligible for derived metrics and persistence; one-sided
// books are still cached and forwarded as raw data.
func (s *OrderBookSnapshot) Complete() bool {
	return s != nil && len(s.Bids) > 0 && len(s.Asks) > 0
}

// BestBid returns the highest bid price. Bids are ordered descending,
// so this is the head level.
func (s *OrderBookSnapshot) BestBid() decimal.Decimal {
	if len(s.Bids) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask price.
func (s *OrderBookSnapshot) BestAsk() decimal.Decimal {
	if len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Asks[0].Price
}
