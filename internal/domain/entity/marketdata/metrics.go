package marketdata

import "github.com/shopspring/decimal"

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// DerivedMetrics carries the summary values computed once per snapshot at
// ingestion. This is the unit written to the persistence sink.
type DerivedMetrics struct {
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	MidPrice      decimal.Decimal `json:"mid_price"`
	Spread        decimal.Decimal `json:"spread"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	BidVolume     int64           `json:"bid_volume"`
	AskVolume     int64           `json:"ask_volume"`
	TotalVolume   int64           `json:"total_volume"`
}

// Anomalous reports a crossed book (negative spread) or a non-positive
// mid price. Such metrics are distributed with a warning flag rather
// than dropped.
func (m DerivedMetrics) Anomalous() bool {
	return m.Spread.IsNegative() || !m.MidPrice.IsPositive()
}

// ComputeMetrics derives summary metrics from a snapshot. The snapshot
// must be complete (both sides populated); ErrIncompleteBook is returned
// otherwise and the zero value carries no meaning.
func ComputeMetrics(s *OrderBookSnapshot) (DerivedMetrics, error) {
	if !s.Complete() {
		return DerivedMetrics{}, ErrIncompleteBook
	}

	bestBid := s.BestBid()
	bestAsk := s.BestAsk()
	mid := bestBid.Add(bestAsk).Div(two)
	spread := bestAsk.Sub(bestBid)

	spreadPercent := decimal.Zero
	if mid.IsPositive() {
		spreadPercent = spread.Div(mid).Mul(hundred)
	}

	var bidVolume, askVolume int64
	for _, level := range s.Bids {
		bidVolume += level.Quantity
	}
	for _, level := range s.Asks {
		askVolume += level.Quantity
	}

	return DerivedMetrics{
		BestBid:       bestBid,
		BestAsk:       bestAsk,
		MidPrice:      mid,
		Spread:        spread,
		SpreadPercent: spreadPercent,
		BidVolume:     bidVolume,
		AskVolume:     askVolume,
		TotalVolume:   bidVolume + askVolume,
	}, nil
}
