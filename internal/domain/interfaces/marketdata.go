package interfaces

import (
	"context"
	"time"

	marketdata "main/internal/domain/entity/marketdata"
)

// SnapshotCache keeps the hot per-instrument state: one TTL-bounded latest
// slot and one bounded same-day history buffer. Absence is not an error;
// backend failures are.
type SnapshotCache interface {
	PutLatest(ctx context.Context, snapshot *marketdata.OrderBookSnapshot) error
	AppendHistory(ctx context.Context, snapshot *marketdata.OrderBookSnapshot) error
	GetLatest(ctx context.Context, instrumentID string) (*marketdata.OrderBookSnapshot, error)
	GetHistory(ctx context.Context, instrumentID string, since *time.Time, limit int) ([]marketdata.OrderBookSnapshot, error)
	GetToday(ctx context.Context, instrumentID string) ([]marketdata.OrderBookSnapshot, error)
	Invalidate(ctx context.Context, instrumentID string) error
	Healthy(ctx context.Context) bool
	Close() error
}

// MetricsRepository is the durable append-only time-series store.
type MetricsRepository interface {
	WriteMetrics(ctx context.Context, record *marketdata.MetricsRecord) error
	ReadRange(ctx context.Context, instrumentID string, start, end time.Time, limit int) ([]marketdata.MetricsRecord, error)
	ReadToday(ctx context.Context, instrumentID string) ([]marketdata.MetricsRecord, error)
	Close()
}

// MetricsSink decouples the hot ingestion path from the durable store.
// Enqueue never blocks beyond queue admission; durability lags liveness.
type MetricsSink interface {
	Enqueue(record *marketdata.MetricsRecord) error
	Healthy() bool
}

// DeliveryReport summarizes one fan-out attempt.
type DeliveryReport struct {
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

// Broadcaster fans one update out to every subscriber of its instrument.
// A failure on one connection never prevents delivery to the others.
type Broadcaster interface {
	Broadcast(instrumentID string, update *marketdata.Update) DeliveryReport
}
