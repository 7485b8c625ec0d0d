package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "main/internal/domain/entity/marketdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository appends derived-metric records to the time-series table and
// serves descending-time range scans for the reporting API.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const schemaQuery = `
	CREATE TABLE IF NOT EXISTS orderbook_metrics (
		record_id      UUID NOT NULL,
		instrument_id  TEXT NOT NULL,
		observed_at    TIMESTAMPTZ NOT NULL,
		best_bid       DOUBLE PRECISION NOT NULL,
		best_ask       DOUBLE PRECISION NOT NULL,
		mid_price      DOUBLE PRECISION NOT NULL,
		spread         DOUBLE PRECISION NOT NULL,
		spread_percent DOUBLE PRECISION NOT NULL,
		bid_volume     BIGINT NOT NULL,
		ask_volume     BIGINT NOT NULL,
		total_volume   BIGINT NOT NULL,
		bids           JSONB,
		asks           JSONB,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS orderbook_metrics_instrument_time_idx
		ON orderbook_metrics (instrument_id, observed_at DESC);`

// EnsureSchema creates the time-series table and its range-scan index.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaQuery); err != nil {
		return fmt.Errorf("ensure orderbook_metrics schema: %w", err)
	}
	return nil
}

const insertMetricsQuery = `
	INSERT INTO orderbook_metrics (
		record_id, instrument_id, observed_at,
		best_bid, best_ask, mid_price, spread, spread_percent,
		bid_volume, ask_volume, total_volume,
		bids, asks
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

func (r *Repository) WriteMetrics(ctx context.Context, record *domain.MetricsRecord) error {
	if record == nil {
		return errors.New("nil metrics record")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	bidsJSON, err := json.Marshal(record.Bids)
	if err != nil {
		return fmt.Errorf("marshal bids: %w", err)
	}
	asksJSON, err := json.Marshal(record.Asks)
	if err != nil {
		return fmt.Errorf("marshal asks: %w", err)
	}
	_, err = r.pool.Exec(ctx, insertMetricsQuery,
		record.ID,
		record.InstrumentID,
		record.ObservedAt,
		record.Metrics.BestBid.InexactFloat64(),
		record.Metrics.BestAsk.InexactFloat64(),
		record.Metrics.MidPrice.InexactFloat64(),
		record.Metrics.Spread.InexactFloat64(),
		record.Metrics.SpreadPercent.InexactFloat64(),
		record.Metrics.BidVolume,
		record.Metrics.AskVolume,
		record.Metrics.TotalVolume,
		bidsJSON,
		asksJSON,
	)
	if err != nil {
		return fmt.Errorf("insert metrics for %s: %w", record.InstrumentID, err)
	}
	return nil
}

const readRangeQuery = `
	SELECT record_id, instrument_id, observed_at,
	       best_bid, best_ask, mid_price, spread, spread_percent,
	       bid_volume, ask_volume, total_volume,
	       bids, asks
	FROM orderbook_metrics
	WHERE instrument_id=$1 AND observed_at >= $2 AND observed_at <= $3
	ORDER BY observed_at DESC
	LIMIT $4`

// ReadRange returns records for [start, end], newest first.
func (r *Repository) ReadRange(ctx context.Context, instrumentID string, start, end time.Time, limit int) ([]domain.MetricsRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if start.After(end) {
		start, end = end, start
	}
	rows, err := r.pool.Query(ctx, readRangeQuery, instrumentID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("read metrics range for %s: %w", instrumentID, err)
	}
	defer rows.Close()

	var records []domain.MetricsRecord
	for rows.Next() {
		var (
			record   domain.MetricsRecord
			bestBid  float64
			bestAsk  float64
			mid      float64
			spread   float64
			spreadPc float64
			bidsJSON []byte
			asksJSON []byte
		)
		err := rows.Scan(
			&record.ID,
			&record.InstrumentID,
			&record.ObservedAt,
			&bestBid,
			&bestAsk,
			&mid,
			&spread,
			&spreadPc,
			&record.Metrics.BidVolume,
			&record.Metrics.AskVolume,
			&record.Metrics.TotalVolume,
			&bidsJSON,
			&asksJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metrics record: %w", err)
		}
		record.Metrics.BestBid = decimal.NewFromFloat(bestBid)
		record.Metrics.BestAsk = decimal.NewFromFloat(bestAsk)
		record.Metrics.MidPrice = decimal.NewFromFloat(mid)
		record.Metrics.Spread = decimal.NewFromFloat(spread)
		record.Metrics.SpreadPercent = decimal.NewFromFloat(spreadPc)
		if len(bidsJSON) > 0 {
			if err := json.Unmarshal(bidsJSON, &record.Bids); err != nil {
				return nil, fmt.Errorf("decode bids: %w", err)
			}
		}
		if len(asksJSON) > 0 {
			if err := json.Unmarshal(asksJSON, &record.Asks); err != nil {
				return nil, fmt.Errorf("decode asks: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

const readTodayLimit = 10000

// ReadToday is ReadRange from local midnight to now.
func (r *Repository) ReadToday(ctx context.Context, instrumentID string) ([]domain.MetricsRecord, error) {
	now := time.Now()
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	return r.ReadRange(ctx, instrumentID, midnight, now, readTodayLimit)
}
