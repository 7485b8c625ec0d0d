package marketdata

import (
	"context"
	"errors"
	"time"

	marketdata "main/internal/domain/entity/marketdata"
	interfaces "main/internal/domain/interfaces"
)

var (
	ErrMissingInstrument = errors.New("instrument id is required")
	ErrInvalidLimit      = errors.New("limit must be positive")
)

const defaultRangeLimit = 1000

// Service is the read path over the durable metrics store, backing the
// reporting API.
type Service struct {
	repo interfaces.MetricsRepository
}

func NewService(repo interfaces.MetricsRepository) *Service {
	return &Service{repo: repo}
}

// GetRange returns persisted metrics records for the window, newest first.
func (s *Service) GetRange(ctx context.Context, instrumentID string, from, to time.Time, limit int) ([]marketdata.MetricsRecord, error) {
	if instrumentID == "" {
		return nil, ErrMissingInstrument
	}
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	if limit == 0 {
		limit = defaultRangeLimit
	}
	if from.After(to) {
		from, to = to, from
	}
	return s.repo.ReadRange(ctx, instrumentID, from, to, limit)
}

// GetToday returns records from local midnight onward, newest first.
func (s *Service) GetToday(ctx context.Context, instrumentID string) ([]marketdata.MetricsRecord, error) {
	if instrumentID == "" {
		return nil, ErrMissingInstrument
	}
	return s.repo.ReadToday(ctx, instrumentID)
}

func (s *Service) Close() {
	s.repo.Close()
}
