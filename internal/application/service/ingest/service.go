package ingest

import (
	"context"
	"sync"
	"time"

	domain "main/internal/domain/entity/marketdata"
	interfaces "main/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

// Service is the single write-path entry point. For each snapshot it
// computes derived metrics, refreshes the cache, hands the metrics to the
// write-behind sink and fans the update out. Downstream failures degrade
// their own subsystem only; the sole hard error is malformed input.
type Service struct {
	cache       interfaces.SnapshotCache
	sink        interfaces.MetricsSink
	broadcaster interfaces.Broadcaster
	logger      *logrus.Entry

	// One lock per instrument keeps per-instrument ingestion ordered under
	// concurrent producers. Instruments never coordinate with each other.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(cache interfaces.SnapshotCache, sink interfaces.MetricsSink, broadcaster interfaces.Broadcaster, logger *logrus.Logger) *Service {
	return &Service{
		cache:       cache,
		sink:        sink,
		broadcaster: broadcaster,
		logger:      logger.WithField("component", "ingest"),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Service) instrumentLock(instrumentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[instrumentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[instrumentID] = lock
	}
	return lock
}

// Ingest processes one raw snapshot. It returns the fan-out delivery report
// and errors only on malformed input; cache and persistence degradation is
// logged and absorbed.
func (s *Service) Ingest(ctx context.Context, snapshot *domain.OrderBookSnapshot) (interfaces.DeliveryReport, error) {
	if err := snapshot.Validate(); err != nil {
		s.logger.WithError(err).Warn("rejected snapshot")
		return interfaces.DeliveryReport{}, err
	}

	lock := s.instrumentLock(snapshot.InstrumentID)
	lock.Lock()
	defer lock.Unlock()

	if snapshot.IngestedAt.IsZero() {
		snapshot.IngestedAt = time.Now().UTC()
	}
	log := s.logger.WithField("instrument_id", snapshot.InstrumentID)

	var metrics *domain.DerivedMetrics
	if snapshot.Complete() {
		computed, err := domain.ComputeMetrics(snapshot)
		if err == nil {
			metrics = &computed
			if computed.Anomalous() {
				// Crossed or degenerate book: forward with a warning flag
				// rather than drop, downstream still wants the raw levels.
				snapshot.Anomalous = true
				log.WithFields(logrus.Fields{
					"best_bid": computed.BestBid,
					"best_ask": computed.BestAsk,
				}).Warn("anomalous metrics")
			}
		}
	}

	if err := s.cache.PutLatest(ctx, snapshot); err != nil {
		log.WithError(err).Error("cache latest update failed")
	}
	if err := s.cache.AppendHistory(ctx, snapshot); err != nil {
		log.WithError(err).Error("cache history append failed")
	}

	if metrics != nil {
		if err := s.sink.Enqueue(domain.NewMetricsRecord(snapshot, *metrics)); err != nil {
			log.WithError(err).Warn("metrics not persisted")
		}
	}

	update := &domain.Update{
		InstrumentID: snapshot.InstrumentID,
		Bids:         snapshot.Bids,
		Asks:         snapshot.Asks,
		Metrics:      metrics,
		ObservedAt:   observedAt(snapshot),
		IngestedAt:   snapshot.IngestedAt,
		Anomalous:    snapshot.Anomalous,
	}
	return s.broadcaster.Broadcast(snapshot.InstrumentID, update), nil
}

func observedAt(s *domain.OrderBookSnapshot) time.Time {
	if !s.BidObservedAt.IsZero() {
		return s.BidObservedAt
	}
	if !s.AskObservedAt.IsZero() {
		return s.AskObservedAt
	}
	return s.IngestedAt
}
