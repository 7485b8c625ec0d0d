package persist

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	domain "main/internal/domain/entity/marketdata"

	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second

	// unhealthyAfter is the consecutive-failure threshold before the sink
	// reports itself degraded on the health surface.
	unhealthyAfter = 3
)

var ErrQueueFull = errors.New("persistence queue is full")

// WriterTo is the durable write half of the repository the worker drains into.
type WriterTo interface {
	WriteMetrics(ctx context.Context, record *domain.MetricsRecord) error
}

// WorkerConfig bounds the write-behind queue and each durable write.
type WorkerConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Worker is the bounded write-behind queue in front of the durable store.
// Ingestion enqueues and moves on; one goroutine drains. A full queue drops
// the newest record so a slow store can never stall producers.
type Worker struct {
	repo    WriterTo
	cfg     WorkerConfig
	queue   chan *domain.MetricsRecord
	logger  *logrus.Entry
	failure atomic.Int64
}

func NewWorker(repo WriterTo, cfg WorkerConfig, logger *logrus.Logger) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Worker{
		repo:   repo,
		cfg:    cfg,
		queue:  make(chan *domain.MetricsRecord, cfg.QueueSize),
		logger: logger.WithField("component", "persist_worker"),
	}
}

// Enqueue admits a record without blocking. ErrQueueFull means the record
// was dropped (drop-newest policy); the caller treats that as degradation,
// not failure.
func (w *Worker) Enqueue(record *domain.MetricsRecord) error {
	if record == nil {
		return errors.New("nil metrics record")
	}
	select {
	case w.queue <- record:
		return nil
	default:
		w.failure.Add(1)
		w.logger.WithField("instrument_id", record.InstrumentID).Warn("queue full, dropping metrics record")
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever is
// already queued. Always returns nil; write failures are absorbed into the
// health counter.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case record := <-w.queue:
			w.write(ctx, record)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case record := <-w.queue:
			// The run context is gone; each flush write gets its own deadline.
			w.write(context.Background(), record)
		default:
			return
		}
	}
}

func (w *Worker) write(ctx context.Context, record *domain.MetricsRecord) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	if err := w.repo.WriteMetrics(writeCtx, record); err != nil {
		w.failure.Add(1)
		w.logger.WithError(err).WithFields(logrus.Fields{
			"instrument_id": record.InstrumentID,
			"observed_at":   record.ObservedAt,
		}).Error("metrics write failed")
		return
	}
	w.failure.Store(0)
}

// Healthy reports whether recent writes are landing.
func (w *Worker) Healthy() bool {
	return w.failure.Load() < unhealthyAfter
}

// QueueDepth is exposed on the stats surface.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}
