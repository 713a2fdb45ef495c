package similarity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
)

// Index looks up and records historical fixes. Query degrades to an empty
// result on timeout or store failure; Record is fire-and-forget.
type Index interface {
	Query(ctx context.Context, signatureHash string, limit int) []*models.HistoricalFixRecord
	Record(rec *models.HistoricalFixRecord)
}

const (
	defaultQueryTimeout = 2 * time.Second
	defaultQueueSize    = 64
	recordMaxRetries    = 3
	recordRetryDelay    = 500 * time.Millisecond
)

// StoreIndex implements Index against the session store's historical_fixes
// table. Writes go through a background worker so that a slow or unavailable
// store never holds up the session resolution path.
type StoreIndex struct {
	store   store.Store
	logger  *slog.Logger
	timeout time.Duration

	queue    chan *models.HistoricalFixRecord
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Index = (*StoreIndex)(nil)

// NewStoreIndex creates a StoreIndex and starts its record worker. Call
// Close to drain pending records on shutdown.
func NewStoreIndex(s store.Store, logger *slog.Logger) *StoreIndex {
	idx := &StoreIndex{
		store:   s,
		logger:  logger,
		timeout: defaultQueryTimeout,
		queue:   make(chan *models.HistoricalFixRecord, defaultQueueSize),
		stop:    make(chan struct{}),
	}
	idx.wg.Add(1)
	go idx.worker()
	return idx
}

// Query returns up to limit confirmed fixes for the signature, newest first.
// Any failure is logged and absorbed.
func (s *StoreIndex) Query(ctx context.Context, signatureHash string, limit int) []*models.HistoricalFixRecord {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.store.ListHistoricalFixesBySignature(ctx, signatureHash, limit)
	if err != nil {
		s.logger.Warn("similarity query failed, returning empty result",
			"signature", signatureHash, "error", err)
		return nil
	}
	return records
}

// Record enqueues a historical fix for persistence. If the queue is full, or
// the worker has already been stopped by Close, the record is written
// synchronously so it is never dropped.
func (s *StoreIndex) Record(rec *models.HistoricalFixRecord) {
	select {
	case <-s.stop:
		// No worker left to drain the queue.
		s.persist(rec)
		return
	default:
	}
	select {
	case s.queue <- rec:
	default:
		s.persist(rec)
	}
}

// Close stops the worker after draining all queued records. Safe to call
// more than once.
func (s *StoreIndex) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *StoreIndex) worker() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.persist(rec)
		case <-s.stop:
			for {
				select {
				case rec := <-s.queue:
					s.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *StoreIndex) persist(rec *models.HistoricalFixRecord) {
	var err error
	for i := 0; i < recordMaxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.store.CreateHistoricalFix(ctx, rec)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(recordRetryDelay)
	}
	s.logger.Error("failed to persist historical fix",
		"signature", rec.SignatureHash, "session_id", rec.SessionID, "error", err)
}
