// Package ledger is the append-only usage log. It stores and returns usage
// records but never aggregates them.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/metrics"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidRange is returned by Query when To is not after From.
var ErrInvalidRange = errors.New("ledger: query range is empty")

// Filter selects usage records. From is inclusive, To is exclusive; a zero
// bound is open.
type Filter struct {
	UserID      string
	Actions     []models.ActionType
	SuccessOnly bool
	From        time.Time
	To          time.Time

	// Columns narrows the fields a store loads. Empty loads whole records.
	// Stores always return id and created_at.
	Columns []string
}

// Store persists usage records. Insert must be a plain append so concurrent
// writers for the same user never conflict.
type Store interface {
	Insert(ctx context.Context, records []models.UsageRecord) error
	Find(ctx context.Context, filter Filter) ([]models.UsageRecord, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// Config tunes the background writer.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Ledger buffers usage records and writes them in batches on a background
// goroutine. Record never blocks and never reports failure to the caller.
// Queued records are visible to Query before they reach the store.
type Ledger struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	pendingMu sync.Mutex
	pending   map[uuid.UUID]models.UsageRecord

	queue    chan models.UsageRecord
	flushReq chan chan struct{}
	done     chan struct{}
	stopped  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts a Ledger writing to store.
func New(store Store, cfg Config, m *metrics.Metrics) *Ledger {
	cfg = cfg.withDefaults()
	l := &Ledger{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		pending:  make(map[uuid.UUID]models.UsageRecord),
		queue:    make(chan models.UsageRecord, cfg.BufferSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues a usage record for writing. When the queue is full or the
// ledger is closed the record is dropped and logged.
func (l *Ledger) Record(rec models.UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	if l.closed.Load() {
		l.drop(rec, "ledger closed")
		return
	}

	l.addPending(rec)
	select {
	case l.queue <- rec:
	default:
		l.removePending([]models.UsageRecord{rec})
		l.drop(rec, "ledger queue full")
	}
}

func (l *Ledger) addPending(rec models.UsageRecord) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	l.pending[rec.ID] = rec
}

func (l *Ledger) removePending(records []models.UsageRecord) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	for _, rec := range records {
		delete(l.pending, rec.ID)
	}
}

func (l *Ledger) pendingMatching(filter Filter) []models.UsageRecord {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	var out []models.UsageRecord
	for _, rec := range l.pending {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	return out
}

func (l *Ledger) drop(rec models.UsageRecord, reason string) {
	l.metrics.LedgerRecords("dropped", 1)
	log.WithFields(log.Fields{
		"user_id": rec.UserID,
		"action":  rec.ActionType,
	}).Warn("usage ledger: " + reason + ", dropping record")
}

// Query returns the records matching filter in creation order, including
// records still queued for writing.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]models.UsageRecord, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return nil, ErrInvalidRange
	}

	// Pending is read before the store: a record leaves pending only after
	// its insert returned, so it is seen at least once.
	pending := l.pendingMatching(filter)
	stored, err := l.store.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return stored, nil
	}

	seen := make(map[uuid.UUID]struct{}, len(stored))
	for _, rec := range stored {
		seen[rec.ID] = struct{}{}
	}
	out := stored
	for _, rec := range pending {
		if _, ok := seen[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Reset deletes every record of a user. It is the only way rows leave the
// ledger and is meant for administrators.
func (l *Ledger) Reset(ctx context.Context, userID string) (int64, error) {
	if err := l.Flush(ctx); err != nil {
		return 0, err
	}
	return l.store.DeleteByUser(ctx, userID)
}

// Flush blocks until every record queued before the call has been handed to
// the store.
func (l *Ledger) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case l.flushReq <- ack:
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after draining the queue.
func (l *Ledger) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) run() {
	defer close(l.stopped)

	batch := make([]models.UsageRecord, 0, l.cfg.BatchSize)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-l.queue:
			batch = append(batch, rec)
			if len(batch) >= l.cfg.BatchSize {
				batch = l.write(batch)
			}
		case <-ticker.C:
			batch = l.write(batch)
		case ack := <-l.flushReq:
			batch = l.write(l.drain(batch))
			close(ack)
		case <-l.done:
			l.write(l.drain(batch))
			return
		}
	}
}

func (l *Ledger) drain(batch []models.UsageRecord) []models.UsageRecord {
	for {
		select {
		case rec := <-l.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// write hands the batch to the store and returns an emptied batch.
func (l *Ledger) write(batch []models.UsageRecord) []models.UsageRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	if err := l.store.Insert(ctx, batch); err != nil {
		l.metrics.LedgerRecords("failed", len(batch))
		log.WithError(err).WithField("records", len(batch)).Error("usage ledger: failed to write records")
	} else {
		l.metrics.LedgerRecords("written", len(batch))
	}
	l.removePending(batch)
	return make([]models.UsageRecord, 0, l.cfg.BatchSize)
}
