package postgres

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/session/history"
)

const (
	journalBatch      = 64
	journalFlushWait  = 5 * time.Second
	journalWriteLimit = 10 * time.Second
)

// Appender stores batches of records.
type Appender interface {
	Append(ctx context.Context, records ...Record) error
}

// Journal queues history entries and writes them in the background. It
// implements session.Journal.
type Journal struct {
	store   Appender
	queue   chan Record
	logger  *zap.Logger
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewJournal creates a Journal that buffers up to size entries.
//
// Precondition: store and logger must be non-nil; size > 0.
func NewJournal(store Appender, size int, logger *zap.Logger) *Journal {
	return &Journal{
		store:  store,
		queue:  make(chan Record, size),
		logger: logger,
	}
}

// Record queues e for storage. It never blocks; when the queue is full the
// entry is dropped.
func (j *Journal) Record(sessionID int, e history.Entry) {
	select {
	case j.queue <- Record{SessionID: sessionID, Entry: e}:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn("journal queue full, dropping entries",
				zap.Int("session", sessionID),
				zap.Int64("dropped", n),
			)
		}
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Failed returns how many entries could not be written.
func (j *Journal) Failed() int64 {
	return j.failed.Load()
}

// Run writes queued entries until ctx is cancelled, then flushes what is left.
//
// Postcondition: every entry queued before ctx was cancelled has been written
// or counted as failed.
func (j *Journal) Run(ctx context.Context) error {
	batch := make([]Record, 0, journalBatch)
	for {
		select {
		case rec := <-j.queue:
			batch = append(batch[:0], rec)
			batch = j.fill(batch)
			j.write(ctx, batch)
		case <-ctx.Done():
			j.flush()
			return nil
		}
	}
}

// fill adds whatever is already queued to batch without waiting.
func (j *Journal) fill(batch []Record) []Record {
	for len(batch) < journalBatch {
		select {
		case rec := <-j.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), journalFlushWait)
	defer cancel()
	for {
		batch := j.fill(make([]Record, 0, journalBatch))
		if len(batch) == 0 {
			return
		}
		j.write(ctx, batch)
	}
}

func (j *Journal) write(ctx context.Context, batch []Record) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, journalWriteLimit)
	defer cancel()

	start := time.Now()
	if err := j.store.Append(ctx, batch...); err != nil {
		j.failed.Add(int64(len(batch)))
		j.logger.Error("writing journal batch",
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
		return
	}
	j.logger.Debug("journal batch written",
		zap.Int("entries", len(batch)),
		zap.Duration("elapsed", time.Since(start)),
	)
}
