// Package usagelog records one accounting entry per proxied request.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine so accounting never blocks the proxy hot path.
// When the channel fills up new entries are dropped and counted.
package usagelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is a single usage record. Cost is in USD; cached responses carry the
// tokens they served but a zero cost.
type Entry struct {
	ID           uuid.UUID
	UserID       string
	OrgID        string
	KeyID        string
	Model        string
	Provider     string
	InputTokens  uint32
	OutputTokens uint32
	Cost         float64
	LatencyMs    uint16
	Status       uint16
	Success      bool
	Cached       bool
	CreatedAt    time.Time
}

// Sink persists flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

// Logger buffers entries and flushes them to a Sink.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
	onDrop  func()

	baseCtx context.Context
	sink    Sink
}

func New(ctx context.Context, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usagelog: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("usagelog: sink must not be nil")
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// SetOnDrop installs a callback invoked once per dropped entry, for metric
// wiring. Must be set before the first Record call.
func (l *Logger) SetOnDrop(fn func()) { l.onDrop = fn }

// Record enqueues an entry. Never blocks.
func (l *Logger) Record(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

// Dropped returns the number of entries discarded due to backpressure.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the channel, flushes the final batch, and stops the worker.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		// Sink errors are already logged by the sink; entries in a failed
		// batch are not retried.
		_ = l.sink.WriteBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, normalize(entry))
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, normalize(entry))
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalize(e Entry) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e
}
