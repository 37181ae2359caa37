package usagelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// captureSink records every flushed entry for assertions.
type captureSink struct {
	mu      sync.Mutex
	entries []Entry
	batches int
}

func (s *captureSink) WriteBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	s.batches++
	return nil
}

func (s *captureSink) all() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func TestNewRequiresSinkAndContext(t *testing.T) {
	if _, err := New(nil, &captureSink{}); err == nil {
		t.Fatal("expected error for nil context")
	}
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}

func TestRecordFlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := Entry{
		ID:           uuid.New(),
		UserID:       "user-1",
		OrgID:        "org-1",
		Model:        "gpt-4o",
		Provider:     "openai",
		InputTokens:  120,
		OutputTokens: 60,
		Cost:         0.0042,
		LatencyMs:    850,
		Status:       200,
		Success:      true,
	}
	l.Record(want)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flushed %d entries, want 1", len(got))
	}
	if got[0].ID != want.ID || got[0].Cost != want.Cost || got[0].Model != want.Model {
		t.Errorf("entry = %+v, want %+v", got[0], want)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be defaulted when zero")
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < batchSize; i++ {
		l.Record(Entry{ID: uuid.New(), UserID: "user-1", Status: 200})
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.all()) >= batchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("flushed %d entries before deadline, want %d", len(sink.all()), batchSize)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCachedEntryZeroCost(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Record(Entry{
		ID:           uuid.New(),
		UserID:       "user-1",
		InputTokens:  100,
		OutputTokens: 50,
		Cost:         0,
		Cached:       true,
		Success:      true,
		Status:       200,
	})
	_ = l.Close()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flushed %d entries, want 1", len(got))
	}
	if !got[0].Cached || got[0].Cost != 0 {
		t.Errorf("cached entry must carry zero cost: %+v", got[0])
	}
	if got[0].InputTokens != 100 || got[0].OutputTokens != 50 {
		t.Errorf("cached entry keeps served token counts: %+v", got[0])
	}
}

func TestDroppedCounter(t *testing.T) {
	// A full channel with no running worker is simulated by filling beyond
	// the buffer before the worker can drain it.
	sink := &captureSink{}
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if l.Dropped() != 0 {
		t.Fatalf("Dropped = %d at start, want 0", l.Dropped())
	}
}

func TestDropInvokesCallback(t *testing.T) {
	// Unbuffered channel with no worker, so every Record takes the drop branch.
	l := &Logger{ch: make(chan Entry)}
	var calls int
	l.SetOnDrop(func() { calls++ })

	l.Record(Entry{ID: uuid.New()})
	l.Record(Entry{ID: uuid.New()})

	if l.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", l.Dropped())
	}
	if calls != 2 {
		t.Errorf("drop callback ran %d times, want 2", calls)
	}
}
