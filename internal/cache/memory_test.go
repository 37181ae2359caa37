package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(ctx)
	defer m.Close()

	want := testEntry()
	if err := m.Set(ctx, "cache:k", want, time.Hour, "user-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := m.Get(ctx, "cache:k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Response) != string(want.Response) {
		t.Errorf("Response = %s, want %s", got.Response, want.Response)
	}
	if got.TokenCount != want.TokenCount {
		t.Errorf("TokenCount = %+v, want %+v", got.TokenCount, want.TokenCount)
	}
}

func TestMemoryMiss(t *testing.T) {
	m := NewMemoryStore(context.Background())
	defer m.Close()

	if _, ok := m.Get(context.Background(), "cache:absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestMemoryLazyExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(ctx)
	defer m.Close()

	if err := m.Set(ctx, "cache:short", testEntry(), 10*time.Millisecond, "user-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(ctx, "cache:short"); ok {
		t.Fatal("entry should have expired")
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after lazy expiry, want 0", m.Len())
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(ctx)
	defer m.Close()

	if err := m.RecordStat(ctx, "user-1", true, 0.02); err != nil {
		t.Fatalf("RecordStat: %v", err)
	}
	if err := m.RecordStat(ctx, "user-1", false, 0); err != nil {
		t.Fatalf("RecordStat: %v", err)
	}

	stats, err := m.Stats(ctx, "user-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Savings != 0.02 {
		t.Errorf("savings = %v, want 0.02", stats.Savings)
	}
}

func TestMemoryClearUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(ctx)
	defer m.Close()

	_ = m.Set(ctx, "cache:a", testEntry(), time.Hour, "user-1")
	_ = m.Set(ctx, "cache:b", testEntry(), time.Hour, "user-2")
	_ = m.RecordStat(ctx, "user-1", true, 0.01)

	if err := m.ClearUser(ctx, "user-1"); err != nil {
		t.Fatalf("ClearUser: %v", err)
	}

	if _, ok := m.Get(ctx, "cache:a"); ok {
		t.Error("user-1 entry should be gone")
	}
	if _, ok := m.Get(ctx, "cache:b"); !ok {
		t.Error("user-2 entry must survive")
	}

	stats, _ := m.Stats(ctx, "user-1")
	if stats != (UserStats{}) {
		t.Errorf("stats should be reset, got %+v", stats)
	}
}

func TestMemoryStoreImplementsStore(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
}
