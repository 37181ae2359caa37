package proxy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBestEffort_Completes(t *testing.T) {
	gw := newTestGateway(t, nil)

	ran := false
	ok := gw.bestEffort(context.Background(), "get", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ok || !ran {
		t.Errorf("expected completed operation, ok=%v ran=%v", ok, ran)
	}
}

func TestBestEffort_Error(t *testing.T) {
	gw := newTestGateway(t, nil)

	ok := gw.bestEffort(context.Background(), "set", time.Second, func(ctx context.Context) error {
		return errors.New("backend down")
	})
	if ok {
		t.Error("failed operation must report false")
	}
}

func TestBestEffort_Timeout(t *testing.T) {
	gw := newTestGateway(t, nil)

	start := time.Now()
	ok := gw.bestEffort(context.Background(), "get", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if ok {
		t.Error("timed-out operation must report false")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("bestEffort blocked past its deadline: %v", elapsed)
	}
}

func TestBestEffort_SurvivesCancelledRequest(t *testing.T) {
	gw := newTestGateway(t, nil)

	// The request context is already cancelled; the operation still gets its
	// own deadline and must run to completion.
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	ok := gw.bestEffort(reqCtx, "set", time.Second, func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ran = true
		return nil
	})
	if !ok || !ran {
		t.Errorf("operation should outlive the request context, ok=%v ran=%v", ok, ran)
	}
}
