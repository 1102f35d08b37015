package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDegradedModeTransitions(t *testing.T) {
	d := NewDegradedMode()
	if d.IsDegraded() {
		t.Fatal("expected normal mode at start")
	}

	d.MarkStoreUnavailable()
	if !d.IsDegraded() || d.IsStoreAvailable() {
		t.Fatal("expected degraded mode after store marked unavailable")
	}

	d.MarkStoreAvailable()
	if d.IsDegraded() {
		t.Error("expected normal mode once store recovers")
	}
}

func TestDegradedModeRequiresAllDependenciesToRecover(t *testing.T) {
	d := NewDegradedMode()
	d.MarkStoreUnavailable()
	d.MarkEventBusUnavailable()

	d.MarkStoreAvailable()
	if !d.IsDegraded() {
		t.Error("expected to remain degraded while event bus is still down")
	}

	d.MarkEventBusAvailable()
	if d.IsDegraded() {
		t.Error("expected normal mode once both dependencies recover")
	}
}

func TestSetInCacheAndGetFromCache(t *testing.T) {
	d := NewDegradedMode()
	d.SetInCache("runtime:rt1:heartbeat", "payload", time.Minute)

	got, ok := d.GetFromCache("runtime:rt1:heartbeat")
	if !ok || got != "payload" {
		t.Errorf("expected cached value, got %v ok=%v", got, ok)
	}
	if d.GetPendingWriteCount() != 1 {
		t.Errorf("expected 1 pending write, got %d", d.GetPendingWriteCount())
	}
}

func TestWithFallbackUsesFallbackOnPrimaryFailure(t *testing.T) {
	d := NewDegradedMode()
	called := false
	err := d.WithFallback(context.Background(),
		func(ctx context.Context) error { return errors.New("primary down") },
		func(ctx context.Context) error { called = true; return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fallback to run")
	}
}

func TestWithFallbackReturnsErrorWhenBothFail(t *testing.T) {
	d := NewDegradedMode()
	err := d.WithFallback(context.Background(),
		func(ctx context.Context) error { return errors.New("primary down") },
		func(ctx context.Context) error { return errors.New("fallback down") })
	if err == nil {
		t.Fatal("expected error when both primary and fallback fail")
	}
}
