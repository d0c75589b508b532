package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
)

// NOTE: These tests are intentionally DB-free; the claim/backoff/DEAD cycle
// against a real MySQL is covered by the models integration test.

func TestNewSyncDispatcher_DefaultsToLogPublisher(t *testing.T) {
	d := NewSyncDispatcher(nil, nil, nil)
	if d.Publisher == nil {
		t.Fatal("dispatcher must always have a publisher")
	}
	if _, ok := d.Publisher.(LogPublisher); !ok {
		t.Errorf("nil publisher should fall back to LogPublisher, got %T", d.Publisher)
	}
	if d.MaxAttempts <= 0 || d.BatchSize <= 0 {
		t.Errorf("defaults not applied: %+v", d)
	}
}

func TestLogPublisher_ReturnsSyntheticId(t *testing.T) {
	id, err := LogPublisher{}.Publish(context.Background(), "clinic-1", config.SyncMessage{InvoiceId: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "log:") {
		t.Errorf("id = %q, want log: prefix", id)
	}
}

func TestDispatcher_NilDBIsNoop(t *testing.T) {
	d := NewSyncDispatcher(nil, nil, LogPublisher{})
	// must not panic while dependencies are still connecting
	d.dispatchOnce(context.Background())
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	d := NewSyncDispatcher(nil, nil, LogPublisher{})
	d.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}
