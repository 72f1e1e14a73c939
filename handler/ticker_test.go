package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/fetchkit/reqorchestrator/handler"
)

func TestTicker_CallsExecuteTickPeriodically(t *testing.T) {
	fs := newFakeStore()
	fs.activeDomainIDs = nil // no work; we only care that ExecuteTick runs without error
	h := handler.New(fs, nil, newTestLogger())

	ticker := handler.NewTicker(h, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	ticker.Stop()

	// Calling Stop a second time must not panic (idempotence).
	ticker.Stop()
}

func TestTicker_StopIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	h := handler.New(fs, nil, newTestLogger())
	ticker := handler.NewTicker(h, time.Second)

	ticker.Stop()
	ticker.Stop()
}
