package orchestrator_test

import (
	"context"
	"testing"

	"github.com/fetchkit/reqorchestrator/model"
	"github.com/fetchkit/reqorchestrator/orchestrator"
	"github.com/fetchkit/reqorchestrator/statustracker"
)

func TestPool_RunDomainsAggregatesAcrossWorkers(t *testing.T) {
	newOrch := func() *orchestrator.Orchestrator {
		s := newOrchestratorStore()
		r := &fakeRequester{responses: []requesterResult{{valid: true, code: 200}}}
		tracker := statustracker.New()
		return orchestrator.New(s, r, tracker, nil, newTestLogger())
	}

	pool := orchestrator.NewPool(2, newOrch, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	batches := map[int64][]model.PendingRequest{
		1: {pendingReq(1, 1, 1)},
		2: {pendingReq(2, 2, 1)},
	}

	total, err := pool.RunDomains(batches)
	if err != nil {
		t.Fatalf("RunDomains: %v", err)
	}
	if total != 2 {
		t.Errorf("got total successCount=%d, want 2", total)
	}
}

func TestNewPool_ZeroWorkersDefaultsToOne(t *testing.T) {
	newOrch := func() *orchestrator.Orchestrator {
		s := newOrchestratorStore()
		r := &fakeRequester{responses: []requesterResult{{valid: true, code: 200}}}
		tracker := statustracker.New()
		return orchestrator.New(s, r, tracker, nil, newTestLogger())
	}

	pool := orchestrator.NewPool(0, newOrch, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	total, err := pool.RunDomains(map[int64][]model.PendingRequest{1: {pendingReq(1, 1, 1)}})
	if err != nil {
		t.Fatalf("RunDomains: %v", err)
	}
	if total != 1 {
		t.Errorf("got %d, want 1", total)
	}
}
