package statustracker_test

import (
	"testing"
	"time"

	"github.com/fetchkit/reqorchestrator/model"
	"github.com/fetchkit/reqorchestrator/statustracker"
)

func newReadyTracker(domainID int64, bpsLimit *int64) *statustracker.Tracker {
	tr := statustracker.New()
	tr.Reset(nil, map[int64]model.DomainPolicy{
		domainID: {DomainID: domainID, BPSLimit: bpsLimit},
	})
	return tr
}

func TestPickRequest_NoCandidatesReturnsFalse(t *testing.T) {
	tr := statustracker.New()
	tr.Reset(nil, map[int64]model.DomainPolicy{})
	_, ok := tr.PickRequest(nil, time.Now().UTC())
	if ok {
		t.Fatal("expected ok=false for empty pending list")
	}
}

func TestPickRequest_FiltersUnknownDomain(t *testing.T) {
	tr := statustracker.New()
	tr.Reset(nil, map[int64]model.DomainPolicy{})
	pending := []model.PendingRequest{{RequestID: 1, DomainID: 99, HeaderID: 1}}
	_, ok := tr.PickRequest(pending, time.Now().UTC())
	if ok {
		t.Fatal("expected requests for domains absent from the policy snapshot to be filtered out")
	}
}

func TestPickRequest_ReturnsOnlyCandidate(t *testing.T) {
	tr := newReadyTracker(1, nil)
	pending := []model.PendingRequest{{RequestID: 1, DomainID: 1, HeaderID: 1}}
	got, ok := tr.PickRequest(pending, time.Now().UTC())
	if !ok {
		t.Fatal("expected a candidate to be picked")
	}
	if got.RequestID != 1 {
		t.Errorf("got RequestID=%d, want 1", got.RequestID)
	}
}

func TestRecordOutcome_FailedPairNotRepickedSameTick(t *testing.T) {
	tr := newReadyTracker(1, nil)
	tr.RecordOutcome(1, 1, false)

	pending := []model.PendingRequest{{RequestID: 1, DomainID: 1, HeaderID: 1}}
	_, ok := tr.PickRequest(pending, time.Now().UTC())
	if ok {
		t.Fatal("a pair that failed this tick must not be picked again within the same tick")
	}
}

func TestRecordOutcome_SatisfiedPairStaysEligible(t *testing.T) {
	tr := newReadyTracker(1, nil)
	tr.RecordOutcome(1, 1, true)

	pending := []model.PendingRequest{{RequestID: 1, DomainID: 1, HeaderID: 1}}
	_, ok := tr.PickRequest(pending, time.Now().UTC())
	if !ok {
		t.Fatal("a satisfied pair must remain eligible")
	}
}

func TestDomainMask_BPSLimitExcludesOverLimitDomain(t *testing.T) {
	limit := int64(10)
	tr := newReadyTracker(1, &limit)

	base := time.Now().UTC()
	tr.RecordBytes(1, base, 1000)
	later := base.Add(time.Second)

	pending := []model.PendingRequest{{RequestID: 1, DomainID: 1, HeaderID: 1}}
	_, ok := tr.PickRequest(pending, later)
	if ok {
		t.Fatal("expected domain over its BPS limit to be excluded")
	}
}

func TestDomainMask_WithinBPSLimitRemainsEligible(t *testing.T) {
	limit := int64(1_000_000)
	tr := newReadyTracker(1, &limit)

	base := time.Now().UTC()
	tr.RecordBytes(1, base, 10)
	later := base.Add(time.Second)

	pending := []model.PendingRequest{{RequestID: 1, DomainID: 1, HeaderID: 1}}
	_, ok := tr.PickRequest(pending, later)
	if !ok {
		t.Fatal("expected domain within its BPS limit to remain eligible")
	}
}

func TestDomainBPS_ZeroWithoutSamples(t *testing.T) {
	tr := statustracker.New()
	if bps := tr.DomainBPS(1, time.Now().UTC()); bps != 0 {
		t.Errorf("got %v, want 0 for a domain with no recorded samples", bps)
	}
}

func TestRecordBytes_RingBufferTrimsOldestSamples(t *testing.T) {
	tr := statustracker.New()
	base := time.Now().UTC()
	// Push more than the 25-sample cap; the BPS window should still only
	// reflect the most recent 25 samples, not the full history.
	for i := 0; i < 30; i++ {
		tr.RecordBytes(1, base.Add(time.Duration(i)*time.Second), 100)
	}
	now := base.Add(30 * time.Second)
	bps := tr.DomainBPS(1, now)
	if bps <= 0 {
		t.Errorf("expected positive BPS after recording samples, got %v", bps)
	}
}
