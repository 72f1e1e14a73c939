// Package statustracker decides which pending request may be dispatched
// next within one orchestrator tick: a per-domain BPS throttle combined
// with a per-(domain,header) "already failed this tick" guard.
//
// Ported field-for-field from the original's _StatusManager
// (control/requesthandling.py): the BPS ring buffer, the domain mask, the
// domain-header mask, and the uniform-random tie-break in PickRequest all
// mirror that class's put_bps_info / _get_domain_mask /
// _get_domain_header_mask / pick_request.
package statustracker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fetchkit/reqorchestrator/model"
)

// bpsBufferLength caps the BPS ring buffer at 25 samples per domain,
// matching the original's bps_buffer_length default.
const bpsBufferLength = 25

type bpsSample struct {
	at    time.Time
	bytes int64
}

// domainHeaderKey identifies one (domain, header) pair tracked for the
// duration of a tick.
type domainHeaderKey struct {
	DomainID int64
	HeaderID int64
}

// Tracker holds the mutable state needed to pick and score requests across
// one orchestrator tick. It is not safe for concurrent ticks against the
// same domain set; callers run one tick at a time per Tracker (spec.md §5:
// StatusTracker state is per-process unless moved into the Store, see the
// Parallel variant).
type Tracker struct {
	mu sync.Mutex

	bpsBuffers map[int64][]bpsSample

	// status is this tick's view of DomainStatus, seeded from the Store at
	// tick start and updated in-memory by RecordOutcome as requests
	// complete.
	status map[domainHeaderKey]model.RequestStatusCode
	// changed tracks which pairs had a RecordOutcome call this tick; an
	// unchanged FAILED pair is still eligible (mirrors
	// "status_changed[key] == False" in the original mask).
	changed map[domainHeaderKey]bool

	policy map[int64]model.DomainPolicy
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		bpsBuffers: make(map[int64][]bpsSample),
	}
}

// Reset seeds the tracker for a new tick with the current DomainStatus rows
// and DomainPolicy map (spec.md: "RequestOrchestrator.orchestrate loads a
// DomainStatus snapshot at tick start").
func (t *Tracker) Reset(statusRows []model.DomainStatusRow, policies map[int64]model.DomainPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = make(map[domainHeaderKey]model.RequestStatusCode, len(statusRows))
	t.changed = make(map[domainHeaderKey]bool, len(statusRows))
	for _, row := range statusRows {
		key := domainHeaderKey{DomainID: row.DomainID, HeaderID: row.HeaderID}
		t.status[key] = row.Status
	}
	t.policy = policies
}

// RecordBytes appends a BPS sample for domainID, trimming the ring buffer
// to bpsBufferLength entries (put_bps_info).
func (t *Tracker) RecordBytes(domainID int64, at time.Time, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := append(t.bpsBuffers[domainID], bpsSample{at: at, bytes: n})
	if len(buf) > bpsBufferLength {
		buf = buf[len(buf)-bpsBufferLength:]
	}
	t.bpsBuffers[domainID] = buf
}

// DomainBPS returns the observed bytes-per-second for domainID over its
// current ring buffer window (get_domain_bps): total buffered bytes divided
// by the seconds elapsed since the oldest sample.
func (t *Tracker) DomainBPS(domainID int64, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.domainBPSLocked(domainID, now)
}

func (t *Tracker) domainBPSLocked(domainID int64, now time.Time) float64 {
	buf := t.bpsBuffers[domainID]
	if len(buf) == 0 {
		return 0
	}
	secs := now.Sub(buf[0].at).Seconds()
	if secs <= 0 {
		return 0
	}
	var total int64
	for _, s := range buf {
		total += s.bytes
	}
	return float64(total) / secs
}

// RecordOutcome updates the in-memory DomainStatus view for (domainID,
// headerID) after a request completes, matching put_domain_status: a valid
// response sets SATISFIED, anything else sets FAILED, and the pair is
// marked changed.
func (t *Tracker) RecordOutcome(domainID, headerID int64, valid bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := domainHeaderKey{DomainID: domainID, HeaderID: headerID}
	if valid {
		t.status[key] = model.StatusSatisfied
	} else {
		t.status[key] = model.StatusFailed
	}
	t.changed[key] = true
}

// domainMaskLocked reports, per domain, whether its current BPS is within its
// policy's BPSLimit (_get_domain_mask). A domain with no BPSLimit is always
// eligible.
func (t *Tracker) domainMaskLocked(now time.Time) map[int64]bool {
	mask := make(map[int64]bool, len(t.policy))
	for domainID, policy := range t.policy {
		if policy.BPSLimit == nil {
			mask[domainID] = true
			continue
		}
		mask[domainID] = t.domainBPSLocked(domainID, now) < float64(*policy.BPSLimit)
	}
	return mask
}

// domainHeaderMaskLocked reports, per (domain, header) pair, whether it may
// be requested this tick (_get_domain_header_mask): either it has never
// failed, or it failed before this tick started and hasn't been touched
// again yet.
func (t *Tracker) domainHeaderMaskLocked() map[domainHeaderKey]bool {
	mask := make(map[domainHeaderKey]bool, len(t.status))
	for key, status := range t.status {
		mask[key] = status == model.StatusSatisfied || !t.changed[key]
	}
	return mask
}

// PickRequest chooses one candidate from pending uniformly at random among
// those whose domain mask AND domain-header mask both hold, or returns
// ok=false if none qualify (pick_request). pending must all belong to
// domains present in the current Reset snapshot.
func (t *Tracker) PickRequest(pending []model.PendingRequest, now time.Time) (model.PendingRequest, bool) {
	t.mu.Lock()
	domainMask := t.domainMaskLocked(now)
	headerMask := t.domainHeaderMaskLocked()
	t.mu.Unlock()

	var candidates []model.PendingRequest
	for _, req := range pending {
		if !domainMask[req.DomainID] {
			continue
		}
		key := domainHeaderKey{DomainID: req.DomainID, HeaderID: req.HeaderID}
		// A pair absent from the snapshot has no recorded outcome this tick
		// and is eligible.
		if eligible, known := headerMask[key]; known && !eligible {
			continue
		}
		candidates = append(candidates, req)
	}

	if len(candidates) == 0 {
		return model.PendingRequest{}, false
	}
	return candidates[rand.Intn(len(candidates))], true //nolint:gosec // selection fairness, not security
}
