// Package orchestrator drives one tick of request execution: pick a
// candidate, execute it (with retry escalation), record the outcome, repeat
// until no candidate qualifies.
//
// Ported from the original's RequestOrchestrator.orchestrate / _request /
// _request_retry (control/requesthandling.py).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/fetchkit/reqorchestrator/logger"
	"github.com/fetchkit/reqorchestrator/model"
	"github.com/fetchkit/reqorchestrator/requester"
	"github.com/fetchkit/reqorchestrator/statustracker"
	"github.com/fetchkit/reqorchestrator/store"
)

// Requester is the subset of requester.Requester the Orchestrator depends
// on, narrowed for testability.
type Requester interface {
	Request(ctx context.Context, rawURL string, header map[string]string, accepted []int, timeout time.Duration, forceProxy bool) (*requester.Response, time.Duration, bool, error)
}

// MetricsRecorder is the subset of metrics.Metrics the Orchestrator reports
// to. Accepting an interface here (rather than *metrics.Metrics directly)
// keeps orchestrator from depending on the Prometheus registry in tests.
type MetricsRecorder interface {
	IncrementTotal()
	IncrementSuccess()
	IncrementFailed()
	SetDomainBPS(netloc string, bps float64)
}

// Orchestrator executes a batch of candidate requests against one
// in-memory StatusTracker snapshot per tick.
type Orchestrator struct {
	store     store.Store
	requester Requester
	tracker   *statustracker.Tracker
	metrics   MetricsRecorder
	log       *logger.Logger
}

// New creates an Orchestrator. metrics may be nil to disable reporting.
func New(s store.Store, r Requester, tracker *statustracker.Tracker, metrics MetricsRecorder, log *logger.Logger) *Orchestrator {
	return &Orchestrator{store: s, requester: r, tracker: tracker, metrics: metrics, log: log}
}

// Run executes candidates drawn from tracker.PickRequest until none qualify,
// returning how many completed with an accepted response. candidates is
// mutated (consumed) as requests are picked.
//
// Run first loads a DomainStatus/DomainPolicy snapshot for the domains and
// (domain, header) pairs present in candidates and seeds the tracker with it
// (orchestrate's "load a DomainStatus snapshot at tick start"): PickRequest
// filters out any domain absent from that snapshot, so without this the
// tracker would have nothing to pick from on every tick.
func (o *Orchestrator) Run(ctx context.Context, candidates []model.PendingRequest) (int, error) {
	policies, err := o.loadTrackerSnapshot(ctx, candidates)
	if err != nil {
		return 0, err
	}

	successCount := 0

	for {
		pick, ok := o.tracker.PickRequest(candidates, time.Now().UTC())
		if !ok {
			break
		}

		accepted, err := o.store.GetAcceptedStatus(ctx, pick.RequestID)
		if err != nil {
			return successCount, fmt.Errorf("orchestrator: get accepted status for request %d: %w", pick.RequestID, err)
		}

		policy := policies[pick.DomainID]

		resp, byteCount, valid, err := o.executeWithRetry(ctx, pick, accepted, policy)
		if err != nil {
			o.log.Errorf("orchestrator: request %d failed: %v", pick.RequestID, err)
		}

		doneTime := time.Now().UTC()
		o.tracker.RecordBytes(pick.DomainID, doneTime, byteCount)
		o.tracker.RecordOutcome(pick.DomainID, pick.HeaderID, valid)

		if resp != nil {
			if err := o.storeResponse(ctx, pick.RequestID, resp, doneTime); err != nil {
				o.log.Errorf("orchestrator: store response for request %d: %v", pick.RequestID, err)
			}
		}

		if o.metrics != nil {
			o.metrics.IncrementTotal()
			if valid {
				o.metrics.IncrementSuccess()
			} else {
				o.metrics.IncrementFailed()
			}
			_, netloc, _, _, _ := model.ParseURL(pick.URL)
			o.metrics.SetDomainBPS(netloc, o.tracker.DomainBPS(pick.DomainID, doneTime))
		}

		if valid {
			successCount++
		}

		candidates = removeRequest(candidates, pick.RequestID)
		if len(candidates) == 0 {
			break
		}
	}

	return successCount, nil
}

// pairKey identifies one (domain, header) pair when deduping DomainStatus
// lookups across a candidate batch.
type pairKey struct {
	DomainID int64
	HeaderID int64
}

// loadTrackerSnapshot fetches the DomainPolicy for every domain and the
// DomainStatus row for every (domain, header) pair present in candidates,
// seeds the tracker with them, and returns the policy map so Run can reuse
// it per pick instead of re-querying the store for each one.
func (o *Orchestrator) loadTrackerSnapshot(ctx context.Context, candidates []model.PendingRequest) (map[int64]model.DomainPolicy, error) {
	policies := make(map[int64]model.DomainPolicy)
	seenPairs := make(map[pairKey]bool, len(candidates))
	var statusRows []model.DomainStatusRow

	for _, c := range candidates {
		if _, ok := policies[c.DomainID]; !ok {
			policy, err := o.store.GetDomainPolicy(ctx, c.DomainID)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: load domain policy for domain %d: %w", c.DomainID, err)
			}
			policies[c.DomainID] = policy
		}

		key := pairKey{DomainID: c.DomainID, HeaderID: c.HeaderID}
		if seenPairs[key] {
			continue
		}
		seenPairs[key] = true

		row, ok, err := o.store.GetDomainStatus(ctx, c.DomainID, c.HeaderID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load domain status for domain %d header %d: %w", c.DomainID, c.HeaderID, err)
		}
		if ok {
			statusRows = append(statusRows, row)
		}
	}

	o.tracker.Reset(statusRows, policies)
	return policies, nil
}

func removeRequest(candidates []model.PendingRequest, requestID int64) []model.PendingRequest {
	out := candidates[:0]
	for _, c := range candidates {
		if c.RequestID != requestID {
			out = append(out, c)
		}
	}
	return out
}

// executeWithRetry performs the primary attempt and, if it fails, escalates
// through DomainPolicy.Retries attempts with a uniform-random delay and an
// optional HTTPS-to-HTTP fallback (_request / _request_retry).
func (o *Orchestrator) executeWithRetry(ctx context.Context, req model.PendingRequest, accepted []int, policy model.DomainPolicy) (*requester.Response, int64, bool, error) {
	header, err := decodeHeader(req.Header)
	if err != nil {
		return nil, 0, false, err
	}

	var byteCount int64

	resp, _, valid, err := o.requester.Request(ctx, req.URL, header, accepted, policy.Timeout(), policy.ProxyDefault)
	if err != nil {
		return nil, byteCount, false, err
	}
	byteCount += responseSize(resp)
	if valid {
		return resp, byteCount, true, nil
	}

	isHTTPS := strings.HasPrefix(strings.ToLower(req.URL), "https:")
	urlHTTP := strings.Replace(req.URL, "https:", "http:", 1)
	retryHTTPFallback := policy.RetryHTTPFallback && isHTTPS

	for i := 0; i < policy.Retries; i++ {
		randomDelay(policy.RetryMinDelay(), policy.RetryMaxDelay())

		resp, _, valid, err = o.requester.Request(ctx, req.URL, header, accepted, policy.Timeout(), policy.ProxyDefault)
		if err != nil {
			return nil, byteCount, false, err
		}
		byteCount += responseSize(resp)
		if valid {
			return resp, byteCount, true, nil
		}

		if retryHTTPFallback {
			altResp, _, altValid, err := o.requester.Request(ctx, urlHTTP, header, accepted, policy.Timeout(), policy.ProxyDefault)
			if err != nil {
				return nil, byteCount, false, err
			}
			byteCount += responseSize(altResp)
			if altValid {
				return altResp, byteCount, true, nil
			}
		}
	}

	if !valid {
		o.log.Warnf("orchestrator: request %d exhausted %d retries without an accepted response", req.RequestID, policy.Retries)
	}

	return resp, byteCount, valid, nil
}

func responseSize(resp *requester.Response) int64 {
	if resp == nil {
		return 0
	}
	return int64(len(resp.Body))
}

// randomDelay sleeps a uniformly random duration in [min, max] (_random_delay).
func randomDelay(minDelay, maxDelay time.Duration) {
	if maxDelay <= minDelay {
		time.Sleep(minDelay)
		return
	}
	span := maxDelay - minDelay
	d := minDelay + time.Duration(rand.Int63n(int64(span))) //nolint:gosec // jitter, not security
	time.Sleep(d)
}

func decodeHeader(headerJSON string) (map[string]string, error) {
	var h map[string]string
	if err := json.Unmarshal([]byte(headerJSON), &h); err != nil {
		return nil, fmt.Errorf("orchestrator: decode header json: %w", err)
	}
	return h, nil
}

func (o *Orchestrator) storeResponse(ctx context.Context, requestID int64, resp *requester.Response, at time.Time) error {
	compressed, err := store.CompressBody(resp.Body)
	if err != nil {
		return err
	}
	headerJSON, err := json.Marshal(flattenHeader(resp.Header))
	if err != nil {
		return fmt.Errorf("orchestrator: marshal response headers: %w", err)
	}
	_, err = o.store.InsertResponse(ctx, requestID, at, resp.StatusCode, string(headerJSON), compressed)
	return err
}

func flattenHeader(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
