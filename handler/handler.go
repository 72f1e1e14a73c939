// Package handler exposes the three operations callers drive the
// orchestrator through: register a request, read back its latest accepted
// response, and advance one tick of execution.
//
// Ported from the original's RequestHandler (control/requesthandling.py):
// add_request / get_response / execute_requests / execute_maintenance.
package handler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fetchkit/reqorchestrator/logger"
	"github.com/fetchkit/reqorchestrator/model"
	"github.com/fetchkit/reqorchestrator/orchestrator"
	"github.com/fetchkit/reqorchestrator/store"
)

// domainBatchCap is the per-domain candidate cap (K) applied before
// dispatch, matching _split_fullrequest_dataframe_by_domain(df, 50).
const domainBatchCap = 50

// Handler is the public entry point for registering requests, reading
// responses, and driving ticks.
type Handler struct {
	store store.Store
	orch  *orchestrator.Orchestrator
	log   *logger.Logger
}

// New creates a Handler.
func New(s store.Store, orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{store: s, orch: orch, log: log}
}

// AddRequest registers rawURL with the given headers, dedupes against the
// [minDate, maxDate] window, and returns the resulting request id
// (add_request).
func (h *Handler) AddRequest(ctx context.Context, rawURL string, headers map[string]string, acceptedStatus []int, minDate, maxDate time.Time) (int64, error) {
	scheme, netloc, path, query, err := model.ParseURL(rawURL)
	if err != nil {
		return 0, fmt.Errorf("handler: add request: %w", err)
	}

	domain, err := h.store.UpsertDomain(ctx, scheme, netloc)
	if err != nil {
		return 0, fmt.Errorf("handler: add request: upsert domain: %w", err)
	}
	url, err := h.store.UpsertURL(ctx, domain.ID, path, query)
	if err != nil {
		return 0, fmt.Errorf("handler: add request: upsert url: %w", err)
	}

	headerJSON, err := model.CanonicalHeaderJSON(headers)
	if err != nil {
		return 0, fmt.Errorf("handler: add request: canonicalise headers: %w", err)
	}
	header, err := h.store.UpsertHeader(ctx, headerJSON)
	if err != nil {
		return 0, fmt.Errorf("handler: add request: upsert header: %w", err)
	}

	requestID, _, err := h.store.RegisterRequest(ctx, url.ID, header.ID, time.Now().UTC(), minDate, maxDate, acceptedStatus)
	if err != nil {
		return 0, fmt.Errorf("handler: add request: register: %w", err)
	}
	return requestID, nil
}

// GetResponse returns the latest accepted response for an existing request,
// or registers rawURL first if requestID is zero (get_response).
func (h *Handler) GetResponse(ctx context.Context, requestID int64, rawURL string, headers map[string]string, acceptedStatus []int, minDate, maxDate time.Time) (model.Response, bool, error) {
	if requestID == 0 {
		if rawURL == "" {
			return model.Response{}, false, fmt.Errorf("handler: get response: both request id and url are empty")
		}
		id, err := h.AddRequest(ctx, rawURL, headers, acceptedStatus, minDate, maxDate)
		if err != nil {
			return model.Response{}, false, err
		}
		requestID = id
	}

	resp, ok, err := h.store.GetLatestAcceptedResponse(ctx, requestID)
	if err != nil {
		return model.Response{}, false, fmt.Errorf("handler: get response: %w", err)
	}
	return resp, ok, nil
}

// ExecuteTick advances one round of execution: fills missing
// DomainTimeouts, then collects, per active domain, up to domainBatchCap
// pending requests and up to domainBatchCap retryable-failing requests, and
// shuffles the combined batch before dispatching it in a single
// Orchestrator run (_execute_pending_requests / execute_failing_requests /
// execute_requests). One domain can therefore contribute up to
// 2*domainBatchCap candidates per tick. It returns true if any
// DomainTimeout was filled or any candidate was dispatched.
func (h *Handler) ExecuteTick(ctx context.Context) (bool, error) {
	filledTimeouts, err := h.store.FillDefaultDomainTimeouts(ctx)
	if err != nil {
		return false, fmt.Errorf("handler: execute tick: fill default domain timeouts: %w", err)
	}

	domainIDs, err := h.store.ListActiveDomainIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("handler: execute tick: list active domains: %w", err)
	}

	var batch []model.PendingRequest
	for _, domainID := range domainIDs {
		pending, err := h.store.GetPendingRequests(ctx, domainID, domainBatchCap)
		if err != nil {
			return false, fmt.Errorf("handler: execute tick: get pending requests for domain %d: %w", domainID, err)
		}
		batch = append(batch, pending...)

		retryable, err := h.store.GetRetryableFailingRequests(ctx, domainID, domainBatchCap)
		if err != nil {
			return false, fmt.Errorf("handler: execute tick: get retryable requests for domain %d: %w", domainID, err)
		}
		batch = append(batch, retryable...)
	}

	if len(batch) == 0 {
		return filledTimeouts != 0, nil
	}

	shuffle(batch)

	if _, err := h.orch.Run(ctx, batch); err != nil {
		return true, fmt.Errorf("handler: execute tick: orchestrate: %w", err)
	}
	return true, nil
}

// ExecuteMaintenance repairs RequestStatus rows left behind by writes that
// bypassed the seeding trigger (execute_maintenance).
func (h *Handler) ExecuteMaintenance(ctx context.Context) error {
	if _, err := h.store.FillMissingRequestStatuses(ctx); err != nil {
		return fmt.Errorf("handler: execute maintenance: %w", err)
	}
	return nil
}

func shuffle(batch []model.PendingRequest) {
	rand.Shuffle(len(batch), func(i, j int) { //nolint:gosec // fairness shuffle, not security
		batch[i], batch[j] = batch[j], batch[i]
	})
}
