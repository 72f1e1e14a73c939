// Package store implements the durable side of the orchestrator: domains,
// URLs, headers, requests, responses, and the derived status/retry tables
// that drive scheduling decisions.
//
// Store is the single writer of record. In Postgres, the natural-key writes
// (UpsertDomain, UpsertURL, UpsertHeader, RegisterRequest, InsertResponse)
// run under a per-key lock from reentrant.KeyedLock that is released even
// on error or panic; the timeout and status backfill writes take no key
// lock.
package store

import (
	"context"
	"time"

	"github.com/fetchkit/reqorchestrator/model"
)

// Store is the contract the rest of the orchestrator depends on. Postgres
// is the only production implementation; tests may supply a sqlmock-backed
// one built on the same interface.
type Store interface {
	// UpsertDomain returns the Domain row for (scheme, netloc), creating it
	// (and its default DomainPolicy, via trigger) if absent.
	UpsertDomain(ctx context.Context, scheme, netloc string) (model.Domain, error)

	// UpsertURL returns the URL row for (domainID, path, query), creating
	// it if absent.
	UpsertURL(ctx context.Context, domainID int64, path, query string) (model.URL, error)

	// UpsertHeader returns the Header row for a canonicalised header JSON
	// blob, creating it if absent.
	UpsertHeader(ctx context.Context, headerJSON string) (model.Header, error)

	// RegisterRequest records one request for (urlID, headerID) at date,
	// deduplicating against any existing request for the same pair whose
	// Date falls within [minDate, maxDate]. The accepted-status set passed
	// in is unioned into AcceptedStatus regardless of whether a new row was
	// created (invariant: "the accepted-status set for a deduplicated
	// request is the union of every call's accepted statuses").
	RegisterRequest(ctx context.Context, urlID, headerID int64, date time.Time, minDate, maxDate time.Time, acceptedStatus []int) (requestID int64, created bool, err error)

	// InsertResponse records the outcome of one attempt. content is the
	// already gzip-compressed response body, or nil. Status propagation
	// (RequestStatus, DomainStatus, DomainRetry) happens via database
	// triggers once this row commits.
	InsertResponse(ctx context.Context, requestID int64, requestedAt time.Time, statusCode int, headers string, content []byte) (int64, error)

	// GetAcceptedStatus returns the accepted HTTP status codes for a
	// request.
	GetAcceptedStatus(ctx context.Context, requestID int64) ([]int, error)

	// GetLatestAcceptedResponse returns the most recent Response for
	// requestID whose status code is in the request's accepted set, or
	// ok=false if none exists yet.
	GetLatestAcceptedResponse(ctx context.Context, requestID int64) (resp model.Response, ok bool, err error)

	// GetDomainPolicy returns the DomainPolicy row for domainID.
	GetDomainPolicy(ctx context.Context, domainID int64) (model.DomainPolicy, error)

	// GetDomainStatus returns the DomainStatus row for (domainID,
	// headerID), or ok=false if no request has ever been registered for
	// that pair.
	GetDomainStatus(ctx context.Context, domainID, headerID int64) (row model.DomainStatusRow, ok bool, err error)

	// UpsertDomainTimeout sets the retry_interval used by
	// fill_default_domain_timeouts and the retry-scheduling trigger.
	UpsertDomainTimeout(ctx context.Context, domainID int64, retryInterval time.Duration) error

	// FillDefaultDomainTimeouts inserts DefaultDomainTimeout for every
	// domain that does not yet have a DomainTimeout row.
	FillDefaultDomainTimeouts(ctx context.Context) (int64, error)

	// FillMissingRequestStatuses inserts a pending RequestStatus row for
	// every Request that lacks one — a repair pass for rows written before
	// the seeding trigger existed, or inserted through a path that bypassed
	// it.
	FillMissingRequestStatuses(ctx context.Context) (int64, error)

	// GetPendingRequests returns up to limit requests whose RequestStatus
	// is StatusPending, for domainID.
	GetPendingRequests(ctx context.Context, domainID int64, limit int) ([]model.PendingRequest, error)

	// GetRetryableFailingRequests returns up to limit requests whose
	// RequestStatus is StatusFailed and whose DomainRetry.not_before has
	// elapsed, for domainID.
	GetRetryableFailingRequests(ctx context.Context, domainID int64, limit int) ([]model.PendingRequest, error)

	// ListActiveDomainIDs returns every domain that has at least one
	// pending or failing request, used to drive the per-tick domain scan.
	ListActiveDomainIDs(ctx context.Context) ([]int64, error)

	// Close releases underlying resources (connection pool, etc).
	Close() error
}

// ErrNotFound is returned by lookups that found no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
