package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/gzip"

	"github.com/fetchkit/reqorchestrator/logger"
	"github.com/fetchkit/reqorchestrator/model"
	"github.com/fetchkit/reqorchestrator/store/reentrant"
)

// Postgres is the production Store implementation, backed by a
// *sqlx.DB over pgx's database/sql driver.
//
// UpsertDomain, UpsertURL, UpsertHeader, RegisterRequest and InsertResponse
// acquire a per-key lock from locks around their writes, keyed on the
// natural-key tuple being written (e.g. "domain:scheme:netloc"), so
// concurrent writers touching unrelated rows never block each other while
// writers racing for the same row serialize instead of relying on ON
// CONFLICT alone. UpsertDomainTimeout, FillDefaultDomainTimeouts and
// FillMissingRequestStatuses run their single statement without a key lock.
type Postgres struct {
	db    *sqlx.DB
	log   *logger.Logger
	locks *reentrant.KeyedLock
}

// Open connects to dsn using pgx's stdlib driver and wraps the connection in
// sqlx for named-parameter queries and struct scanning.
func Open(ctx context.Context, dsn string, log *logger.Logger) (*Postgres, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	log.Info("store: connected to postgres")
	return &Postgres{db: sqlx.NewDb(sqlDB, "pgx"), log: log, locks: reentrant.New()}, nil
}

// NewWithDB wraps an already-open *sqlx.DB in a Postgres Store, bypassing
// Open's connection setup. Used by tests to inject a sqlmock-backed DB.
func NewWithDB(db *sqlx.DB, log *logger.Logger) *Postgres {
	return &Postgres{db: db, log: log, locks: reentrant.New()}
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.log.Info("store: closing connection pool")
	return p.db.Close()
}

// UpsertDomain implements Store.
func (p *Postgres) UpsertDomain(ctx context.Context, scheme, netloc string) (model.Domain, error) {
	var d model.Domain
	key := fmt.Sprintf("domain:%s:%s", scheme, netloc)
	err := p.locks.With(ctx, key, func() error {
		const insert = `INSERT INTO domain (scheme, netloc) VALUES ($1, $2)
			ON CONFLICT (scheme, netloc) DO NOTHING
			RETURNING domain_id, scheme, netloc`
		err := p.db.QueryRowxContext(ctx, insert, scheme, netloc).Scan(&d.ID, &d.Scheme, &d.Netloc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: upsert domain: %w", err)
		}

		const sel = `SELECT domain_id, scheme, netloc FROM domain WHERE scheme = $1 AND netloc = $2`
		if err := p.db.QueryRowxContext(ctx, sel, scheme, netloc).Scan(&d.ID, &d.Scheme, &d.Netloc); err != nil {
			return fmt.Errorf("store: reread domain: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Domain{}, err
	}
	return d, nil
}

// UpsertURL implements Store.
func (p *Postgres) UpsertURL(ctx context.Context, domainID int64, path, query string) (model.URL, error) {
	pathHash := model.HashString(path)
	queryHash := model.HashString(query)

	var u model.URL
	key := fmt.Sprintf("url:%d:%x:%x", domainID, pathHash, queryHash)
	err := p.locks.With(ctx, key, func() error {
		const insert = `INSERT INTO url (domain_id, path, query, path_hash, query_hash)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (domain_id, path_hash, query_hash) DO NOTHING
			RETURNING url_id, domain_id, path, query`
		err := p.db.QueryRowxContext(ctx, insert, domainID, path, query, pathHash[:], queryHash[:]).
			Scan(&u.ID, &u.DomainID, &u.Path, &u.Query)
		if err == nil {
			u.PathHash = pathHash
			u.QueryHash = queryHash
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: upsert url: %w", err)
		}

		const sel = `SELECT url_id, domain_id, path, query FROM url
			WHERE domain_id = $1 AND path_hash = $2 AND query_hash = $3`
		if err := p.db.QueryRowxContext(ctx, sel, domainID, pathHash[:], queryHash[:]).
			Scan(&u.ID, &u.DomainID, &u.Path, &u.Query); err != nil {
			return fmt.Errorf("store: reread url: %w", err)
		}
		u.PathHash = pathHash
		u.QueryHash = queryHash
		return nil
	})
	if err != nil {
		return model.URL{}, err
	}
	return u, nil
}

// UpsertHeader implements Store.
func (p *Postgres) UpsertHeader(ctx context.Context, headerJSON string) (model.Header, error) {
	hash := model.HashString(headerJSON)

	var h model.Header
	key := fmt.Sprintf("header:%x", hash)
	err := p.locks.With(ctx, key, func() error {
		const insert = `INSERT INTO request_header (header_json, header_hash) VALUES ($1, $2)
			ON CONFLICT (header_hash) DO NOTHING
			RETURNING header_id, header_json`
		err := p.db.QueryRowxContext(ctx, insert, headerJSON, hash[:]).Scan(&h.ID, &h.JSON)
		if err == nil {
			h.Hash = hash
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: upsert header: %w", err)
		}

		const sel = `SELECT header_id, header_json FROM request_header WHERE header_hash = $1`
		if err := p.db.QueryRowxContext(ctx, sel, hash[:]).Scan(&h.ID, &h.JSON); err != nil {
			return fmt.Errorf("store: reread header: %w", err)
		}
		h.Hash = hash
		return nil
	})
	if err != nil {
		return model.Header{}, err
	}
	return h, nil
}

// RegisterRequest implements Store. Dedup uses a SELECT ... FOR UPDATE over
// the candidate window followed by an INSERT, inside one transaction, so two
// concurrent registrations for overlapping windows cannot both create rows.
// The per-key lock additionally serializes registrations for the same
// (url, header) pair so the FOR UPDATE row lock is never the only thing
// standing between two callers racing to create the first request row.
func (p *Postgres) RegisterRequest(ctx context.Context, urlID, headerID int64, date, minDate, maxDate time.Time, acceptedStatus []int) (int64, bool, error) {
	var requestID int64
	created := false

	key := fmt.Sprintf("request:%d:%d", urlID, headerID)
	err := p.locks.With(ctx, key, func() error {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: register request begin: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		const findExisting = `SELECT request_id FROM request
			WHERE url_id = $1 AND header_id = $2 AND requested_at BETWEEN $3 AND $4
			ORDER BY requested_at DESC LIMIT 1 FOR UPDATE`
		err = tx.QueryRowxContext(ctx, findExisting, urlID, headerID, minDate, maxDate).Scan(&requestID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			const insert = `INSERT INTO request (url_id, header_id, requested_at) VALUES ($1, $2, $3) RETURNING request_id`
			if err := tx.QueryRowxContext(ctx, insert, urlID, headerID, date).Scan(&requestID); err != nil {
				return fmt.Errorf("store: insert request: %w", err)
			}
			created = true
		case err != nil:
			return fmt.Errorf("store: find existing request: %w", err)
		}

		for _, code := range acceptedStatus {
			const insStatus = `INSERT INTO accepted_status (request_id, status_code) VALUES ($1, $2)
				ON CONFLICT (request_id, status_code) DO NOTHING`
			if _, err := tx.ExecContext(ctx, insStatus, requestID, code); err != nil {
				return fmt.Errorf("store: union accepted status: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: register request commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return requestID, created, nil
}

// InsertResponse implements Store.
func (p *Postgres) InsertResponse(ctx context.Context, requestID int64, requestedAt time.Time, statusCode int, headers string, content []byte) (int64, error) {
	var responseID int64
	key := fmt.Sprintf("response:%d", requestID)
	err := p.locks.With(ctx, key, func() error {
		const insert = `INSERT INTO response (request_id, requested_at, status_code, headers, content)
			VALUES ($1, $2, $3, $4, $5) RETURNING response_id`
		if err := p.db.QueryRowxContext(ctx, insert, requestID, requestedAt, statusCode, headers, content).Scan(&responseID); err != nil {
			return fmt.Errorf("store: insert response: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return responseID, nil
}

// CompressBody gzips a response body for storage, matching the data
// model's "Response.content stores the gzip-compressed body" invariant.
// The Orchestrator compresses before handing content to InsertResponse.
func CompressBody(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("store: gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("store: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// GetAcceptedStatus implements Store.
func (p *Postgres) GetAcceptedStatus(ctx context.Context, requestID int64) ([]int, error) {
	var codes []int
	const sel = `SELECT status_code FROM accepted_status WHERE request_id = $1 ORDER BY status_code`
	if err := p.db.SelectContext(ctx, &codes, sel, requestID); err != nil {
		return nil, fmt.Errorf("store: get accepted status: %w", err)
	}
	return codes, nil
}

// GetLatestAcceptedResponse implements Store.
func (p *Postgres) GetLatestAcceptedResponse(ctx context.Context, requestID int64) (model.Response, bool, error) {
	var r model.Response
	const sel = `SELECT r.response_id, r.request_id, r.requested_at, r.status_code, r.headers, r.content
		FROM response r
		JOIN accepted_status a ON a.request_id = r.request_id AND a.status_code = r.status_code
		WHERE r.request_id = $1
		ORDER BY r.requested_at DESC LIMIT 1`
	err := p.db.QueryRowxContext(ctx, sel, requestID).
		Scan(&r.ID, &r.RequestID, &r.RequestedAt, &r.StatusCode, &r.Headers, &r.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Response{}, false, nil
	}
	if err != nil {
		return model.Response{}, false, fmt.Errorf("store: get latest accepted response: %w", err)
	}
	return r, true, nil
}

// GetDomainPolicy implements Store.
func (p *Postgres) GetDomainPolicy(ctx context.Context, domainID int64) (model.DomainPolicy, error) {
	var row struct {
		DomainID          int64         `db:"domain_id"`
		TimeoutS          int           `db:"timeout_s"`
		Retries           int           `db:"retries"`
		RetryMinDelayS    int           `db:"retry_min_delay_s"`
		RetryMaxDelayS    int           `db:"retry_max_delay_s"`
		RetryHTTPFallback bool          `db:"retry_http_fallback"`
		RetryProxies      bool          `db:"retry_proxies"`
		BPSLimit          sql.NullInt64 `db:"bps_limit"`
		ProxyDefault      bool          `db:"proxy_default"`
		ProxyRegions      string        `db:"proxy_regions"`
	}
	const sel = `SELECT domain_id, timeout_s, retries, retry_min_delay_s, retry_max_delay_s,
		retry_http_fallback, retry_proxies, bps_limit, proxy_default, proxy_regions
		FROM domain_policy WHERE domain_id = $1`
	if err := p.db.GetContext(ctx, &row, sel, domainID); err != nil {
		return model.DomainPolicy{}, fmt.Errorf("store: get domain policy: %w", err)
	}

	policy := model.DomainPolicy{
		DomainID:          row.DomainID,
		TimeoutSeconds:    row.TimeoutS,
		Retries:           row.Retries,
		RetryMinDelayS:    row.RetryMinDelayS,
		RetryMaxDelayS:    row.RetryMaxDelayS,
		RetryHTTPFallback: row.RetryHTTPFallback,
		RetryProxies:      row.RetryProxies,
		ProxyDefault:      row.ProxyDefault,
		ProxyRegions:      row.ProxyRegions,
	}
	if row.BPSLimit.Valid {
		policy.BPSLimit = &row.BPSLimit.Int64
	}
	return policy, nil
}

// GetDomainStatus implements Store.
func (p *Postgres) GetDomainStatus(ctx context.Context, domainID, headerID int64) (model.DomainStatusRow, bool, error) {
	var row struct {
		DomainID      int64        `db:"domain_id"`
		HeaderID      int64        `db:"header_id"`
		LastAttemptAt sql.NullTime `db:"last_attempt_at"`
		Status        int          `db:"status"`
	}
	const sel = `SELECT domain_id, header_id, last_attempt_at, status
		FROM domain_status WHERE domain_id = $1 AND header_id = $2`
	err := p.db.GetContext(ctx, &row, sel, domainID, headerID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DomainStatusRow{}, false, nil
	}
	if err != nil {
		return model.DomainStatusRow{}, false, fmt.Errorf("store: get domain status: %w", err)
	}

	out := model.DomainStatusRow{
		DomainID: row.DomainID,
		HeaderID: row.HeaderID,
		Status:   model.RequestStatusCode(row.Status),
	}
	if row.LastAttemptAt.Valid {
		out.LastAttemptAt = &row.LastAttemptAt.Time
	}
	return out, true, nil
}

// UpsertDomainTimeout implements Store.
func (p *Postgres) UpsertDomainTimeout(ctx context.Context, domainID int64, retryInterval time.Duration) error {
	const upsert = `INSERT INTO domain_timeout (domain_id, retry_interval) VALUES ($1, $2)
		ON CONFLICT (domain_id) DO UPDATE SET retry_interval = EXCLUDED.retry_interval`
	if _, err := p.db.ExecContext(ctx, upsert, domainID, retryInterval); err != nil {
		return fmt.Errorf("store: upsert domain timeout: %w", err)
	}
	return nil
}

// FillDefaultDomainTimeouts implements Store.
func (p *Postgres) FillDefaultDomainTimeouts(ctx context.Context) (int64, error) {
	const fill = `INSERT INTO domain_timeout (domain_id, retry_interval)
		SELECT d.domain_id, $1 FROM domain d
		LEFT JOIN domain_timeout dt ON dt.domain_id = d.domain_id
		WHERE dt.domain_id IS NULL`
	res, err := p.db.ExecContext(ctx, fill, model.DefaultDomainTimeout)
	if err != nil {
		return 0, fmt.Errorf("store: fill default domain timeouts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FillMissingRequestStatuses implements Store.
func (p *Postgres) FillMissingRequestStatuses(ctx context.Context) (int64, error) {
	const fill = `INSERT INTO request_status (request_id, last_attempt_at, status)
		SELECT r.request_id, NULL, 0 FROM request r
		LEFT JOIN request_status rs ON rs.request_id = r.request_id
		WHERE rs.request_id IS NULL`
	res, err := p.db.ExecContext(ctx, fill)
	if err != nil {
		return 0, fmt.Errorf("store: fill missing request statuses: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const pendingRequestColumns = `req.request_id, req.url_id, d.domain_id, req.header_id,
	d.scheme, d.netloc, u.path, u.query, h.header_json, req.requested_at`

func scanPendingRequest(rows *sqlx.Rows) (model.PendingRequest, error) {
	var (
		pr                   model.PendingRequest
		scheme, netloc, path string
		query                string
	)
	if err := rows.Scan(&pr.RequestID, &pr.URLID, &pr.DomainID, &pr.HeaderID,
		&scheme, &netloc, &path, &query, &pr.Header, &pr.Date); err != nil {
		return model.PendingRequest{}, err
	}
	pr.URL = model.Reconstruct(scheme, netloc, path, query)
	return pr, nil
}

// GetPendingRequests implements Store. A pending request still honors its
// domain's retry backoff: the LEFT JOIN domain_retry mirrors
// GetRetryableFailingRequests so a never-attempted request sharing a
// (domain, header) pair with one currently backing off is not dispatched
// ahead of that backoff clock.
func (p *Postgres) GetPendingRequests(ctx context.Context, domainID int64, limit int) ([]model.PendingRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM request req
		JOIN url u ON req.url_id = u.url_id
		JOIN domain d ON u.domain_id = d.domain_id
		JOIN request_header h ON req.header_id = h.header_id
		JOIN request_status rs ON rs.request_id = req.request_id
		LEFT JOIN domain_retry dr ON dr.domain_id = d.domain_id AND dr.header_id = req.header_id
		WHERE d.domain_id = $1 AND rs.status = 0
		  AND (dr.not_before IS NULL OR dr.not_before <= now())
		ORDER BY req.requested_at ASC LIMIT $2`, pendingRequestColumns)

	rows, err := p.db.QueryxContext(ctx, query, domainID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get pending requests: %w", err)
	}
	defer rows.Close()

	var out []model.PendingRequest
	for rows.Next() {
		pr, err := scanPendingRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending request: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// GetRetryableFailingRequests implements Store.
func (p *Postgres) GetRetryableFailingRequests(ctx context.Context, domainID int64, limit int) ([]model.PendingRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM request req
		JOIN url u ON req.url_id = u.url_id
		JOIN domain d ON u.domain_id = d.domain_id
		JOIN request_header h ON req.header_id = h.header_id
		JOIN request_status rs ON rs.request_id = req.request_id
		LEFT JOIN domain_retry dr ON dr.domain_id = d.domain_id AND dr.header_id = req.header_id
		WHERE d.domain_id = $1 AND rs.status = 1
		  AND (dr.not_before IS NULL OR dr.not_before <= now())
		ORDER BY req.requested_at ASC LIMIT $2`, pendingRequestColumns)

	rows, err := p.db.QueryxContext(ctx, query, domainID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get retryable failing requests: %w", err)
	}
	defer rows.Close()

	var out []model.PendingRequest
	for rows.Next() {
		pr, err := scanPendingRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan retryable request: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ListActiveDomainIDs implements Store.
func (p *Postgres) ListActiveDomainIDs(ctx context.Context) ([]int64, error) {
	const sel = `SELECT DISTINCT d.domain_id
		FROM request_status rs
		JOIN request req ON req.request_id = rs.request_id
		JOIN url u ON u.url_id = req.url_id
		JOIN domain d ON d.domain_id = u.domain_id
		WHERE rs.status IN (0, 1)`
	var ids []int64
	if err := p.db.SelectContext(ctx, &ids, sel); err != nil {
		return nil, fmt.Errorf("store: list active domains: %w", err)
	}
	return ids, nil
}

