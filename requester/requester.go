// Package requester performs the actual outbound HTTP work: a direct
// attempt, an optional proxy-rotated attempt, and the bounded inner retry
// loop that swallows only transient connection errors.
package requester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/fetchkit/reqorchestrator/logger"
)

// Candidate is one proxy endpoint offered by a ProxyPool, ordered by
// ascending observed latency.
type Candidate struct {
	Protocol string // "http" or "https"
	Addr     string // "host:port"
}

// ProxyPool is the subset of proxypool.Pool the Requester depends on.
type ProxyPool interface {
	Candidates(ctx context.Context, protocol string) ([]Candidate, error)
	SetDelay(ctx context.Context, protocol, addr string, delay time.Duration, reachable bool)
}

// Response is the outcome of one Requester.Request call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Requester executes single HTTP GETs directly or through a ProxyPool,
// following spec.md §4.2's attempt/retry/redirect rules.
type Requester struct {
	pool    *domainClientPool
	proxies ProxyPool
	log     *logger.Logger
}

// New creates a Requester. proxies may be nil if ForceProxy is never used.
func New(proxies ProxyPool, log *logger.Logger) *Requester {
	return &Requester{
		pool:    newDomainClientPool(),
		proxies: proxies,
		log:     log,
	}
}

// Close releases pooled connections.
func (r *Requester) Close() {
	r.pool.closeIdle()
}

// Request performs one GET against rawURL with the given headers, accepting
// the response as valid only if its status code is in accepted. Per
// spec.md, 301 is followed as a redirect only when it is NOT in accepted.
func (r *Requester) Request(ctx context.Context, rawURL string, header map[string]string, accepted []int, timeout time.Duration, forceProxy bool) (*Response, time.Duration, bool, error) {
	if forceProxy && r.proxies == nil {
		return nil, 0, false, errors.New("requester: proxy usage forced but no ProxyPool configured")
	}

	var (
		resp    *Response
		elapsed time.Duration
		err     error
	)
	if forceProxy {
		resp, elapsed, err = r.proxyRequest(ctx, rawURL, header, accepted, timeout)
	} else {
		resp, elapsed, err = r.directRequest(ctx, rawURL, header, accepted, timeout)
	}
	if err != nil {
		return nil, 0, false, err
	}

	valid := resp != nil && statusAccepted(resp.StatusCode, accepted)
	return resp, elapsed, valid, nil
}

func statusAccepted(code int, accepted []int) bool {
	for _, a := range accepted {
		if a == code {
			return true
		}
	}
	return false
}

func allowRedirects(accepted []int) bool {
	for _, a := range accepted {
		if a == http.StatusMovedPermanently {
			return false
		}
	}
	return true
}

// directRequest performs the request using the per-domain cached client,
// with no proxy.
func (r *Requester) directRequest(ctx context.Context, rawURL string, header map[string]string, accepted []int, timeout time.Duration) (*Response, time.Duration, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("requester: parse url %q: %w", rawURL, err)
	}
	client, err := r.pool.get(u.Host, timeout)
	if err != nil {
		return nil, 0, err
	}
	return r.attempt(ctx, client, rawURL, header, accepted, timeout)
}

// proxyRequest iterates ProxyPool candidates in ascending latency order,
// recording feedback for each, and stops at the first valid response
// (spec.md §4.6: "iterated in ascending latency order until one yields an
// accepted response or the list is exhausted").
func (r *Requester) proxyRequest(ctx context.Context, rawURL string, header map[string]string, accepted []int, timeout time.Duration) (*Response, time.Duration, error) {
	httpURL := strings.Replace(rawURL, "https:", "http:", 1)
	protocol := "http"
	if i := strings.Index(httpURL, ":"); i > 0 {
		protocol = httpURL[:i]
	}

	candidates, err := r.proxies.Candidates(ctx, protocol)
	if err != nil {
		return nil, 0, fmt.Errorf("requester: list proxy candidates: %w", err)
	}

	for _, c := range candidates {
		proxyURL, err := url.Parse(fmt.Sprintf("%s://%s", c.Protocol, c.Addr))
		if err != nil {
			continue
		}
		client, err := buildClient(timeout, proxyURL)
		if err != nil {
			continue
		}

		resp, elapsed, err := r.attempt(ctx, client, httpURL, header, accepted, timeout)
		if err != nil || resp == nil {
			r.proxies.SetDelay(ctx, c.Protocol, c.Addr, 0, false)
			continue
		}
		r.proxies.SetDelay(ctx, c.Protocol, c.Addr, elapsed, true)

		if statusAccepted(resp.StatusCode, accepted) {
			return resp, elapsed, nil
		}
	}

	return nil, 0, nil
}

// attempt runs the inner "up to 3 tries" loop, treating connection-reset and
// read-timeout errors as retryable and anything else as fatal — mirroring
// the original's except-ConnectionError/except-ReadTimeout/raise structure.
func (r *Requester) attempt(ctx context.Context, client *http.Client, rawURL string, header map[string]string, accepted []int, timeout time.Duration) (*Response, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("requester: build request: %w", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	if !allowRedirects(accepted) {
		client = clientWithNoRedirects(client)
	}

	var (
		httpResp *http.Response
		start    time.Time
	)

	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		start = time.Now()
		httpResp, err = client.Do(req)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, 0, fmt.Errorf("requester: request %s: %w", rawURL, err)
		}
		httpResp = nil
	}

	if httpResp == nil {
		return nil, 0, nil
	}
	defer httpResp.Body.Close()

	elapsed := time.Since(start)
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("requester: read body of %s: %w", rawURL, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, elapsed, nil
}

// clientWithNoRedirects returns a shallow copy of client with redirects
// disabled, leaving the underlying transport (and its connection pool)
// shared with the original.
func clientWithNoRedirects(client *http.Client) *http.Client {
	cp := *client
	cp.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &cp
}

// isRetryable reports whether err is a connection-reset or read-timeout
// class failure, the only two transport errors the original swallows inside
// the inner attempt loop.
func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET)
}
