package requester

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// domainClientPool hands out one keep-alive-enabled *http.Client per netloc
// so repeated requests to the same domain reuse connections instead of
// dialing fresh every call.
//
// Adapted from session.SessionManager: same map+sync.RWMutex shape, but
// keyed by netloc instead of an integer session id, and clients are created
// lazily on first use rather than all at startup.
type domainClientPool struct {
	mu      sync.RWMutex
	clients map[string]*http.Client
}

func newDomainClientPool() *domainClientPool {
	return &domainClientPool{clients: make(map[string]*http.Client)}
}

// get returns the cached client for netloc, creating one with the given
// timeout if absent.
func (p *domainClientPool) get(netloc string, timeout time.Duration) (*http.Client, error) {
	p.mu.RLock()
	c, ok := p.clients[netloc]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[netloc]; ok {
		return c, nil
	}

	c, err := newDirectClient(timeout)
	if err != nil {
		return nil, err
	}
	p.clients[netloc] = c
	return c, nil
}

// closeIdle drains idle connections for every pooled client, used on
// shutdown.
func (p *domainClientPool) closeIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// newDirectClient builds an *http.Client tuned the way the teacher's
// client.NewHTTPClient does: dedicated transport, bounded idle-connection
// pool, public-suffix-aware cookie jar, with no proxy.
func newDirectClient(timeout time.Duration) (*http.Client, error) {
	return buildClient(timeout, nil)
}

// buildClient builds the tuned client. proxyURL, if non-nil, is attached to
// the transport; nil means a direct connection.
func buildClient(timeout time.Duration, proxyURL *url.URL) (*http.Client, error) {
	transport := &http.Transport{
		DisableKeepAlives:     false,
		MaxIdleConns:          500,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("requester: create cookie jar: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}
