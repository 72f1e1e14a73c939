// Package proxypool ranks proxy candidates by ascending observed latency
// per protocol, refreshing rank data on a freshness TTL.
//
// Adapted from the teacher's proxy.ProxyManager: that type round-robins a
// flat list under one mutex. Here the list is partitioned by protocol and
// ordered by latency instead of rotated, and the backing store is
// swappable (Redis-backed for multi-process sharing, in-memory for
// single-process / tests).
package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fetchkit/reqorchestrator/requester"
)

// FreshnessTTL is how long RedisBackend keeps offering a proxy after its
// last SetDelay or Seed. MemStore applies no TTL.
const FreshnessTTL = 5 * time.Minute

// Backend is the storage contract Pool delegates to. Two implementations
// are provided: redisBackend (shared across processes) and MemStore
// (single-process fallback).
type Backend interface {
	// SetDelay records an observed latency for (protocol, addr), or marks it
	// unreachable when reachable is false.
	SetDelay(ctx context.Context, protocol, addr string, delay time.Duration, reachable bool) error

	// Candidates returns every known addr for protocol ordered by ascending
	// latency; unreachable entries sort last, and entries seeded without a
	// measurement count as latency 0 and sort first.
	Candidates(ctx context.Context, protocol string) ([]requester.Candidate, error)

	// Seed registers addr as a known candidate for protocol without an
	// initial latency measurement, used when loading a static proxy list.
	Seed(ctx context.Context, protocol, addr string) error
}

// Pool implements requester.ProxyPool.
type Pool struct {
	backend Backend
}

// New wraps backend in a Pool.
func New(backend Backend) *Pool {
	return &Pool{backend: backend}
}

// Candidates implements requester.ProxyPool.
func (p *Pool) Candidates(ctx context.Context, protocol string) ([]requester.Candidate, error) {
	return p.backend.Candidates(ctx, protocol)
}

// SetDelay implements requester.ProxyPool.
func (p *Pool) SetDelay(ctx context.Context, protocol, addr string, delay time.Duration, reachable bool) {
	if err := p.backend.SetDelay(ctx, protocol, addr, delay, reachable); err != nil {
		// Latency bookkeeping is best-effort: a failed write here must never
		// fail the request that triggered it.
		_ = err
	}
}

// LoadProxyFile reads a newline-delimited proxy list of the form
// "protocol host:port" (e.g. "https 10.0.0.1:8443"), ignoring blank lines
// and lines starting with '#', and seeds every entry into the backend.
//
// Format generalizes the teacher's proxy.LoadProxies, which stored bare
// "host:port" strings with no protocol column.
func (p *Pool) LoadProxyFile(ctx context.Context, filename string) (int, error) {
	f, err := os.Open(filename) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return 0, fmt.Errorf("proxypool: open %q: %w", filename, err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return n, fmt.Errorf("proxypool: malformed proxy line %q", line)
		}
		if err := p.backend.Seed(ctx, parts[0], parts[1]); err != nil {
			return n, fmt.Errorf("proxypool: seed %q: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("proxypool: read %q: %w", filename, err)
	}
	return n, nil
}

// entry is one (addr, delay) pair tracked per protocol by MemStore.
type entry struct {
	delay      time.Duration
	reachable  bool
	measuredAt time.Time
}

// MemStore is an in-memory Backend, used when no Redis endpoint is
// configured. It keeps the same shape the teacher's ProxyManager used (a
// mutex-guarded map), but partitioned by protocol and sorted by latency
// instead of rotated.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string]entry // protocol -> addr -> entry
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]entry)}
}

// SetDelay implements Backend.
func (m *MemStore) SetDelay(_ context.Context, protocol, addr string, delay time.Duration, reachable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[protocol] == nil {
		m.data[protocol] = make(map[string]entry)
	}
	m.data[protocol][addr] = entry{delay: delay, reachable: reachable, measuredAt: time.Now()}
	return nil
}

// Seed implements Backend.
func (m *MemStore) Seed(_ context.Context, protocol, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[protocol] == nil {
		m.data[protocol] = make(map[string]entry)
	}
	if _, ok := m.data[protocol][addr]; !ok {
		m.data[protocol][addr] = entry{reachable: true}
	}
	return nil
}

// Candidates implements Backend.
func (m *MemStore) Candidates(_ context.Context, protocol string) ([]requester.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAddr := m.data[protocol]
	out := make([]requester.Candidate, 0, len(byAddr))
	delays := make(map[string]time.Duration, len(byAddr))
	for addr, e := range byAddr {
		out = append(out, requester.Candidate{Protocol: protocol, Addr: addr})
		if e.reachable {
			delays[addr] = e.delay
		} else {
			delays[addr] = time.Hour // unreachable sorts last
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return delays[out[i].Addr] < delays[out[j].Addr]
	})
	return out, nil
}
