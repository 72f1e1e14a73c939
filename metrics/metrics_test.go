package metrics_test

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fetchkit/reqorchestrator/metrics"
)

func TestIncrements(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	m.IncrementTotal()
	m.IncrementTotal()
	m.IncrementSuccess()
	m.IncrementFailed()

	total, success, failed := m.Snapshot()
	if total != 2 {
		t.Errorf("TotalRequests: got %d, want 2", total)
	}
	if success != 1 {
		t.Errorf("Success: got %d, want 1", success)
	}
	if failed != 1 {
		t.Errorf("Failed: got %d, want 1", failed)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	const goroutines = 1000
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			m.IncrementTotal()
			m.IncrementSuccess()
		}()
	}
	wg.Wait()

	total, success, _ := m.Snapshot()
	if total != goroutines {
		t.Errorf("TotalRequests: got %d, want %d", total, goroutines)
	}
	if success != goroutines {
		t.Errorf("Success: got %d, want %d", success, goroutines)
	}
}

func TestNewMetrics_NilRegistererDoesNotPanic(t *testing.T) {
	m := metrics.NewMetrics(nil)
	m.IncrementTotal()
	total, _, _ := m.Snapshot()
	if total != 1 {
		t.Errorf("got %d, want 1", total)
	}
}

func TestSetDomainBPS_DoesNotPanic(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	m.SetDomainBPS("example.com", 1234.5)
}
