package orchestrator

import (
	"context"
	"sync"

	"github.com/fetchkit/reqorchestrator/logger"
	"github.com/fetchkit/reqorchestrator/model"
)

// Pool runs a fixed number of Orchestrators against one shared Store
// concurrently. Each Orchestrator keeps its BPS samples in its own
// in-memory StatusTracker; the samples are not shared between workers and
// nothing reads or writes the Store's domain_bps_sample table, so a
// domain's BPS limit is checked per worker, not across the pool.
//
// Adapted from the teacher's worker.WorkerPool: a fixed goroutine count
// draining a shared job channel, with Stop draining in-flight jobs before
// returning. Here a "job" is one domain's candidate batch rather than an
// arbitrary closure, since each Orchestrator needs its own Requester/Tracker
// pairing to avoid sharing mutable tick state across goroutines.
type Pool struct {
	workerCount int
	jobs        chan domainJob
	wg          sync.WaitGroup

	newOrchestrator func() *Orchestrator
	log             *logger.Logger
}

type domainJob struct {
	candidates []model.PendingRequest
	result     chan<- jobResult
}

type jobResult struct {
	successCount int
	err          error
}

// NewPool creates a Pool of workerCount Orchestrators, each built by calling
// newOrchestrator (which must return an Orchestrator with its own
// Requester and StatusTracker so concurrent ticks don't race on shared
// in-memory state).
func NewPool(workerCount int, newOrchestrator func() *Orchestrator, log *logger.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		workerCount:     workerCount,
		jobs:            make(chan domainJob, workerCount*4),
		newOrchestrator: newOrchestrator,
		log:             log,
	}
}

// Start launches the pool's worker goroutines, each owning one Orchestrator
// instance for its lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			o := p.newOrchestrator()
			for job := range p.jobs {
				n, err := o.Run(ctx, job.candidates)
				job.result <- jobResult{successCount: n, err: err}
			}
		}()
	}
}

// RunDomains submits one job per domain's candidate batch and blocks until
// every batch has been processed, returning the aggregate success count and
// the first error encountered (if any).
func (p *Pool) RunDomains(batches map[int64][]model.PendingRequest) (int, error) {
	results := make(chan jobResult, len(batches))
	for _, candidates := range batches {
		p.jobs <- domainJob{candidates: candidates, result: results}
	}

	total := 0
	var firstErr error
	for range batches {
		r := <-results
		total += r.successCount
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return total, firstErr
}

// Stop closes the job queue and waits for every worker to finish its
// current job.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}
