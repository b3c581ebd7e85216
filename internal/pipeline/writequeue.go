// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imgvault/imgvault/internal/metrics"
)

const (
	defaultQueueSize = 256
	defaultWriters   = 4

	// jobTimeout bounds one background write. Detached jobs have no
	// request deadline to inherit.
	jobTimeout = 30 * time.Second
)

// writeJob is one detached cache write (L2 set, L3 put, L3→L2 backfill).
type writeJob struct {
	kind string
	run  func(ctx context.Context) error
}

// writeQueue executes cache writes decoupled from the response. Client
// disconnects cannot lose a write, and a slow store cannot delay a
// response; under sustained overload jobs are dropped, not queued
// unboundedly.
type writeQueue struct {
	jobs   chan writeJob
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

func newWriteQueue(size, writers int, logger zerolog.Logger) *writeQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if writers <= 0 {
		writers = defaultWriters
	}
	q := &writeQueue{
		jobs:   make(chan writeJob, size),
		logger: logger,
	}
	q.wg.Add(writers)
	for i := 0; i < writers; i++ {
		go q.worker()
	}
	return q
}

func (q *writeQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		metrics.WriteQueueDepth.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		if err := job.run(ctx); err != nil {
			q.logger.Warn().Err(err).Str("job", job.kind).Msg("background cache write failed")
		}
		cancel()
	}
}

// enqueue submits a job without blocking. A full queue drops the job:
// losing a cache write only costs a future cache hit.
func (q *writeQueue) enqueue(job writeJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- job:
		metrics.WriteQueueDepth.Inc()
	default:
		metrics.WriteQueueDropsTotal.Inc()
		q.logger.Warn().Str("job", job.kind).Msg("write queue full, dropping cache write")
	}
}

// close stops intake and waits for in-flight jobs until ctx expires.
func (q *writeQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write queue drain interrupted: %w", ctx.Err())
	}
}
