package queue

import (
	"context"
	"sync"
	"time"

	"waflow/internal/event"
	"waflow/internal/logger"
	pkgerrors "waflow/pkg/errors"
	"waflow/pkg/metrics"
)

// Job is one pending ingestion unit.
type Job struct {
	Message    *event.NormalizedMessage
	Origin     string
	EnqueuedAt time.Time
}

// ConsumerFunc performs the actual ingestion call. Errors are the consumer's
// own problem (logged, counted); the queue never retries or re-orders.
type ConsumerFunc func(ctx context.Context, job Job) error

// Queue is the single-consumer FIFO that serializes every call into the
// ingestion collaborator. At most one consumer drains it at a time, so
// ingestion calls never overlap and keep per-process FIFO order. Enqueue
// never blocks on persistence; WaitForIdle is the only synchronization
// offered to callers.
type Queue struct {
	mu      sync.Mutex
	jobs    []Job
	running bool
	waiters []chan struct{}

	consume ConsumerFunc
	baseCtx context.Context
	logger  logger.Logger
}

func New(ctx context.Context, consume ConsumerFunc, log logger.Logger) *Queue {
	return &Queue{
		consume: consume,
		baseCtx: ctx,
		logger:  log,
	}
}

// Enqueue appends a job and starts the consumer if it is not already
// draining.
func (q *Queue) Enqueue(job Job) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	metrics.SetQueueDepth(len(q.jobs))
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			waiters := q.waiters
			q.waiters = nil
			q.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		metrics.SetQueueDepth(len(q.jobs))
		q.mu.Unlock()

		metrics.ObserveQueueWait(time.Since(job.EnqueuedAt))

		if err := q.runJob(job); err != nil {
			// A persistence failure degrades to a failed metric; the broker
			// already considers the event delivered.
			metrics.IngestJobsTotal.WithLabelValues("failed").Inc()
			q.logger.ErrorwCtx(q.baseCtx, "Ingestion job failed",
				"message_id", job.Message.ID,
				"origin", job.Origin,
				"error", err,
			)
			continue
		}
		metrics.IngestJobsTotal.WithLabelValues("consumed").Inc()
	}
}

// runJob contains consumer panics so a bad payload cannot kill the drain
// goroutine and strand the queue with running set.
func (q *Queue) runJob(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.RecoverPanic(r)
		}
	}()
	return q.consume(q.baseCtx, job)
}

// WaitForIdle blocks until the queue is empty and no consumer is active, or
// the context expires. Test hook; production callers never block on it.
func (q *Queue) WaitForIdle(ctx context.Context) error {
	q.mu.Lock()
	if len(q.jobs) == 0 && !q.running {
		q.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the number of waiting jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
