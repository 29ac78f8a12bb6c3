// Package bridge connects the job pipeline to the message queues: it consumes
// jobs from the inbound queue with a bounded worker pool and publishes status
// messages to the result queue.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jonathan/pagetest-worker/internal/measure"
	"github.com/jonathan/pagetest-worker/internal/pipeline"
	"github.com/jonathan/pagetest-worker/internal/queue"
	"github.com/jonathan/pagetest-worker/internal/schemas"
	"github.com/jonathan/pagetest-worker/internal/types"
)

// Defaults for Config.
const (
	DefaultConcurrency     = 1
	DefaultMaxReceiveCount = 1
	DefaultRetryBackoff    = 5 * time.Second
	defaultAckTimeout      = 30 * time.Second
)

// JobRunner runs one job and calls done exactly once when it finished.
type JobRunner interface {
	Run(ctx context.Context, job *types.Job, done func(pipeline.Result))
}

// Config holds the consumer settings.
type Config struct {
	// Concurrency is the number of jobs run in parallel.
	Concurrency int
	// MaxReceiveCount drops messages delivered more often than this.
	MaxReceiveCount int
	// RetryBackoff is the pause after a failed receive.
	RetryBackoff time.Duration
	// Image, when set, must finish its first pull before jobs are consumed.
	Image *measure.ImageState
	// Status, when set, receives a failed status for invalid messages that
	// still carry a job id and a URL.
	Status pipeline.StatusSender
}

// Stats are counters of the consumer since start.
type Stats struct {
	Received  int64  `json:"received"`
	Dropped   int64  `json:"dropped"`
	InFlight  int64  `json:"in_flight"`
	Done      int64  `json:"done"`
	Failed    int64  `json:"failed"`
	Consuming bool   `json:"consuming"`
	LastError string `json:"last_error,omitempty"`
}

// Bridge consumes jobs from a transport and hands them to a JobRunner.
type Bridge struct {
	transport queue.Transport
	runner    JobRunner
	cfg       Config
	sem       *semaphore.Weighted
	wg        sync.WaitGroup

	received  atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
	done      atomic.Int64
	failed    atomic.Int64
	consuming atomic.Bool
	lastErr   atomic.Value
}

// New creates a Bridge. Zero config values take the defaults.
func New(transport queue.Transport, runner JobRunner, cfg Config) *Bridge {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxReceiveCount < 1 {
		cfg.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Bridge{
		transport: transport,
		runner:    runner,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run consumes until ctx is canceled, then waits for running jobs to finish.
// Jobs are not canceled by ctx; they complete with their own outcome.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cfg.Image != nil {
		select {
		case <-b.cfg.Image.Done():
		case <-ctx.Done():
			return nil
		}
		if err := b.cfg.Image.Ready(); err != nil {
			slog.Warn("Runtime image not available, jobs will fail until a refresh succeeds", "error", err)
		}
	}

	jobCtx := context.WithoutCancel(ctx)
	slog.Info("Start consuming", "concurrency", b.cfg.Concurrency, "max_receive_count", b.cfg.MaxReceiveCount)
	b.consuming.Store(true)
	defer b.consuming.Store(false)

	for {
		// a slot is taken before receiving so no message is leased without a worker
		if err := b.sem.Acquire(ctx, 1); err != nil {
			break
		}
		msg, err := b.transport.Receive(ctx)
		if err != nil {
			b.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			b.lastErr.Store(err.Error())
			slog.Error("Receive failed", "error", err, "backoff", b.cfg.RetryBackoff)
			if !sleep(ctx, b.cfg.RetryBackoff) {
				break
			}
			continue
		}
		if msg == nil {
			b.sem.Release(1)
			continue
		}

		b.received.Add(1)
		b.wg.Add(1)
		go b.handle(jobCtx, msg)
	}

	slog.Info("Stopped consuming, waiting for running jobs", "in_flight", b.inFlight.Load())
	b.wg.Wait()
	return nil
}

// handle runs one message. The completion function acks the message and frees
// the worker slot; it runs exactly once whatever happens.
func (b *Bridge) handle(ctx context.Context, msg *queue.Message) {
	defer b.wg.Done()
	b.inFlight.Add(1)

	var once sync.Once
	complete := func() {
		once.Do(func() {
			ackCtx, cancel := context.WithTimeout(ctx, defaultAckTimeout)
			defer cancel()
			if err := b.transport.Ack(ackCtx, msg); err != nil {
				slog.Error("Ack failed", "message_id", msg.ID, "error", err)
			}
			b.inFlight.Add(-1)
			b.sem.Release(1)
		})
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("job handler panicked", "message_id", msg.ID, "panic", p, "stack", string(debug.Stack()))
			b.failed.Add(1)
			complete()
		}
	}()

	logger := slog.With("message_id", msg.ID, "receive_count", msg.ReceiveCount)
	if msg.ReceiveCount > b.cfg.MaxReceiveCount {
		logger.Warn("Dropping message delivered too often", "max_receive_count", b.cfg.MaxReceiveCount)
		b.dropped.Add(1)
		complete()
		return
	}

	job, err := DecodeJob(msg.Body)
	if err != nil {
		var verr *schemas.ValidationError
		if errors.As(err, &verr) {
			logger = logger.With("fields", verr.Fields())
		}
		id, named := types.RejectedJobID(msg.Body)
		if !named || b.cfg.Status == nil {
			logger.Warn("Dropping invalid message", "error", err)
			b.dropped.Add(1)
			complete()
			return
		}
		logger.Warn("Rejecting invalid job", "job_id", id, "error", err)
		status := types.StatusMessage{ID: id, Status: types.StatusFailed, Warnings: []string{err.Error()}}
		if err := b.cfg.Status.SendStatus(ctx, status); err != nil {
			logger.Error("failed to send status", "job_id", id, "status", status.Status, "error", err)
		}
		b.failed.Add(1)
		complete()
		return
	}

	logger.Info("Received job", "job_id", job.ID, "url", job.URL)
	b.runner.Run(ctx, job, func(res pipeline.Result) {
		if res.Status == types.StatusDone {
			b.done.Add(1)
		} else {
			b.failed.Add(1)
		}
		complete()
	})
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Received:  b.received.Load(),
		Dropped:   b.dropped.Load(),
		InFlight:  b.inFlight.Load(),
		Done:      b.done.Load(),
		Failed:    b.failed.Load(),
		Consuming: b.consuming.Load(),
	}
	if v, ok := b.lastErr.Load().(string); ok {
		s.LastError = v
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
