// Package queue runs pipeline runs in the background from a store-backed
// queue and publishes their progress.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proethica/proethica/metrics"
	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/store"
)

// ErrRunFinished is returned when cancelling a run that already ended.
var ErrRunFinished = errors.New("queue: run already finished")

// Runner executes one pipeline step for a case.
type Runner interface {
	RunStep(ctx context.Context, caseID int64, step string, progress pipeline.ProgressFunc) (*pipeline.StepResult, error)
}

// Config tunes a Queue.
type Config struct {
	Workers      int
	PollInterval time.Duration
}

// Queue claims queued runs and executes their steps in order.
type Queue struct {
	store  *store.Store
	runner Runner
	hub    *Hub
	cfg    Config

	wake chan struct{}

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Queue. A nil hub gets a fresh one.
func New(st *store.Store, runner Runner, hub *Hub, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Queue{
		store:     st,
		runner:    runner,
		hub:       hub,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

// Hub returns the event hub.
func (q *Queue) Hub() *Hub { return q.hub }

// Start fails runs left running by an earlier process and starts the
// workers. Workers stop when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.store.RecoverRuns(ctx)
	if err != nil {
		return fmt.Errorf("queue: recovering runs: %w", err)
	}
	if n > 0 {
		slog.Warn("queue: marked interrupted runs failed", "count", n)
		metrics.RunsTotal.WithLabelValues(store.RunFailed).Add(float64(n))
	}

	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.stop = cancel
	q.mu.Unlock()
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	slog.Info("queue: started", "workers", q.cfg.Workers)
	return nil
}

// Stop cancels running runs and waits for the workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	stop := q.stop
	q.mu.Unlock()
	if stop != nil {
		stop()
	}
	q.wg.Wait()
}

// Enqueue validates the steps and queues a run. An empty list queues every
// step.
func (q *Queue) Enqueue(ctx context.Context, caseID int64, steps []string) (*store.Run, error) {
	ordered, err := pipeline.Order(steps)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ID
	}
	run, err := q.store.EnqueueRun(ctx, caseID, ids)
	if err != nil {
		return nil, err
	}
	slog.Info("queue: run enqueued", "run_id", run.ID, "case_id", caseID, "steps", ids)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return run, nil
}

// Cancel cancels a queued run, or the context of a running one. The run
// ends with status cancelled.
func (q *Queue) Cancel(ctx context.Context, runID string) error {
	ok, err := q.store.CancelQueuedRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("queue: cancelling run: %w", err)
	}
	if ok {
		run, _ := q.store.GetRun(ctx, runID)
		e := Event{Type: EventRunCancelled, RunID: runID}
		if run != nil {
			e.CaseID, e.Total = run.CaseID, len(run.Steps)
		}
		q.hub.Publish(e)
		metrics.RunsTotal.WithLabelValues(store.RunCancelled).Inc()
		slog.Info("queue: queued run cancelled", "run_id", runID)
		return nil
	}

	q.mu.Lock()
	cancel, running := q.running[runID]
	if running {
		q.cancelled[runID] = true
	}
	q.mu.Unlock()
	if running {
		cancel()
		slog.Info("queue: cancelling running run", "run_id", runID)
		return nil
	}

	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunRunning {
		// claimed but not yet registered by its worker
		q.mu.Lock()
		q.cancelled[runID] = true
		q.mu.Unlock()
		return nil
	}
	return ErrRunFinished
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		run, err := q.store.ClaimRun(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("queue: claiming run", "worker", n, "error", err)
			}
		}
		if run != nil {
			q.execute(ctx, run)
			continue
		}
		if depth, err := q.store.CountRuns(ctx, store.RunQueued); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// execute runs the steps of a claimed run in order.
func (q *Queue) execute(ctx context.Context, run *store.Run) {
	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.running[run.ID] = cancel
	if q.cancelled[run.ID] {
		cancel()
	}
	q.mu.Unlock()
	defer q.release(run.ID, cancel)

	total := len(run.Steps)
	publish := func(e Event) {
		e.RunID, e.CaseID, e.Total = run.ID, run.CaseID, total
		q.hub.Publish(e)
	}
	log := slog.With("run_id", run.ID, "case_id", run.CaseID)
	log.Info("queue: run started", "steps", run.Steps)
	publish(Event{Type: EventRunStarted})

	for i, step := range run.Steps {
		if err := q.store.UpdateRunProgress(runCtx, run.ID, step, i); err != nil {
			log.Warn("queue: recording progress", "error", err)
		}
		publish(Event{Type: EventStepStarted, Step: step, Completed: i})

		_, err := q.runner.RunStep(runCtx, run.CaseID, step, func(p pipeline.Progress) {
			sess := p.Session
			publish(Event{Type: EventSessionCompleted, Step: p.Step, Completed: i, Session: &sess})
		})
		if err != nil {
			q.finish(ctx, run, step, i, err, cancel, publish)
			return
		}
		publish(Event{Type: EventStepCompleted, Step: step, Completed: i + 1})
	}

	finishCtx := context.WithoutCancel(ctx)
	if err := q.store.UpdateRunProgress(finishCtx, run.ID, "", total); err != nil {
		log.Warn("queue: recording progress", "error", err)
	}
	if err := q.store.FinishRun(finishCtx, run.ID, store.RunCompleted, ""); err != nil {
		log.Error("queue: finishing run", "error", err)
	}
	metrics.RunsTotal.WithLabelValues(store.RunCompleted).Inc()
	q.release(run.ID, cancel)
	log.Info("queue: run completed")
	publish(Event{Type: EventRunCompleted, Completed: total})
}

// finish ends a run whose step returned err. A user cancel ends it
// cancelled; shutdown and step errors end it failed.
func (q *Queue) finish(ctx context.Context, run *store.Run, step string, completed int, err error, cancel context.CancelFunc, publish func(Event)) {
	q.mu.Lock()
	userCancel := q.cancelled[run.ID]
	q.mu.Unlock()

	status, typ, reason := store.RunFailed, EventRunFailed, err.Error()
	switch {
	case userCancel:
		status, typ, reason = store.RunCancelled, EventRunCancelled, "cancelled"
	case ctx.Err() != nil:
		reason = "interrupted"
	}
	if ferr := q.store.FinishRun(context.WithoutCancel(ctx), run.ID, status, reason); ferr != nil {
		slog.Error("queue: finishing run", "run_id", run.ID, "error", ferr)
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	q.release(run.ID, cancel)
	slog.Warn("queue: run ended", "run_id", run.ID, "status", status, "step", step, "error", err)
	publish(Event{Type: typ, Step: step, Completed: completed, Error: reason})
}

// release forgets a run so it can no longer be cancelled. It is safe to
// call more than once.
func (q *Queue) release(runID string, cancel context.CancelFunc) {
	cancel()
	q.mu.Lock()
	delete(q.running, runID)
	delete(q.cancelled, runID)
	q.mu.Unlock()
}
