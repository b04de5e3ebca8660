// Package scheduler distributes task ids over a fixed pool of workers, each
// bound to one environment, and decides when tasks are retried or abandoned
// and when workers give up.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemon07r/aweval/internal/episode"
	errsummary "github.com/lemon07r/aweval/internal/errors"
	"github.com/lemon07r/aweval/internal/result"
)

// Worker exit reasons.
const (
	ExitDrained  = "queue drained"
	ExitFailures = "too many failed tasks"
	ExitCanceled = "canceled"
)

// Runner plays one task. *episode.Episode implements it.
type Runner interface {
	Run(ctx context.Context, id int) episode.Result
}

// Config bounds retries and worker lifetimes.
type Config struct {
	// MaxTaskFailures is the number of counted failures after which a task
	// is re-enqueued no more.
	MaxTaskFailures int
	// MaxWorkerFailures is the number of distinct failed tasks after which a
	// worker exits.
	MaxWorkerFailures int
	// MaxEmptyPolls is the number of consecutive empty polls after which a
	// worker exits.
	MaxEmptyPolls int
	PollTimeout   time.Duration
	// Join skips enqueueing the task ids; another process already did.
	Join bool
}

// DefaultConfig returns the standard retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxTaskFailures:   5,
		MaxWorkerFailures: 5,
		MaxEmptyPolls:     5,
		PollTimeout:       2 * time.Second,
	}
}

// Report is the outcome of a scheduler run.
type Report struct {
	Outcomes      []result.Outcome
	Abandoned     []int
	Incomplete    []int
	FailureCounts map[int]int
	AbortReasons  map[int][]string
	Workers       []result.WorkerExit
}

// Scheduler runs workers against a shared queue and failure counter.
type Scheduler struct {
	queue   Queue
	counter FailureCounter
	cfg     Config
	logger  *slog.Logger
	journal *result.Journal
	onExit  func(result.WorkerExit)

	live atomic.Int32

	mu        sync.Mutex
	outcomes  []result.Outcome
	abandoned []int
	reasons   map[int][]string
	exits     []result.WorkerExit
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithJournal records every scheduling event in j.
func WithJournal(j *result.Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithExitHook calls fn after each worker slot exits.
func WithExitHook(fn func(result.WorkerExit)) Option {
	return func(s *Scheduler) { s.onExit = fn }
}

// New creates a scheduler. Zero fields of cfg take their defaults.
func New(q Queue, c FailureCounter, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxTaskFailures <= 0 {
		cfg.MaxTaskFailures = def.MaxTaskFailures
	}
	if cfg.MaxWorkerFailures <= 0 {
		cfg.MaxWorkerFailures = def.MaxWorkerFailures
	}
	if cfg.MaxEmptyPolls <= 0 {
		cfg.MaxEmptyPolls = def.MaxEmptyPolls
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	s := &Scheduler{
		queue:   q,
		counter: c,
		cfg:     cfg,
		logger:  slog.Default(),
		reasons: make(map[int][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run enqueues ids and drives workers[i] as worker slot i until every worker
// has exited. A scheduler is meant for a single Run.
func (s *Scheduler) Run(ctx context.Context, ids []int, workers []Runner) (*Report, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("no workers")
	}
	if !s.cfg.Join {
		for _, id := range ids {
			if err := s.queue.Put(ctx, id); err != nil {
				return nil, fmt.Errorf("enqueueing task %d: %w", id, err)
			}
		}
	}
	s.logger.Info("scheduler started", "tasks", len(ids), "workers", len(workers))

	s.live.Store(int32(len(workers)))

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(slot int, r Runner) {
			defer wg.Done()
			exit := s.work(ctx, slot, r)
			s.live.Add(-1)

			s.mu.Lock()
			s.exits = append(s.exits, exit)
			s.mu.Unlock()

			s.logger.Info("worker exited", "worker", slot, "reason", exit.Reason, "completed", exit.Completed, "failed", len(exit.Failed))
			s.record(result.Event{Kind: result.EventExit, Worker: slot, Reason: exit.Reason})
			if s.onExit != nil {
				s.onExit(exit)
			}
		}(i, w)
	}
	wg.Wait()

	return s.report(ctx, ids)
}

func (s *Scheduler) report(ctx context.Context, ids []int) (*Report, error) {
	// The run context may be gone after a cancel; the counter still has to
	// be read.
	ctx = context.WithoutCancel(ctx)
	counts, err := s.counter.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading failure counts: %w", err)
	}
	// Workers in other processes finish tasks too; only the shared record
	// knows which ids nobody finished.
	done, err := s.counter.Done(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading finished tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rep := &Report{
		Outcomes:      append([]result.Outcome(nil), s.outcomes...),
		Abandoned:     append([]int(nil), s.abandoned...),
		FailureCounts: counts,
		AbortReasons:  s.reasons,
		Workers:       append([]result.WorkerExit(nil), s.exits...),
	}

	for _, o := range rep.Outcomes {
		done[o.TaskID] = true
	}
	for _, id := range rep.Abandoned {
		done[id] = true
	}
	for _, id := range ids {
		if !done[id] {
			rep.Incomplete = append(rep.Incomplete, id)
		}
	}

	result.SortOutcomes(rep.Outcomes)
	sort.Ints(rep.Abandoned)
	sort.Ints(rep.Incomplete)
	sort.Slice(rep.Workers, func(i, j int) bool { return rep.Workers[i].Worker < rep.Workers[j].Worker })
	return rep, nil
}

// work is the loop of one worker slot.
func (s *Scheduler) work(ctx context.Context, slot int, r Runner) result.WorkerExit {
	logger := s.logger.With("worker", slot)
	exit := result.WorkerExit{Worker: slot}
	failed := make(map[int]bool)
	empty := 0

	finish := func(reason string) result.WorkerExit {
		exit.Reason = reason
		for id := range failed {
			exit.Failed = append(exit.Failed, id)
		}
		sort.Ints(exit.Failed)
		return exit
	}

	for {
		if ctx.Err() != nil {
			return finish(ExitCanceled)
		}
		if empty >= s.cfg.MaxEmptyPolls {
			return finish(ExitDrained)
		}

		id, ok, err := s.queue.Poll(ctx, s.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return finish(ExitCanceled)
			}
			logger.Warn("polling queue failed", "error", err)
			empty++
			continue
		}
		if !ok {
			empty++
			logger.Debug("queue empty", "empty_polls", empty)
			continue
		}

		// live counts this process's workers only. A lone worker retries its
		// own failures even when other processes share the queue.
		if failed[id] && s.live.Load() > 1 {
			if err := s.queue.Put(ctx, id); err != nil {
				logger.Error("returning task to queue failed", "task", id, "error", err)
			}
			empty++
			logger.Debug("skipped own failed task", "task", id)
			s.record(result.Event{Kind: result.EventSkip, Worker: slot, TaskID: &id})
			continue
		}
		empty = 0

		logger.Info("claimed task", "task", id)
		s.record(result.Event{Kind: result.EventClaim, Worker: slot, TaskID: &id})

		switch res := r.Run(ctx, id).(type) {
		case episode.Scored:
			exit.Completed++
			s.scored(ctx, logger, slot, id, res)

		case episode.Aborted:
			if ctx.Err() != nil {
				// Interrupted, not failed: return it uncounted.
				if err := s.queue.Put(context.WithoutCancel(ctx), id); err != nil {
					logger.Error("returning task to queue failed", "task", id, "error", err)
				}
				return finish(ExitCanceled)
			}
			s.aborted(ctx, logger, slot, id, res)
			failed[id] = true
			if len(failed) >= s.cfg.MaxWorkerFailures {
				logger.Warn("worker giving up", "failed_tasks", len(failed))
				return finish(ExitFailures)
			}
		}
	}
}

func (s *Scheduler) scored(ctx context.Context, logger *slog.Logger, slot, id int, res episode.Scored) {
	s.markDone(ctx, logger, id)

	s.mu.Lock()
	s.outcomes = append(s.outcomes, result.Outcome{
		Worker:   slot,
		TaskID:   id,
		TaskType: res.TaskType,
		Score:    res.Score,
	})
	s.mu.Unlock()

	s.record(result.Event{Kind: result.EventScored, Worker: slot, TaskID: &id, TaskType: res.TaskType, Score: res.Score})
}

func (s *Scheduler) aborted(ctx context.Context, logger *slog.Logger, slot, id int, res episode.Aborted) {
	summary := errsummary.Classify(res.Reason)

	s.mu.Lock()
	s.reasons[id] = append(s.reasons[id], summary)
	s.mu.Unlock()

	n, err := s.counter.Incr(ctx, id)
	if err != nil {
		logger.Error("counting failure failed, requeueing", "task", id, "error", err)
		if err := s.queue.Put(ctx, id); err != nil {
			logger.Error("returning task to queue failed", "task", id, "error", err)
		}
		return
	}

	ev := result.Event{Worker: slot, TaskID: &id, TaskType: res.TaskType, Failures: n, Reason: summary}
	if n <= s.cfg.MaxTaskFailures {
		if err := s.queue.Put(ctx, id); err != nil {
			logger.Error("requeueing task failed", "task", id, "error", err)
		}
		logger.Warn("task failed, requeued", "task", id, "failures", n, "reason", summary)
		ev.Kind = result.EventRetry
	} else {
		s.markDone(ctx, logger, id)
		s.mu.Lock()
		s.abandoned = append(s.abandoned, id)
		s.mu.Unlock()
		logger.Error("task abandoned", "task", id, "failures", n, "reason", summary)
		ev.Kind = result.EventAbandon
	}
	s.record(ev)
}

func (s *Scheduler) markDone(ctx context.Context, logger *slog.Logger, id int) {
	if err := s.counter.MarkDone(context.WithoutCancel(ctx), id); err != nil {
		logger.Error("marking task finished failed", "task", id, "error", err)
	}
}

func (s *Scheduler) record(e result.Event) {
	if err := s.journal.Record(e); err != nil {
		s.logger.Warn("writing journal failed", "error", err)
	}
}
