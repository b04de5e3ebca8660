package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lemon07r/aweval/internal/config"
	"github.com/lemon07r/aweval/internal/env"
	"github.com/lemon07r/aweval/internal/episode"
	"github.com/lemon07r/aweval/internal/inference"
	"github.com/lemon07r/aweval/internal/report"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/scheduler"
	"github.com/lemon07r/aweval/internal/task"
	"github.com/lemon07r/aweval/prompts"
)

// RandomSeed asks for a fresh suite seed per run.
const RandomSeed = -1

// logTail is how many container log lines are kept when a worker gives up.
const logTail = 50

// Runner orchestrates evaluation runs.
type Runner struct {
	cfg         *config.Config
	logger      *slog.Logger
	newEnv      func(index int) env.Environment
	model       episode.Model
	provisioner *Provisioner
	queue       scheduler.Queue
	counter     scheduler.FailureCounter
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithEnvFactory replaces the HTTP environment clients.
func WithEnvFactory(fn func(index int) env.Environment) Option {
	return func(r *Runner) { r.newEnv = fn }
}

// WithModel replaces the HTTP inference client.
func WithModel(m episode.Model) Option {
	return func(r *Runner) { r.model = m }
}

// WithProvisioner starts environment containers through p for every run.
func WithProvisioner(p *Provisioner) Option {
	return func(r *Runner) { r.provisioner = p }
}

// WithBackend replaces the configured queue and failure counter.
func WithBackend(q scheduler.Queue, c scheduler.FailureCounter) Option {
	return func(r *Runner) {
		r.queue = q
		r.counter = c
	}
}

// New creates a runner for cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{cfg: cfg, logger: logger, now: time.Now}
	r.newEnv = func(index int) env.Environment {
		return env.NewHTTPClient(env.Addr(cfg.Env.Host, cfg.Env.BasePort, index), cfg.EnvTimeout())
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Options configures one run.
type Options struct {
	// IDs are the task ids to evaluate. Empty means the configured selection.
	IDs []int
	// Workers overrides the number of worker slots.
	Workers int
	// Join attaches to a run another process enqueued.
	Join bool
	// Version is recorded in the attestation.
	Version string
}

// SelectIDs returns the task ids chosen by the configuration: the tasks
// selection if set, otherwise 0..num_tasks-1.
func SelectIDs(cfg *config.Config) ([]int, error) {
	if cfg.Harness.Tasks != "" {
		return task.ParseIDs(cfg.Harness.Tasks, 0)
	}
	return task.Range(cfg.Harness.NumTasks), nil
}

// ExpName returns the configured experiment name or a timestamped default.
func (r *Runner) ExpName() string {
	if r.cfg.Harness.ExpName != "" {
		return r.cfg.Harness.ExpName
	}
	return "aw-" + r.now().Format("20060102-150405")
}

// RunDir is the result directory of the named run.
func (r *Runner) RunDir(expName string) string {
	return filepath.Join(r.cfg.Harness.ResultDir, expName)
}

// Run evaluates every selected task and writes the run artifacts. The
// returned summary is also saved in the run directory.
func (r *Runner) Run(ctx context.Context, opts Options) (*result.Summary, error) {
	cfg := r.cfg
	if opts.Join {
		// Every process of a run must agree on its keys and its suite.
		if cfg.Harness.ExpName == "" {
			return nil, errors.New("joining a run requires an explicit experiment name")
		}
		if cfg.Harness.Seed == RandomSeed {
			return nil, errors.New("joining a run requires a fixed seed")
		}
	}

	ids := opts.IDs
	if len(ids) == 0 {
		var err error
		if ids, err = SelectIDs(cfg); err != nil {
			return nil, fmt.Errorf("selecting tasks: %w", err)
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = cfg.Harness.NumWorlds
	}

	set, err := prompts.Load(cfg.Harness.PromptsDir)
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}

	seed := cfg.Harness.Seed
	if seed == RandomSeed {
		seed = rand.Int64N(math.MaxInt32)
		r.logger.Info("using random suite seed", "seed", seed)
	}

	expName := r.ExpName()
	runDir := r.RunDir(expName)
	journal, err := result.OpenJournal(runDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = journal.Close() }()

	queue, counter, closeBackend, err := r.backend(ctx, expName, opts.Join)
	if err != nil {
		return nil, err
	}
	defer closeBackend()

	latency := report.NewLatency()
	model := r.model
	if model == nil {
		client, err := r.inferenceClient(ctx, latency)
		if err != nil {
			return nil, err
		}
		model = client
	}

	summary := result.NewSummary(expName, result.RunConfig{
		NumWorlds:    workers,
		NumTasks:     len(ids),
		MaxSteps:     cfg.Harness.MaxSteps,
		Seed:         seed,
		InferenceURL: cfg.Inference.URL,
		Model:        cfg.Inference.Model,
		Backend:      cfg.Scheduler.Backend,
		Provisioned:  r.provisioner != nil,
		Joined:       opts.Join,
	})

	var containers []Container
	if r.provisioner != nil {
		if err := r.provisioner.EnsureImage(ctx); err != nil {
			return nil, fmt.Errorf("ensuring image: %w", err)
		}
		containers, err = r.provisioner.Start(ctx, summary.ID, workers)
		if err != nil {
			return nil, fmt.Errorf("provisioning environments: %w", err)
		}
		r.logger.Info("environments provisioned", "count", len(containers), "image", cfg.Docker.Image)
		defer func() {
			if err := r.provisioner.Stop(context.WithoutCancel(ctx), containers); err != nil {
				r.logger.Warn("cleaning up environments failed", "error", err)
			}
		}()
	}

	store := result.NewStore(runDir)
	epCfg := episode.Config{
		Seed:           seed,
		MaxSteps:       cfg.Harness.MaxSteps,
		SettleDelay:    cfg.SettleDelay(),
		HealthInterval: cfg.HealthInterval(),
	}
	runners := make([]scheduler.Runner, workers)
	for i := range runners {
		runners[i] = episode.New(r.newEnv(i), model, set, store, epCfg,
			episode.WithLogger(r.logger.With("worker", i)),
			episode.WithTimings(latency),
		)
	}

	sched := scheduler.New(queue, counter, scheduler.Config{
		MaxTaskFailures:   cfg.Harness.MaxTaskFailures,
		MaxWorkerFailures: cfg.Harness.MaxWorkerFailures,
		MaxEmptyPolls:     cfg.Harness.MaxEmptyPolls,
		PollTimeout:       cfg.PollTimeout(),
		Join:              opts.Join,
	},
		scheduler.WithLogger(r.logger),
		scheduler.WithJournal(journal),
		scheduler.WithExitHook(r.exitHook(ctx, containers)),
	)

	r.logger.Info("starting run", "exp", expName, "dir", runDir, "tasks", len(ids), "workers", workers, "seed", seed)
	rep, err := sched.Run(ctx, ids, runners)
	if err != nil {
		return nil, fmt.Errorf("running scheduler: %w", err)
	}

	summary.Outcomes = rep.Outcomes
	summary.Abandoned = rep.Abandoned
	summary.Incomplete = rep.Incomplete
	summary.FailureCounts = rep.FailureCounts
	summary.AbortReasons = rep.AbortReasons
	summary.Workers = rep.Workers
	summary.MeanScore = report.MeanScore(rep.Outcomes)
	summary.Latency = latency.Stats()
	summary.Complete()

	if opts.Join {
		// The enqueueing process owns summary.json and the attestation.
		joinDir := filepath.Join(runDir, result.JoinDir, summary.ID)
		if err := summary.Save(joinDir); err != nil {
			return summary, fmt.Errorf("saving summary: %w", err)
		}
		r.logger.Info("joined run finished", "scored", len(summary.Outcomes), "incomplete", len(summary.Incomplete), "dir", joinDir)
		return summary, nil
	}

	if err := summary.Save(runDir); err != nil {
		return summary, fmt.Errorf("saving summary: %w", err)
	}

	att, err := store.BuildAttestation(summary, opts.Version, result.HashBytes(set.Source()))
	if err != nil {
		return summary, fmt.Errorf("building attestation: %w", err)
	}
	if err := att.Save(runDir); err != nil {
		return summary, err
	}

	calls := latency.Calls()
	r.logger.Info("run finished",
		"scored", len(summary.Outcomes),
		"abandoned", len(summary.Abandoned),
		"incomplete", len(summary.Incomplete),
		"model_calls", calls.Calls,
		"model_failures", calls.Failed,
	)
	return summary, nil
}

func (r *Runner) inferenceClient(ctx context.Context, rec inference.Recorder) (*inference.Client, error) {
	ic := r.cfg.Inference
	transport, err := inference.NewChatTransport(ctx, inference.TransportConfig{
		Endpoint: ic.URL,
		Model:    ic.Model,
		APIKey:   r.cfg.APIKey(),
		Sampling: inference.Sampling{
			TopP:              ic.TopP,
			TopK:              ic.TopK,
			Temperature:       ic.Temperature,
			MaxTokens:         ic.MaxTokens,
			RepetitionPenalty: ic.RepetitionPenalty,
		},
		Timeout: r.cfg.InferenceTimeout(),
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("inference transport", "url", ic.URL, "dialect", transport.Dialect())

	return inference.NewClient(transport,
		inference.WithRetries(ic.Retries),
		inference.WithBackoff(r.cfg.Backoff()),
		inference.WithLogger(r.logger),
		inference.WithRecorder(rec),
	), nil
}

// backend returns the queue and failure counter of the run named expName.
func (r *Runner) backend(ctx context.Context, expName string, join bool) (scheduler.Queue, scheduler.FailureCounter, func(), error) {
	if r.queue != nil && r.counter != nil {
		return r.queue, r.counter, func() {}, nil
	}

	sc := r.cfg.Scheduler
	switch sc.Backend {
	case config.BackendMemory:
		if join {
			return nil, nil, nil, errors.New("joining a run requires the redis scheduler backend")
		}
		return scheduler.NewMemoryQueue(), scheduler.NewMemoryCounter(), func() {}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: r.cfg.RedisPassword(),
			DB:       sc.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("connecting to redis at %s: %w", sc.RedisAddr, err)
		}

		prefix := sc.KeyPrefix + ":" + expName
		q := scheduler.NewRedisQueue(client, prefix)
		c := scheduler.NewRedisCounter(client, prefix)
		if !join {
			// A fresh run must not inherit a previous run's leftovers.
			if err := q.Clear(ctx); err != nil {
				_ = client.Close()
				return nil, nil, nil, fmt.Errorf("clearing queue: %w", err)
			}
			if err := c.Clear(ctx); err != nil {
				_ = client.Close()
				return nil, nil, nil, fmt.Errorf("clearing failure counts: %w", err)
			}
		}
		r.logger.Debug("using redis scheduler backend", "addr", sc.RedisAddr, "prefix", prefix)
		return q, c, func() { _ = client.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown scheduler backend %q", sc.Backend)
	}
}

// exitHook logs the tail of a provisioned environment's output when its
// worker gives up.
func (r *Runner) exitHook(ctx context.Context, containers []Container) func(result.WorkerExit) {
	return func(exit result.WorkerExit) {
		if exit.Reason != scheduler.ExitFailures || exit.Worker >= len(containers) {
			return
		}
		c := containers[exit.Worker]
		logs, err := r.provisioner.Logs(context.WithoutCancel(ctx), c.ID, logTail)
		if err != nil {
			r.logger.Warn("reading environment logs failed", "worker", exit.Worker, "container", c.Name, "error", err)
			return
		}
		r.logger.Warn("environment output before worker exit", "worker", exit.Worker, "container", c.Name, "logs", logs)
	}
}

// ProbeResult is the step budget of one task type.
type ProbeResult struct {
	TaskType string
	MaxSteps int
	Err      error
}

// Probe resets environment 0 and asks it for the step budget of every task
// type in its suite.
func (r *Runner) Probe(ctx context.Context) ([]ProbeResult, error) {
	e := r.newEnv(0)
	if err := e.Reset(ctx, true); err != nil {
		return nil, fmt.Errorf("resetting environment: %w", err)
	}
	types, err := e.TaskList(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	out := make([]ProbeResult, 0, len(types))
	for _, t := range types {
		n, err := e.TaskMaxSteps(ctx, t, 0)
		out = append(out, ProbeResult{TaskType: t, MaxSteps: n, Err: err})
	}
	return out, nil
}

// TaskTypes returns the suite task list of environment 0.
func (r *Runner) TaskTypes(ctx context.Context) ([]string, error) {
	types, err := r.newEnv(0).TaskList(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return types, nil
}

// PromptHash fingerprints the prompt templates in dir, or the embedded ones
// when dir is empty.
func PromptHash(dir string) (string, error) {
	set, err := prompts.Load(dir)
	if err != nil {
		return "", err
	}
	return result.HashBytes(set.Source()), nil
}

// RemoveRun deletes the run directory of expName under the result dir.
func (r *Runner) RemoveRun(expName string) error {
	dir := r.RunDir(expName)
	if _, err := os.Stat(filepath.Join(dir, result.SummaryFile)); err != nil {
		if _, jerr := os.Stat(filepath.Join(dir, result.JournalFile)); jerr != nil {
			return fmt.Errorf("%s is not a run directory", dir)
		}
	}
	return os.RemoveAll(dir)
}
