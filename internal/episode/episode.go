// Package episode plays one benchmark task against one environment: it turns
// screenshots into model prompts, model replies into actions, and reports a
// terminal Scored or Aborted result.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemon07r/aweval/internal/action"
	"github.com/lemon07r/aweval/internal/env"
	"github.com/lemon07r/aweval/internal/inference"
	"github.com/lemon07r/aweval/internal/response"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/task"
	"github.com/lemon07r/aweval/prompts"
)

// Each suite is reinitialized with one combination per template, so the
// instance index of every task is 0.
const (
	taskIdx       = 0
	nCombinations = 1
)

// Timing phases reported to Timings.
const (
	PhaseScreenshot = "screenshot"
	PhaseExecute    = "execute"
	PhaseStep       = "step"
	PhaseEpisode    = "episode"
)

// Result is the terminal state of an episode. It is either Scored or Aborted.
type Result interface {
	isResult()
}

// Scored is returned when the episode ran to completion. Score is nil when
// the environment could not score the task.
type Scored struct {
	TaskType string
	Score    *float64
	Steps    int
}

// Aborted is returned when an environment or storage failure ended the
// episode early. Its partial artifacts have already been removed.
type Aborted struct {
	TaskType string
	Reason   error
}

func (Scored) isResult()  {}
func (Aborted) isResult() {}

// Model produces the next reply for a prompt. A nil reply means the model
// could not be reached.
type Model interface {
	Call(ctx context.Context, messages []inference.Message) *string
}

// Timings receives phase durations of an episode.
type Timings interface {
	Observe(phase string, d time.Duration)
}

// Config holds the per-episode knobs.
type Config struct {
	Seed           int64
	MaxSteps       int
	SettleDelay    time.Duration
	HealthInterval time.Duration
}

// Episode runs tasks against one environment. It is owned by a single worker.
type Episode struct {
	env     env.Environment
	model   Model
	prompts *prompts.Set
	store   *result.Store
	cfg     Config
	logger  *slog.Logger
	timings Timings
	sleep   func(context.Context, time.Duration) error
}

// Option configures an Episode.
type Option func(*Episode)

// WithLogger sets the episode logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Episode) { e.logger = l }
}

// WithTimings sets where phase durations are reported.
func WithTimings(t Timings) Option {
	return func(e *Episode) { e.timings = t }
}

// WithSleep replaces the delay used for settling and health polling.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Episode) { e.sleep = fn }
}

// New creates an episode runner.
func New(e env.Environment, m Model, p *prompts.Set, store *result.Store, cfg Config, opts ...Option) *Episode {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = task.DefaultMaxSteps
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}
	ep := &Episode{
		env:     e,
		model:   m,
		prompts: p,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep
}

// Run plays task id to completion and returns Scored or Aborted. It never
// panics on bad model output; only environment and storage failures abort.
func (ep *Episode) Run(ctx context.Context, id int) Result {
	start := time.Now()
	logger := ep.logger.With("task", id)

	t, err := ep.init(ctx, id, logger)
	if err != nil {
		return ep.abort(t.Type, err, logger)
	}
	logger = logger.With("task_type", t.Type)
	logger.Info("episode started", "goal", t.Goal, "max_steps", t.MaxSteps)

	steps, err := ep.play(ctx, t, logger)
	if err != nil {
		return ep.abort(t.Type, err, logger)
	}

	score, err := ep.finish(ctx, t)
	if err != nil {
		return ep.abort(t.Type, err, logger)
	}

	elapsed := time.Since(start)
	ep.observe(PhaseEpisode, elapsed)
	logger.Info("episode scored", "score", result.FormatScore(score), "steps", steps, "duration", elapsed.Round(time.Millisecond))
	return Scored{TaskType: t.Type, Score: score, Steps: steps}
}

// init prepares the environment and resolves the task. The returned task
// carries whatever was resolved before a failure.
func (ep *Episode) init(ctx context.Context, id int, logger *slog.Logger) (task.Task, error) {
	t := task.Task{ID: id}

	if err := ep.waitHealthy(ctx, logger); err != nil {
		return t, err
	}
	if err := ep.env.Reset(ctx, true); err != nil {
		return t, fmt.Errorf("resetting environment: %w", err)
	}
	if err := ep.env.ReinitializeSuite(ctx, nCombinations, ep.cfg.Seed); err != nil {
		return t, fmt.Errorf("reinitializing suite: %w", err)
	}

	taskType, err := env.TaskType(ctx, ep.env, id)
	if err != nil {
		return t, fmt.Errorf("resolving task type: %w", err)
	}
	t.Type = taskType

	goal, err := ep.env.TaskGoal(ctx, t.Type, taskIdx)
	if err != nil {
		return t, fmt.Errorf("resolving goal: %w", err)
	}
	t.Goal = goal

	t.MaxSteps, err = ep.env.TaskMaxSteps(ctx, t.Type, taskIdx)
	if err != nil || t.MaxSteps <= 0 {
		logger.Debug("max steps unavailable, using default", "default", ep.cfg.MaxSteps, "error", err)
		t.MaxSteps = ep.cfg.MaxSteps
	}

	if err := ep.env.InitializeTask(ctx, t.Type, taskIdx); err != nil {
		return t, fmt.Errorf("initializing task: %w", err)
	}
	if err := ep.sleep(ctx, ep.cfg.SettleDelay); err != nil {
		return t, err
	}
	return t, nil
}

func (ep *Episode) waitHealthy(ctx context.Context, logger *slog.Logger) error {
	for {
		err := ep.env.Health(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for environment: %w", ctx.Err())
		}
		logger.Warn("environment not healthy, waiting", "interval", ep.cfg.HealthInterval, "error", err)
		if err := ep.sleep(ctx, ep.cfg.HealthInterval); err != nil {
			return fmt.Errorf("waiting for environment: %w", err)
		}
	}
}

// play runs the step loop and returns the number of steps taken.
func (ep *Episode) play(ctx context.Context, t task.Task, logger *slog.Logger) (int, error) {
	var trace result.Trace

	for i := 0; i < t.MaxSteps; i++ {
		stepStart := time.Now()
		slogger := logger.With("step", fmt.Sprintf("%d/%d", i+1, t.MaxSteps))

		img, err := ep.env.Screenshot(ctx)
		if err != nil {
			return trace.Len(), fmt.Errorf("capturing screenshot: %w", err)
		}
		shotTime := time.Since(stepStart)
		ep.observe(PhaseScreenshot, shotTime)

		messages, err := BuildMessages(ep.prompts, t.Goal, trace, img)
		if err != nil {
			return trace.Len(), err
		}

		bounds := img.Bounds()
		raw := ep.model.Call(ctx, messages)
		parsed, act, ok := decide(raw, bounds.Dx(), bounds.Dy(), slogger)

		var execTime time.Duration
		if ok {
			execStart := time.Now()
			res, err := ep.env.Execute(ctx, act)
			if err != nil {
				return trace.Len(), fmt.Errorf("executing %s: %w", act.ActionType, err)
			}
			if res.Error != "" {
				slogger.Warn("action reported an error", "action", act.ActionType, "status", res.Status, "error", res.Error)
			}
			execTime = time.Since(execStart)
			ep.observe(PhaseExecute, execTime)
		}

		if err := ep.sleep(ctx, ep.cfg.SettleDelay); err != nil {
			return trace.Len(), err
		}

		rec := result.StepRecord{
			Instruction: t.Goal,
			TaskType:    t.Type,
			Response:    raw,
			Parsed:      parsed,
			Messages:    messages,
		}
		step := result.Step{Index: i, Response: raw, Parsed: parsed}
		if ok {
			rec.EnvAction = act
			step.EnvAction = &act
		}
		if err := ep.store.SaveStep(i, rec, img); err != nil {
			return trace.Len(), fmt.Errorf("saving step %d: %w", i, err)
		}
		trace.Append(step)

		stepTime := time.Since(stepStart)
		ep.observe(PhaseStep, stepTime)
		slogger.Info("step completed",
			"action", actionName(act, ok),
			"screenshot", shotTime.Round(time.Millisecond),
			"execute", execTime.Round(time.Millisecond),
			"duration", stepTime.Round(time.Millisecond))

		if ok && act.IsTerminal() {
			break
		}
	}
	return trace.Len(), nil
}

// decide turns a model reply into an executable action. Any failure yields
// the no-op sentinel and ok == false; it never ends the episode.
func decide(raw *string, width, height int, logger *slog.Logger) (response.Parsed, action.Action, bool) {
	if raw == nil {
		logger.Warn("model returned no reply")
		return response.NoOp(), action.Action{}, false
	}
	parsed := response.Parse(*raw)
	act, err := action.Translate(parsed.Action, width, height)
	if err != nil {
		if errors.Is(err, action.ErrNoAction) {
			logger.Warn("reply contains no action")
		} else {
			logger.Warn("invalid action", "error", err)
		}
		return response.NoOp(), action.Action{}, false
	}
	return parsed, act, true
}

func (ep *Episode) finish(ctx context.Context, t task.Task) (*float64, error) {
	score, err := ep.env.TaskScore(ctx, t.Type, taskIdx)
	if err != nil {
		return nil, fmt.Errorf("scoring task: %w", err)
	}
	if err := ep.store.SaveScore(t.Type, score); err != nil {
		return nil, err
	}
	if err := ep.env.TearDown(ctx, t.Type, taskIdx); err != nil {
		return nil, fmt.Errorf("tearing down task: %w", err)
	}
	return score, nil
}

func (ep *Episode) abort(taskType string, reason error, logger *slog.Logger) Result {
	logger.Error("episode aborted", "task_type", taskType, "error", reason)
	if err := ep.store.RemoveTask(taskType); err != nil {
		logger.Warn("failed to remove partial artifacts", "error", err)
	} else if taskType != "" {
		logger.Debug("removed partial artifacts", "dir", ep.store.TaskDir(taskType))
	}
	return Aborted{TaskType: taskType, Reason: reason}
}

func (ep *Episode) observe(phase string, d time.Duration) {
	if ep.timings != nil {
		ep.timings.Observe(phase, d)
	}
}

func actionName(a action.Action, ok bool) string {
	if !ok {
		return action.None
	}
	return string(a.ActionType)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
