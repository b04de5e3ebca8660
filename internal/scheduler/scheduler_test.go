package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/lemon07r/aweval/internal/episode"
	"github.com/lemon07r/aweval/internal/result"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		MaxTaskFailures:   5,
		MaxWorkerFailures: 5,
		MaxEmptyPolls:     5,
		PollTimeout:       2 * time.Millisecond,
	}
}

// scriptRunner scores every task except those fail reports true for.
type scriptRunner struct {
	mu   sync.Mutex
	fail func(id int) bool
	runs map[int]int
}

func newScriptRunner(fail func(id int) bool) *scriptRunner {
	return &scriptRunner{fail: fail, runs: make(map[int]int)}
}

func (r *scriptRunner) Run(_ context.Context, id int) episode.Result {
	r.mu.Lock()
	r.runs[id]++
	r.mu.Unlock()

	taskType := fmt.Sprintf("Task%d", id)
	if r.fail(id) {
		return episode.Aborted{TaskType: taskType, Reason: errors.New("env: GET /screenshot: dial tcp: connection refused")}
	}
	score := 1.0
	return episode.Scored{TaskType: taskType, Score: &score, Steps: 1}
}

func (r *scriptRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.runs {
		n += c
	}
	return n
}

func (r *scriptRunner) runsOf(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func decodeEvents(t *testing.T, buf *bytes.Buffer) []result.Event {
	t.Helper()
	var events []result.Event
	dec := json.NewDecoder(buf)
	for dec.More() {
		var e result.Event
		require.NoError(t, dec.Decode(&e))
		events = append(events, e)
	}
	return events
}

func countKind(events []result.Event, kind result.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func outcomeIDs(outcomes []result.Outcome) []int {
	ids := make([]int, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.TaskID
	}
	return ids
}

func TestRunThreeTasksOneWorkerAbandonsFailingTask(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	runner := newScriptRunner(func(id int) bool { return id == 1 })
	s := New(NewMemoryQueue(), NewMemoryCounter(), fastConfig(),
		WithLogger(quietLogger()), WithJournal(result.NewJournal(&buf)))

	rep, err := s.Run(context.Background(), []int{0, 1, 2}, []Runner{runner})
	require.NoError(t, err)

	require.Equal(t, []int{0, 2}, outcomeIDs(rep.Outcomes))
	require.Equal(t, []int{1}, rep.Abandoned)
	require.Empty(t, rep.Incomplete)
	require.Equal(t, 6, rep.FailureCounts[1])
	require.Equal(t, 6, runner.runsOf(1))
	require.Len(t, rep.AbortReasons[1], 6)
	require.Equal(t, "Environment unreachable: GET /screenshot connection refused", rep.AbortReasons[1][0])

	require.Len(t, rep.Workers, 1)
	require.Equal(t, ExitDrained, rep.Workers[0].Reason)
	require.Equal(t, 2, rep.Workers[0].Completed)
	require.Equal(t, []int{1}, rep.Workers[0].Failed)

	events := decodeEvents(t, &buf)
	require.Equal(t, 5, countKind(events, result.EventRetry))
	require.Equal(t, 1, countKind(events, result.EventAbandon))
	require.Equal(t, 2, countKind(events, result.EventScored))
	require.Equal(t, 8, countKind(events, result.EventClaim))
	require.Equal(t, 0, countKind(events, result.EventSkip))
	require.Equal(t, 1, countKind(events, result.EventExit))
}

func TestWorkerExitsAfterDistinctFailures(t *testing.T) {
	t.Parallel()

	ids := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	runner := newScriptRunner(func(int) bool { return true })
	q := NewMemoryQueue()
	s := New(q, NewMemoryCounter(), fastConfig(), WithLogger(quietLogger()))

	rep, err := s.Run(context.Background(), ids, []Runner{runner})
	require.NoError(t, err)

	require.Equal(t, 5, runner.total(), "no claims after the fifth distinct failure")
	require.Equal(t, ExitFailures, rep.Workers[0].Reason)
	require.Equal(t, []int{0, 1, 2, 3, 4}, rep.Workers[0].Failed)
	require.Empty(t, rep.Outcomes)
	require.Empty(t, rep.Abandoned)
	require.Equal(t, ids, rep.Incomplete)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, n, "failed tasks are requeued, the rest never claimed")
}

func TestSkipOwnFailuresLeavesTaskToOtherWorker(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxEmptyPolls = 50

	var buf bytes.Buffer
	bad := newScriptRunner(func(id int) bool { return id == 0 })
	good := newScriptRunner(func(int) bool { return false })
	s := New(NewMemoryQueue(), NewMemoryCounter(), cfg,
		WithLogger(quietLogger()), WithJournal(result.NewJournal(&buf)))

	rep, err := s.Run(context.Background(), []int{0, 1, 2, 3}, []Runner{bad, good})
	require.NoError(t, err)

	require.ElementsMatch(t, []int{0, 1, 2, 3}, outcomeIDs(rep.Outcomes))
	require.Empty(t, rep.Abandoned)
	require.Empty(t, rep.Incomplete)
	require.LessOrEqual(t, bad.runsOf(0), 1, "the failing worker must not retry its own failure while another is live")
	require.Equal(t, bad.runsOf(0), rep.FailureCounts[0])

	for _, o := range rep.Outcomes {
		if o.TaskID == 0 {
			require.Equal(t, 1, o.Worker)
		}
	}
}

// blockingRunner waits for cancellation and reports the interrupted episode
// as aborted.
type blockingRunner struct {
	started chan int
}

func (r *blockingRunner) Run(ctx context.Context, id int) episode.Result {
	r.started <- id
	<-ctx.Done()
	return episode.Aborted{Reason: ctx.Err()}
}

func TestCancelReturnsTaskUncounted(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	counter := NewMemoryCounter()
	runner := &blockingRunner{started: make(chan int, 1)}
	s := New(q, counter, fastConfig(), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-runner.started
		cancel()
	}()

	rep, err := s.Run(ctx, []int{7}, []Runner{runner})
	require.NoError(t, err)

	require.Empty(t, rep.FailureCounts)
	require.Equal(t, []int{7}, rep.Incomplete)
	require.Equal(t, ExitCanceled, rep.Workers[0].Reason)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRunRequiresWorkers(t *testing.T) {
	t.Parallel()

	s := New(NewMemoryQueue(), NewMemoryCounter(), Config{}, WithLogger(quietLogger()))
	_, err := s.Run(context.Background(), []int{0}, nil)
	require.Error(t, err)
}

func TestJoinDoesNotEnqueue(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Join = true
	q := NewMemoryQueue()
	require.NoError(t, q.Put(context.Background(), 4))

	runner := newScriptRunner(func(int) bool { return false })
	s := New(q, NewMemoryCounter(), cfg, WithLogger(quietLogger()))

	rep, err := s.Run(context.Background(), []int{3, 4}, []Runner{runner})
	require.NoError(t, err)
	require.Equal(t, []int{4}, outcomeIDs(rep.Outcomes))
	require.Equal(t, []int{3}, rep.Incomplete)
}

// slowRunner scores every task after a short delay so that two schedulers
// interleave on a shared queue.
type slowRunner struct{ *scriptRunner }

func (r slowRunner) Run(ctx context.Context, id int) episode.Result {
	time.Sleep(time.Millisecond)
	return r.scriptRunner.Run(ctx, id)
}

func TestSharedBackendIncompleteIsGlobal(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	counter := NewMemoryCounter()
	ids := []int{0, 1, 2, 3, 4, 5, 6, 7}
	runner := newScriptRunner(func(int) bool { return false })

	primaryCfg := fastConfig()
	primaryCfg.MaxEmptyPolls = 50
	joinCfg := primaryCfg
	joinCfg.Join = true

	var (
		wg           sync.WaitGroup
		primary, joi *Report
		pErr, jErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := New(q, counter, joinCfg, WithLogger(quietLogger()))
		joi, jErr = s.Run(context.Background(), ids, []Runner{slowRunner{runner}})
	}()
	go func() {
		defer wg.Done()
		s := New(q, counter, primaryCfg, WithLogger(quietLogger()))
		primary, pErr = s.Run(context.Background(), ids, []Runner{slowRunner{runner}})
	}()
	wg.Wait()
	require.NoError(t, pErr)
	require.NoError(t, jErr)

	require.Equal(t, len(ids), runner.total(), "every task runs exactly once")
	require.Len(t, append(outcomeIDs(primary.Outcomes), outcomeIDs(joi.Outcomes)...), len(ids))
	require.Empty(t, primary.Incomplete)
	require.Empty(t, joi.Incomplete)
}

func TestIncompleteSkipsTasksFinishedElsewhere(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Join = true
	q := NewMemoryQueue()
	counter := NewMemoryCounter()
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, 2))
	// Task 0 was scored and task 1 abandoned by another process.
	require.NoError(t, counter.MarkDone(ctx, 0))
	require.NoError(t, counter.MarkDone(ctx, 1))

	s := New(q, counter, cfg, WithLogger(quietLogger()))
	rep, err := s.Run(ctx, []int{0, 1, 2, 3}, []Runner{newScriptRunner(func(int) bool { return false })})
	require.NoError(t, err)
	require.Equal(t, []int{2}, outcomeIDs(rep.Outcomes))
	require.Equal(t, []int{3}, rep.Incomplete)

	done, err := counter.Done(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int]bool{0: true, 1: true, 2: true}, done)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	s := New(NewMemoryQueue(), NewMemoryCounter(), Config{})
	require.Equal(t, DefaultConfig(), s.cfg)
}

// TestSchedulerBoundsProperty checks, over random suites and worker pools,
// that every task ends in exactly one state, failure counts stay within
// bounds, and no worker fails more distinct tasks than allowed.
func TestSchedulerBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("tasks end in one state within failure bounds", prop.ForAll(
		func(nTasks, nWorkers int, failMask uint16) bool {
			cfg := Config{MaxTaskFailures: 5, MaxWorkerFailures: 5, MaxEmptyPolls: 3, PollTimeout: time.Millisecond}
			fails := func(id int) bool { return failMask&(1<<uint(id)) != 0 }

			runners := make([]Runner, nWorkers)
			scripts := make([]*scriptRunner, nWorkers)
			for i := range runners {
				scripts[i] = newScriptRunner(fails)
				runners[i] = scripts[i]
			}

			ids := make([]int, nTasks)
			for i := range ids {
				ids[i] = i
			}

			s := New(NewMemoryQueue(), NewMemoryCounter(), cfg, WithLogger(quietLogger()))
			rep, err := s.Run(context.Background(), ids, runners)
			if err != nil {
				return false
			}

			state := make(map[int]int)
			for _, o := range rep.Outcomes {
				if fails(o.TaskID) {
					return false
				}
				state[o.TaskID]++
			}
			for _, id := range rep.Abandoned {
				if rep.FailureCounts[id] != cfg.MaxTaskFailures+1 {
					return false
				}
				state[id]++
			}
			for _, id := range rep.Incomplete {
				state[id]++
			}
			for _, id := range ids {
				if state[id] != 1 {
					return false
				}
				if rep.FailureCounts[id] > cfg.MaxTaskFailures+1 {
					return false
				}
				runs := 0
				for _, sr := range scripts {
					runs += sr.runsOf(id)
				}
				if fails(id) && runs != rep.FailureCounts[id] {
					return false
				}
			}
			for _, w := range rep.Workers {
				if len(w.Failed) > cfg.MaxWorkerFailures {
					return false
				}
			}
			return len(rep.Workers) == nWorkers
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 4),
		gen.UInt16(),
	))

	properties.TestingRun(t)
}

func TestExitHookSeesEveryWorker(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		exits []result.WorkerExit
	)
	hook := func(e result.WorkerExit) {
		mu.Lock()
		exits = append(exits, e)
		mu.Unlock()
	}

	runners := []Runner{
		newScriptRunner(func(int) bool { return true }),
		newScriptRunner(func(int) bool { return false }),
	}
	s := New(NewMemoryQueue(), NewMemoryCounter(), fastConfig(), WithLogger(quietLogger()), WithExitHook(hook))
	_, err := s.Run(context.Background(), []int{0, 1}, runners)
	require.NoError(t, err)

	require.Len(t, exits, 2)
	slots := []int{exits[0].Worker, exits[1].Worker}
	require.ElementsMatch(t, []int{0, 1}, slots)
}
