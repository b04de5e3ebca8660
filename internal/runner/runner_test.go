package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/lemon07r/aweval/internal/action"
	"github.com/lemon07r/aweval/internal/config"
	"github.com/lemon07r/aweval/internal/env"
	"github.com/lemon07r/aweval/internal/inference"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/scheduler"
)

// suiteEnv serves a fixed suite. Initializing a task type listed in broken
// fails.
type suiteEnv struct {
	mu       sync.Mutex
	types    []string
	scores   map[string]float64
	broken   map[string]bool
	maxSteps map[string]int
	resets   int
}

func (s *suiteEnv) Health(context.Context) error { return nil }

func (s *suiteEnv) Reset(context.Context, bool) error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

func (s *suiteEnv) ReinitializeSuite(context.Context, int, int64) error { return nil }

func (s *suiteEnv) TaskList(context.Context) ([]string, error) { return s.types, nil }

func (s *suiteEnv) TaskGoal(_ context.Context, taskType string, _ int) (string, error) {
	return "Complete " + taskType, nil
}

func (s *suiteEnv) TaskMaxSteps(_ context.Context, taskType string, _ int) (int, error) {
	n, ok := s.maxSteps[taskType]
	if !ok {
		return 0, env.ErrUnsupported
	}
	return n, nil
}

func (s *suiteEnv) InitializeTask(_ context.Context, taskType string, _ int) error {
	if s.broken[taskType] {
		return errors.New("env: POST /task/initialize: HTTP 500: emulator crashed")
	}
	return nil
}

func (s *suiteEnv) Screenshot(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 108, 240)), nil
}

func (s *suiteEnv) Execute(context.Context, action.Action) (env.ExecResult, error) {
	return env.ExecResult{Status: "success"}, nil
}

func (s *suiteEnv) TaskScore(_ context.Context, taskType string, _ int) (*float64, error) {
	v := s.scores[taskType]
	return &v, nil
}

func (s *suiteEnv) TearDown(context.Context, string, int) error { return nil }

// doneModel always declares the task complete.
type doneModel struct{}

func (doneModel) Call(context.Context, []inference.Message) *string {
	reply := "Memory: done\nReason: nothing left\nAction: {\"action_type\":\"status\",\"goal_status\":\"complete\"}"
	return &reply
}

func testConfig(t *testing.T, workers int) *config.Config {
	t.Helper()
	cfg := config.Default
	cfg.Harness.ResultDir = t.TempDir()
	cfg.Harness.ExpName = "exp"
	cfg.Harness.NumWorlds = workers
	cfg.Harness.SettleDelayMS = 0
	cfg.Harness.PollTimeoutMS = 1
	cfg.Env.HealthIntervalMS = 1
	return &cfg
}

func newTestRunner(cfg *config.Config, suite *suiteEnv, opts ...Option) *Runner {
	base := []Option{
		WithEnvFactory(func(int) env.Environment { return suite }),
		WithModel(doneModel{}),
	}
	return New(cfg, quietLogger(), append(base, opts...)...)
}

func TestRunWritesArtifacts(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 2)
	cfg.Harness.NumTasks = 3
	suite := &suiteEnv{
		types:  []string{"ClockStopWatch", "ContactsAdd", "MarkorCreateNote"},
		scores: map[string]float64{"ClockStopWatch": 1},
	}

	sum, err := newTestRunner(cfg, suite).Run(context.Background(), Options{Version: "test"})
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 3)
	require.Empty(t, sum.Abandoned)
	require.Empty(t, sum.Incomplete)
	require.NotNil(t, sum.MeanScore)
	require.InDelta(t, 100.0/3, *sum.MeanScore, 1e-9)
	require.Equal(t, 2, sum.Config.NumWorlds)
	require.Equal(t, int64(42), sum.Config.Seed)
	require.Contains(t, sum.Latency, "episode")

	runDir := filepath.Join(cfg.Harness.ResultDir, "exp")
	for _, name := range []string{result.SummaryFile, result.ReportFile, result.JournalFile, result.AttestationFile} {
		_, err := os.Stat(filepath.Join(runDir, name))
		require.NoError(t, err, name)
	}
	score, err := result.ReadScoreFile(filepath.Join(runDir, "ClockStopWatch", result.ScoreFile))
	require.NoError(t, err)
	require.Equal(t, 1.0, *score)

	hash, err := PromptHash("")
	require.NoError(t, err)
	checks, err := result.NewStore(runDir).Verify("test", hash)
	require.NoError(t, err)
	for _, c := range checks {
		require.True(t, c.OK, "%s: %s", c.Name, c.Detail)
	}
}

func TestRunAbandonsBrokenTask(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 1)
	cfg.Harness.Tasks = "0-2"
	suite := &suiteEnv{
		types:  []string{"A", "B", "C"},
		broken: map[string]bool{"B": true},
	}

	sum, err := newTestRunner(cfg, suite).Run(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 2)
	require.Equal(t, []int{1}, sum.Abandoned)
	require.Equal(t, 6, sum.FailureCounts[1])
	require.Len(t, sum.AbortReasons[1], 6)

	_, err = os.Stat(filepath.Join(cfg.Harness.ResultDir, "exp", "B"))
	require.True(t, os.IsNotExist(err), "aborted task artifacts are removed")

	events, err := result.ReadJournal(filepath.Join(cfg.Harness.ResultDir, "exp"))
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestRunExplicitIDsAndWorkers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 4)
	suite := &suiteEnv{types: []string{"A", "B", "C"}}

	sum, err := newTestRunner(cfg, suite).Run(context.Background(), Options{IDs: []int{2}, Workers: 1})
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 1)
	require.Equal(t, "C", sum.Outcomes[0].TaskType)
	require.Equal(t, 1, sum.Config.NumWorlds)
	require.Len(t, sum.Workers, 1)
}

func TestRunRandomSeed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 1)
	cfg.Harness.Seed = RandomSeed
	suite := &suiteEnv{types: []string{"A"}}

	sum, err := newTestRunner(cfg, suite).Run(context.Background(), Options{IDs: []int{0}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, sum.Config.Seed, int64(0))
}

func TestRunJoinRequiresRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 1)
	_, err := newTestRunner(cfg, &suiteEnv{}).Run(context.Background(), Options{IDs: []int{0}, Join: true})
	require.ErrorContains(t, err, "redis")
}

func TestRunRedisBackend(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t, 2)
	cfg.Scheduler.Backend = config.BackendRedis
	cfg.Scheduler.RedisAddr = mr.Addr()
	cfg.Harness.MaxEmptyPolls = 1

	// Leftovers of an earlier run under the same name.
	prefix := cfg.Scheduler.KeyPrefix + ":exp"
	_, err := mr.SAdd(prefix+":done", "2")
	require.NoError(t, err)
	mr.HSet(prefix+":failures", "0", "4")

	sum, err := newTestRunner(cfg, &suiteEnv{types: []string{"A", "B", "C"}}).Run(context.Background(), Options{IDs: []int{0, 1, 2}})
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 3)
	require.Empty(t, sum.Incomplete)
	require.Empty(t, sum.FailureCounts)

	members, err := mr.Members(prefix + ":done")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0", "1", "2"}, members)
}

func TestRunJoinValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(*config.Config)
		want string
	}{
		{"no experiment name", func(c *config.Config) { c.Harness.ExpName = "" }, "explicit experiment name"},
		{"random seed", func(c *config.Config) { c.Harness.Seed = RandomSeed }, "fixed seed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, 1)
			tc.edit(cfg)
			r := newTestRunner(cfg, &suiteEnv{types: []string{"A"}}, WithBackend(scheduler.NewMemoryQueue(), scheduler.NewMemoryCounter()))
			_, err := r.Run(context.Background(), Options{IDs: []int{0}, Join: true})
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestRunJoinSharedBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t, 1)
	q := scheduler.NewMemoryQueue()
	counter := scheduler.NewMemoryCounter()
	require.NoError(t, q.Put(ctx, 1))
	// The enqueueing process already scored task 0.
	require.NoError(t, counter.MarkDone(ctx, 0))

	r := newTestRunner(cfg, &suiteEnv{types: []string{"A", "B"}}, WithBackend(q, counter))
	sum, err := r.Run(ctx, Options{IDs: []int{0, 1}, Join: true})
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 1)
	require.Equal(t, 1, sum.Outcomes[0].TaskID)
	require.Empty(t, sum.Incomplete)
	require.True(t, sum.Config.Joined)

	runDir := filepath.Join(cfg.Harness.ResultDir, "exp")
	for _, name := range []string{result.SummaryFile, result.AttestationFile} {
		_, err := os.Stat(filepath.Join(runDir, name))
		require.True(t, os.IsNotExist(err), "%s belongs to the enqueueing process", name)
	}
	joined, err := result.LoadSummary(filepath.Join(runDir, result.JoinDir, sum.ID))
	require.NoError(t, err)
	require.Equal(t, sum.ID, joined.ID)
}

func TestRunProvisionsEnvironments(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 1)
	cfg.Harness.MaxWorkerFailures = 2
	suite := &suiteEnv{
		types:  []string{"A", "B", "C"},
		broken: map[string]bool{"A": true, "B": true, "C": true},
	}

	fd := newFakeDocker()
	fd.images = []string{"android_world:latest"}
	var logBuf syncBuffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	r := New(cfg, logger,
		WithEnvFactory(func(int) env.Environment { return suite }),
		WithModel(doneModel{}),
		WithProvisioner(newProvisioner(fd, testProvisionConfig(), logger)),
	)
	sum, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.True(t, sum.Config.Provisioned)
	require.Len(t, fd.started, 1)
	require.Equal(t, fd.started, fd.removed, "containers are removed after the run")
	require.Equal(t, scheduler.ExitFailures, sum.Workers[0].Reason)
	require.Contains(t, logBuf.String(), "environment output before worker exit")
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProbe(t *testing.T) {
	t.Parallel()

	suite := &suiteEnv{
		types:    []string{"A", "B"},
		maxSteps: map[string]int{"A": 12},
	}
	got, err := newTestRunner(testConfig(t, 1), suite).Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, suite.resets)

	require.Len(t, got, 2)
	require.Equal(t, ProbeResult{TaskType: "A", MaxSteps: 12}, got[0])
	require.Equal(t, "B", got[1].TaskType)
	require.ErrorIs(t, got[1].Err, env.ErrUnsupported)
}

func TestSelectIDs(t *testing.T) {
	t.Parallel()

	cfg := config.Default
	cfg.Harness.NumTasks = 3
	ids, err := SelectIDs(&cfg)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, ids)

	cfg.Harness.Tasks = "5,1-2"
	ids, err = SelectIDs(&cfg)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 5}, ids)

	cfg.Harness.Tasks = "x"
	_, err = SelectIDs(&cfg)
	require.Error(t, err)
}

func TestExpNameDefault(t *testing.T) {
	t.Parallel()

	cfg := config.Default
	r := New(&cfg, quietLogger())
	r.now = func() time.Time { return time.Date(2025, 9, 11, 8, 30, 0, 0, time.UTC) }
	require.Equal(t, "aw-20250911-083000", r.ExpName())

	cfg.Harness.ExpName = "glm"
	require.Equal(t, "glm", r.ExpName())
	require.Equal(t, filepath.Join(cfg.Harness.ResultDir, "glm"), r.RunDir("glm"))
}

func TestRemoveRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 1)
	r := New(cfg, quietLogger())

	require.Error(t, r.RemoveRun("missing"))

	dir := r.RunDir("old")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, result.JournalFile), nil, 0644))
	require.NoError(t, r.RemoveRun("old"))
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err), fmt.Sprintf("stat %s: %v", dir, err))
}
