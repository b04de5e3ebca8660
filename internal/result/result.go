// Package result provides run summaries, per-task artifacts and the run
// journal.
package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run-level artifact names.
const (
	SummaryFile = "summary.json"
	ReportFile  = "report.md"
	// JoinDir holds the summaries of processes that joined a run.
	JoinDir = "joins"
)

// Status represents the final state of one task in a run.
type Status string

const (
	StatusPass       Status = "pass"
	StatusFail       Status = "fail"
	StatusUnscored   Status = "unscored"
	StatusAbandoned  Status = "abandoned"
	StatusIncomplete Status = "incomplete"
)

// StatusEmoji maps status values to their emoji representations.
var StatusEmoji = map[Status]string{
	StatusPass:       "✅",
	StatusFail:       "❌",
	StatusUnscored:   "❔",
	StatusAbandoned:  "⚠️",
	StatusIncomplete: "⏸️",
}

// Outcome is the result of one scored episode.
type Outcome struct {
	Worker   int      `json:"worker"`
	TaskID   int      `json:"task_id"`
	TaskType string   `json:"task_type"`
	Score    *float64 `json:"score"`
}

// Status classifies the outcome by its score.
func (o Outcome) Status() Status {
	switch {
	case o.Score == nil:
		return StatusUnscored
	case *o.Score > 0:
		return StatusPass
	default:
		return StatusFail
	}
}

// WorkerExit records why a worker slot stopped.
type WorkerExit struct {
	Worker    int    `json:"worker"`
	Reason    string `json:"reason"`
	Completed int    `json:"completed"`
	Failed    []int  `json:"failed,omitempty"`
}

// LatencyStats summarizes one latency histogram in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	Min   int64   `json:"min_ms"`
	Mean  float64 `json:"mean_ms"`
	P50   int64   `json:"p50_ms"`
	P90   int64   `json:"p90_ms"`
	P99   int64   `json:"p99_ms"`
	Max   int64   `json:"max_ms"`
}

// RunConfig captures the configuration a run was started with.
type RunConfig struct {
	NumWorlds    int    `json:"num_worlds"`
	NumTasks     int    `json:"num_tasks"`
	MaxSteps     int    `json:"max_steps"`
	Seed         int64  `json:"seed"`
	InferenceURL string `json:"inference_url"`
	Model        string `json:"model,omitempty"`
	Backend      string `json:"backend"`
	Provisioned  bool   `json:"provisioned"`
	Joined       bool   `json:"joined,omitempty"`
}

// Summary is the machine-readable record of a whole run.
type Summary struct {
	ID            string                  `json:"id"`
	ExpName       string                  `json:"exp_name"`
	Config        RunConfig               `json:"config"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   time.Time               `json:"completed_at"`
	TotalTime     time.Duration           `json:"total_time_ns"`
	Outcomes      []Outcome               `json:"outcomes"`
	Abandoned     []int                   `json:"abandoned"`
	Incomplete    []int                   `json:"incomplete"`
	FailureCounts map[int]int             `json:"failure_counts"`
	AbortReasons  map[int][]string        `json:"abort_reasons,omitempty"`
	Workers       []WorkerExit            `json:"workers"`
	MeanScore     *float64                `json:"mean_score"`
	Latency       map[string]LatencyStats `json:"latency,omitempty"`
}

// NewSummary starts a summary for a run named expName.
func NewSummary(expName string, cfg RunConfig) *Summary {
	return &Summary{
		ID:            uuid.NewString(),
		ExpName:       expName,
		Config:        cfg,
		StartedAt:     time.Now(),
		Outcomes:      make([]Outcome, 0),
		Abandoned:     make([]int, 0),
		Incomplete:    make([]int, 0),
		FailureCounts: make(map[int]int),
	}
}

// Complete finalizes the summary and puts every list in a stable order.
func (s *Summary) Complete() {
	s.CompletedAt = time.Now()
	s.TotalTime = s.CompletedAt.Sub(s.StartedAt)
	SortOutcomes(s.Outcomes)
	sort.Ints(s.Abandoned)
	sort.Ints(s.Incomplete)
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].Worker < s.Workers[j].Worker })
}

// SortOutcomes orders outcomes by worker, then task id.
func SortOutcomes(outcomes []Outcome) {
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Worker != outcomes[j].Worker {
			return outcomes[i].Worker < outcomes[j].Worker
		}
		return outcomes[i].TaskID < outcomes[j].TaskID
	})
}

// Counts returns the number of tasks per status.
func (s *Summary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range s.Outcomes {
		counts[o.Status()]++
	}
	counts[StatusAbandoned] = len(s.Abandoned)
	counts[StatusIncomplete] = len(s.Incomplete)
	return counts
}

// Save writes summary.json and report.md into dir.
func (s *Summary) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryFile, err)
	}

	if err := os.WriteFile(filepath.Join(dir, ReportFile), []byte(s.GenerateMarkdown()), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", ReportFile, err)
	}
	return nil
}

// LoadSummary reads summary.json from dir.
func LoadSummary(dir string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", SummaryFile, err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SummaryFile, err)
	}
	return &s, nil
}

// GenerateMarkdown generates a human-readable markdown report.
func (s *Summary) GenerateMarkdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# aweval Report: %s\n\n", s.ExpName)
	fmt.Fprintf(&sb, "**Run:** %s\n\n", s.ID)
	fmt.Fprintf(&sb, "**Started:** %s\n\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Completed:** %s\n\n", s.CompletedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Total Time:** %s\n\n", s.TotalTime.Round(time.Millisecond))
	if s.MeanScore != nil {
		fmt.Fprintf(&sb, "**Mean Score:** %.2f%% over %d scored tasks\n\n", *s.MeanScore, scoredCount(s.Outcomes))
	} else {
		sb.WriteString("**Mean Score:** n/a\n\n")
	}

	counts := s.Counts()
	sb.WriteString("| Status | Tasks |\n|---|---|\n")
	for _, st := range []Status{StatusPass, StatusFail, StatusUnscored, StatusAbandoned, StatusIncomplete} {
		fmt.Fprintf(&sb, "| %s %s | %d |\n", StatusEmoji[st], st, counts[st])
	}
	sb.WriteString("\n---\n\n## Outcomes\n\n")

	sb.WriteString("| Env ID | Task ID | Task Type | Score |\n|---|---|---|---|\n")
	for _, o := range s.Outcomes {
		fmt.Fprintf(&sb, "| %d | %d | %s | %s %s |\n", o.Worker, o.TaskID, o.TaskType, StatusEmoji[o.Status()], FormatScore(o.Score))
	}
	sb.WriteString("\n")

	if len(s.Abandoned) > 0 || len(s.Incomplete) > 0 {
		sb.WriteString("## Unfinished\n\n")
		for _, id := range s.Abandoned {
			fmt.Fprintf(&sb, "- %s task %d abandoned after %d failures", StatusEmoji[StatusAbandoned], id, s.FailureCounts[id])
			if reasons := s.AbortReasons[id]; len(reasons) > 0 {
				fmt.Fprintf(&sb, ": %s", reasons[len(reasons)-1])
			}
			sb.WriteString("\n")
		}
		for _, id := range s.Incomplete {
			fmt.Fprintf(&sb, "- %s task %d incomplete (no live worker left)\n", StatusEmoji[StatusIncomplete], id)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Workers\n\n")
	for _, w := range s.Workers {
		fmt.Fprintf(&sb, "- env %d: %d completed, exit: %s", w.Worker, w.Completed, w.Reason)
		if len(w.Failed) > 0 {
			fmt.Fprintf(&sb, " (failed tasks %v)", w.Failed)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if len(s.Latency) > 0 {
		sb.WriteString("## Latency\n\n| Metric | Count | p50 | p90 | p99 | Max |\n|---|---|---|---|---|---|\n")
		names := make([]string, 0, len(s.Latency))
		for name := range s.Latency {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			l := s.Latency[name]
			fmt.Fprintf(&sb, "| %s | %d | %dms | %dms | %dms | %dms |\n", name, l.Count, l.P50, l.P90, l.P99, l.Max)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n\n## Configuration\n\n")
	fmt.Fprintf(&sb, "- **Worlds:** %d\n", s.Config.NumWorlds)
	fmt.Fprintf(&sb, "- **Tasks:** %d\n", s.Config.NumTasks)
	fmt.Fprintf(&sb, "- **Max Steps:** %d\n", s.Config.MaxSteps)
	fmt.Fprintf(&sb, "- **Seed:** %d\n", s.Config.Seed)
	fmt.Fprintf(&sb, "- **Inference:** %s\n", s.Config.InferenceURL)
	fmt.Fprintf(&sb, "- **Queue Backend:** %s\n", s.Config.Backend)

	return sb.String()
}

// FormatScore renders a score the way score.txt stores it, or "None".
func FormatScore(score *float64) string {
	if score == nil {
		return "None"
	}
	return formatFloat(*score)
}

func scoredCount(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Score != nil {
			n++
		}
	}
	return n
}

// FormatFinalResult returns a formatted summary for the end of a run.
func FormatFinalResult(s *Summary) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString(" FINAL RESULT\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString("\n")

	counts := s.Counts()
	fmt.Fprintf(&sb, " Completed:  %d\n", len(s.Outcomes))
	fmt.Fprintf(&sb, " Abandoned:  %d\n", counts[StatusAbandoned])
	fmt.Fprintf(&sb, " Incomplete: %d\n", counts[StatusIncomplete])
	if s.MeanScore != nil {
		fmt.Fprintf(&sb, " Mean score: %.2f%%\n", *s.MeanScore)
	}
	fmt.Fprintf(&sb, " Duration:   %s\n", s.TotalTime.Round(time.Millisecond))
	fmt.Fprintf(&sb, " Run:        %s\n", s.ID)
	sb.WriteString("\n")

	return sb.String()
}
