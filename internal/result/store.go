package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lemon07r/aweval/internal/action"
	"github.com/lemon07r/aweval/internal/inference"
	"github.com/lemon07r/aweval/internal/response"
)

// ScoreFile is the per-task score file name.
const ScoreFile = "score.txt"

// Step is one entry of an episode trace.
type Step struct {
	Index     int             `json:"index"`
	Response  *string         `json:"response"`
	Parsed    response.Parsed `json:"parsed_action"`
	EnvAction *action.Action  `json:"env_action,omitempty"`
}

// Trace is the ordered list of steps of one episode.
type Trace struct {
	Steps []Step `json:"steps"`
}

// Append adds a step to the trace.
func (t *Trace) Append(s Step) { t.Steps = append(t.Steps, s) }

// Len returns the number of recorded steps.
func (t *Trace) Len() int { return len(t.Steps) }

// StepRecord is the content of one step's payload.json.
type StepRecord struct {
	Instruction string              `json:"instruction"`
	TaskType    string              `json:"task_type"`
	Response    *string             `json:"response"`
	Parsed      response.Parsed     `json:"parsed_action"`
	EnvAction   any                 `json:"pyautogui_action"`
	Messages    []inference.Message `json:"messages"`
}

// Store lays out per-task artifacts under a run directory.
type Store struct {
	root string
}

// NewStore returns a store rooted at the run directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the run directory.
func (s *Store) Root() string { return s.root }

// TaskDir returns the artifact directory for a task type.
func (s *Store) TaskDir(taskType string) string {
	return filepath.Join(s.root, taskType)
}

// StepDir returns the directory of step idx.
func (s *Store) StepDir(taskType string, idx int) string {
	return filepath.Join(s.TaskDir(taskType), fmt.Sprintf("step%d", idx))
}

// ImagePath returns where the screenshot of step idx is saved.
func (s *Store) ImagePath(taskType string, idx int) string {
	return filepath.Join(s.StepDir(taskType, idx), fmt.Sprintf("img_step%d.png", idx))
}

// SaveStep writes payload.json and the step screenshot. Image content in the
// recorded messages is replaced by the saved PNG path.
func (s *Store) SaveStep(idx int, rec StepRecord, img image.Image) error {
	dir := s.StepDir(rec.TaskType, idx)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating step directory: %w", err)
	}

	rec.Messages = withImagePath(rec.Messages, s.ImagePath(rec.TaskType, idx))
	if rec.EnvAction == nil {
		rec.EnvAction = action.None
	}

	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling step payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "payload.json"), data, 0644); err != nil {
		return fmt.Errorf("writing payload.json: %w", err)
	}

	if img == nil {
		return nil
	}
	f, err := os.Create(s.ImagePath(rec.TaskType, idx))
	if err != nil {
		return fmt.Errorf("creating screenshot file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding screenshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing screenshot file: %w", err)
	}
	return nil
}

func withImagePath(msgs []inference.Message, path string) []inference.Message {
	out := make([]inference.Message, len(msgs))
	for i, m := range msgs {
		content := make([]inference.Content, len(m.Content))
		for j, c := range m.Content {
			if c.ImageURL != nil {
				c.ImageURL = &inference.ImageURL{URL: path}
			}
			content[j] = c
		}
		out[i] = inference.Message{Role: m.Role, Content: content}
	}
	return out
}

// SaveScore writes score.txt for a task type. A nil score is written as
// "None".
func (s *Store) SaveScore(taskType string, score *float64) error {
	dir := s.TaskDir(taskType)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating task directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ScoreFile), []byte(FormatScore(score)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", ScoreFile, err)
	}
	return nil
}

// RemoveTask deletes every artifact of a task type.
func (s *Store) RemoveTask(taskType string) error {
	if taskType == "" {
		return nil
	}
	if err := os.RemoveAll(s.TaskDir(taskType)); err != nil {
		return fmt.Errorf("removing task artifacts: %w", err)
	}
	return nil
}

// ReadScore reads the score.txt of a task type. A missing file yields a nil
// score without error.
func (s *Store) ReadScore(taskType string) (*float64, error) {
	return ReadScoreFile(filepath.Join(s.TaskDir(taskType), ScoreFile))
}

// ReadScoreFile parses one score file. "None" parses as a nil score.
func ReadScoreFile(path string) (*float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading score: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "None" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing score %q: %w", path, err)
	}
	return &v, nil
}

// TaskTypes lists the task directories present in the run directory.
func (s *Store) TaskTypes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading run directory: %w", err)
	}
	var types []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != JoinDir {
			types = append(types, e.Name())
		}
	}
	sort.Strings(types)
	return types, nil
}

// LoadSteps reads back the payload.json files of a task in step order.
func (s *Store) LoadSteps(taskType string) ([]StepRecord, error) {
	var recs []StepRecord
	for i := 0; ; i++ {
		data, err := os.ReadFile(filepath.Join(s.StepDir(taskType, i), "payload.json"))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading step %d: %w", i, err)
		}
		var rec StepRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing step %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// formatFloat keeps one decimal place on whole numbers ("1.0").
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".IN") {
		s += ".0"
	}
	return s
}
