package result

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// AttestationFile is the run attestation file name.
const AttestationFile = "attestation.json"

// Attestation binds a run's summary to the artifacts it was computed from.
type Attestation struct {
	Harness struct {
		Version string `json:"version"`
	} `json:"harness"`
	Run struct {
		ID           string `json:"id"`
		ExpName      string `json:"exp_name"`
		Timestamp    string `json:"timestamp"`
		InferenceURL string `json:"inference_url"`
		Model        string `json:"model,omitempty"`
	} `json:"run"`
	Integrity struct {
		OutcomesHash string `json:"outcomes_hash"`
		PromptHash   string `json:"prompt_hash"`
	} `json:"integrity"`
	Tasks map[string]TaskAttestation `json:"tasks"`
}

// TaskAttestation fingerprints the artifacts of one task type.
type TaskAttestation struct {
	Steps         int    `json:"steps"`
	ScoreHash     string `json:"score_hash"`
	ArtifactsHash string `json:"artifacts_hash"`
}

// HashBytes returns the BLAKE3 hash of data as a prefixed hex string.
func HashBytes(data []byte) string {
	h := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(h[:])
}

func outcomesHash(outcomes []Outcome) (string, error) {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return "", fmt.Errorf("marshaling outcomes: %w", err)
	}
	return HashBytes(data), nil
}

// hashTask fingerprints score.txt and every step payload of a task.
func (s *Store) hashTask(taskType string) (TaskAttestation, error) {
	var ta TaskAttestation

	score, err := os.ReadFile(filepath.Join(s.TaskDir(taskType), ScoreFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return ta, fmt.Errorf("reading score: %w", err)
	}
	ta.ScoreHash = HashBytes(score)

	h := blake3.New()
	for i := 0; ; i++ {
		data, err := os.ReadFile(filepath.Join(s.StepDir(taskType, i), "payload.json"))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return ta, fmt.Errorf("reading step %d: %w", i, err)
		}
		_, _ = h.Write(data)
		ta.Steps++
	}
	ta.ArtifactsHash = "blake3:" + hex.EncodeToString(h.Sum(nil))
	return ta, nil
}

// BuildAttestation fingerprints the run in s.Root().
func (s *Store) BuildAttestation(sum *Summary, version, promptHash string) (*Attestation, error) {
	a := &Attestation{Tasks: make(map[string]TaskAttestation)}
	a.Harness.Version = version
	a.Run.ID = sum.ID
	a.Run.ExpName = sum.ExpName
	a.Run.Timestamp = sum.CompletedAt.UTC().Format(time.RFC3339)
	a.Run.InferenceURL = sum.Config.InferenceURL
	a.Run.Model = sum.Config.Model

	oh, err := outcomesHash(sum.Outcomes)
	if err != nil {
		return nil, err
	}
	a.Integrity.OutcomesHash = oh
	a.Integrity.PromptHash = promptHash

	for _, o := range sum.Outcomes {
		ta, err := s.hashTask(o.TaskType)
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", o.TaskType, err)
		}
		a.Tasks[o.TaskType] = ta
	}
	return a, nil
}

// Save writes attestation.json into dir.
func (a *Attestation) Save(dir string) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling attestation: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, AttestationFile), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", AttestationFile, err)
	}
	return nil
}

// LoadAttestation reads attestation.json from dir.
func LoadAttestation(dir string) (*Attestation, error) {
	data, err := os.ReadFile(filepath.Join(dir, AttestationFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", AttestationFile, err)
	}
	var a Attestation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", AttestationFile, err)
	}
	return &a, nil
}

// Check is one verification result.
type Check struct {
	Name   string
	OK     bool
	Warn   bool
	Detail string
}

// Verify recomputes the attestation of the run in s.Root() and compares it
// against the stored one.
func (s *Store) Verify(version, promptHash string) ([]Check, error) {
	att, err := LoadAttestation(s.root)
	if err != nil {
		return nil, err
	}
	sum, err := LoadSummary(s.root)
	if err != nil {
		return nil, err
	}

	var checks []Check

	oh, err := outcomesHash(sum.Outcomes)
	if err != nil {
		return nil, err
	}
	checks = append(checks, Check{
		Name:   "outcomes",
		OK:     oh == att.Integrity.OutcomesHash,
		Detail: fmt.Sprintf("expected %s, got %s", att.Integrity.OutcomesHash, oh),
	})

	types := make([]string, 0, len(att.Tasks))
	for tt := range att.Tasks {
		types = append(types, tt)
	}
	sort.Strings(types)
	for _, tt := range types {
		want := att.Tasks[tt]
		got, err := s.hashTask(tt)
		if err != nil {
			checks = append(checks, Check{Name: "task " + tt, Detail: err.Error()})
			continue
		}
		checks = append(checks, Check{
			Name:   "task " + tt,
			OK:     got == want,
			Detail: fmt.Sprintf("%d steps recorded, %d found", want.Steps, got.Steps),
		})
	}

	checks = append(checks, Check{
		Name:   "prompts",
		OK:     promptHash == att.Integrity.PromptHash,
		Warn:   promptHash != att.Integrity.PromptHash,
		Detail: fmt.Sprintf("theirs %s, ours %s", att.Integrity.PromptHash, promptHash),
	})
	checks = append(checks, Check{
		Name:   "version",
		OK:     version == att.Harness.Version,
		Warn:   version != att.Harness.Version,
		Detail: fmt.Sprintf("theirs %s, ours %s", att.Harness.Version, version),
	})
	return checks, nil
}
