package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	userPromptFile      = "user_prompt.txt"
	actionSpaceFile     = "action_space.txt"
	additionalNotesFile = "additional_notes.txt"
)

// Set is a parsed group of prompt templates.
type Set struct {
	user            *template.Template
	actionSpace     string
	additionalNotes string
	source          []byte
}

// Data fills the user prompt template.
type Data struct {
	Task            string
	ActionSpace     string
	History         string
	AdditionalNotes string
}

// Load reads the prompt set. Files found in externalDir take precedence over
// the embedded defaults; missing ones fall back individually.
func Load(externalDir string) (*Set, error) {
	read := func(name string) ([]byte, error) {
		if externalDir != "" {
			data, err := os.ReadFile(filepath.Join(externalDir, name))
			if err == nil {
				return data, nil
			}
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
		}
		data, err := fs.ReadFile(FS, name)
		if err != nil {
			return nil, fmt.Errorf("reading embedded %s: %w", name, err)
		}
		return data, nil
	}

	user, err := read(userPromptFile)
	if err != nil {
		return nil, err
	}
	space, err := read(actionSpaceFile)
	if err != nil {
		return nil, err
	}
	notes, err := read(additionalNotesFile)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(userPromptFile).Option("missingkey=error").Parse(string(user))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", userPromptFile, err)
	}

	var source []byte
	for _, part := range [][]byte{user, space, notes} {
		source = append(source, part...)
		source = append(source, 0)
	}

	return &Set{
		source:          source,
		user:            tmpl,
		actionSpace:     strings.TrimSpace(string(space)),
		additionalNotes: strings.TrimSpace(string(notes)),
	}, nil
}

// Render builds the user prompt for one step.
func (s *Set) Render(goal, history string) (string, error) {
	var buf bytes.Buffer
	err := s.user.Execute(&buf, Data{
		Task:            goal,
		ActionSpace:     s.actionSpace,
		History:         history,
		AdditionalNotes: s.additionalNotes,
	})
	if err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return buf.String(), nil
}

// Source returns the raw template files the set was parsed from, in a fixed
// order, for fingerprinting.
func (s *Set) Source() []byte {
	return s.source
}

// Files lists the template file names a prompts directory may override.
func Files() []string {
	return []string{userPromptFile, actionSpaceFile, additionalNotesFile}
}
