// Package task provides task identity and selection for aweval.
package task

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultMaxSteps is used when neither the environment nor the
// configuration provides a step budget.
const DefaultMaxSteps = 30

// Task is one benchmark task resolved against an environment suite.
type Task struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	Goal     string `json:"goal"`
	MaxSteps int    `json:"max_steps"`
}

// Validate checks that required task fields are present.
func (t *Task) Validate() error {
	if t.ID < 0 {
		return fmt.Errorf("task id %d is negative", t.ID)
	}
	if t.Type == "" {
		return errors.New("task type is required")
	}
	if t.MaxSteps <= 0 {
		return fmt.Errorf("task %s has no step budget", t.Type)
	}
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("%d/%s", t.ID, t.Type)
}

// Range returns the ids 0..n-1.
func Range(n int) []int {
	ids := make([]int, 0, max(n, 0))
	for i := 0; i < n; i++ {
		ids = append(ids, i)
	}
	return ids
}

// ParseIDs parses a selection such as "0-9,12,20-22" into sorted, unique
// ids. Every id must be below limit when limit is positive.
func ParseIDs(sel string, limit int) ([]int, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, errors.New("task selection is empty")
	}

	seen := make(map[int]bool)
	var ids []int
	add := func(id int) error {
		if id < 0 {
			return fmt.Errorf("task id %d is negative", id)
		}
		if limit > 0 && id >= limit {
			return fmt.Errorf("task id %d out of range: suite has %d tasks", id, limit)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		return nil
	}

	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid task id %q", part)
			}
			if err := add(id); err != nil {
				return nil, err
			}
			continue
		}
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid range start in %q", part)
		}
		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("invalid range end in %q", part)
		}
		if end < start {
			return nil, fmt.Errorf("range %q is reversed", part)
		}
		for id := start; id <= end; id++ {
			if err := add(id); err != nil {
				return nil, err
			}
		}
	}

	if len(ids) == 0 {
		return nil, errors.New("task selection is empty")
	}
	sort.Ints(ids)
	return ids, nil
}

// ResolveRef resolves a task reference against the suite task list. A
// reference is either:
//   - a task id: "12"
//   - a task type name, matched case-insensitively: "ContactsAddContact"
//   - a unique case-insensitive prefix of a task type name
func ResolveRef(types []string, ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, fmt.Errorf("task reference is empty")
	}

	if id, err := strconv.Atoi(ref); err == nil {
		if id < 0 || id >= len(types) {
			return 0, fmt.Errorf("task id %d out of range: suite has %d tasks", id, len(types))
		}
		return id, nil
	}

	for i, t := range types {
		if strings.EqualFold(t, ref) {
			return i, nil
		}
	}

	var matches []int
	lower := strings.ToLower(ref)
	for i, t := range types {
		if strings.HasPrefix(strings.ToLower(t), lower) {
			matches = append(matches, i)
		}
	}

	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("task not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, 0, len(matches))
		for _, i := range matches {
			names = append(names, types[i])
		}
		sort.Strings(names)
		return 0, fmt.Errorf("task reference %q is ambiguous; use one of: %s", ref, strings.Join(names, ", "))
	}
}

// ResolveRefs resolves a list of references, keeping first-seen order and
// dropping duplicates.
func ResolveRefs(types []string, refs []string) ([]int, error) {
	seen := make(map[int]bool)
	var ids []int
	for _, ref := range refs {
		id, err := ResolveRef(types, ref)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
