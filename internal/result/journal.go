package result

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalFile is the run journal file name.
const JournalFile = "events.jsonl"

// EventKind names a scheduler event.
type EventKind string

const (
	EventClaim   EventKind = "claim"
	EventSkip    EventKind = "skip"
	EventScored  EventKind = "scored"
	EventRetry   EventKind = "retry"
	EventAbandon EventKind = "abandon"
	EventExit    EventKind = "worker_exit"
)

// Event is one line of the run journal.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     EventKind `json:"kind"`
	Worker   int       `json:"worker"`
	TaskID   *int      `json:"task_id,omitempty"`
	TaskType string    `json:"task_type,omitempty"`
	Score    *float64  `json:"score,omitempty"`
	Failures int       `json:"failures,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Journal appends events as JSON lines. It is safe for concurrent use.
type Journal struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	enc *json.Encoder
}

// NewJournal writes events to w.
func NewJournal(w io.Writer) *Journal {
	j := &Journal{w: w, enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		j.c = c
	}
	return j
}

// OpenJournal opens (appending) the journal file inside dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, JournalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return NewJournal(f), nil
}

// Record appends one event. A zero Time is filled in.
func (j *Journal) Record(e Event) error {
	if j == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("writing journal event: %w", err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (j *Journal) Close() error {
	if j == nil || j.c == nil {
		return nil
	}
	return j.c.Close()
}

// ReadJournal reads every event from the journal in dir.
func ReadJournal(dir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, JournalFile))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return events, fmt.Errorf("parsing journal: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
