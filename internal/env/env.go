// Package env is the client side of an Android environment runtime.
package env

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/lemon07r/aweval/internal/action"
)

// ErrUnsupported is returned by optional endpoints the runtime does not
// implement.
var ErrUnsupported = errors.New("env: operation not supported")

// ExecResult is the runtime's reply to an executed action.
type ExecResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Environment is one isolated Android runtime. Implementations are owned by a
// single worker and need not be safe for concurrent use.
type Environment interface {
	Health(ctx context.Context) error
	Reset(ctx context.Context, goHome bool) error
	ReinitializeSuite(ctx context.Context, nCombinations int, seed int64) error
	TaskList(ctx context.Context) ([]string, error)
	TaskGoal(ctx context.Context, taskType string, idx int) (string, error)
	TaskMaxSteps(ctx context.Context, taskType string, idx int) (int, error)
	InitializeTask(ctx context.Context, taskType string, idx int) error
	Screenshot(ctx context.Context) (image.Image, error)
	Execute(ctx context.Context, a action.Action) (ExecResult, error)
	TaskScore(ctx context.Context, taskType string, idx int) (*float64, error)
	TearDown(ctx context.Context, taskType string, idx int) error
}

// StatusError is returned for a non-2xx reply.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("env: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// TaskType resolves the task type at index id of the suite task list.
func TaskType(ctx context.Context, e Environment, id int) (string, error) {
	types, err := e.TaskList(ctx)
	if err != nil {
		return "", err
	}
	if id < 0 || id >= len(types) {
		return "", fmt.Errorf("task id %d out of range: suite has %d tasks", id, len(types))
	}
	return types[id], nil
}
