package env

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lemon07r/aweval/internal/action"
)

// DefaultBasePort is the host port of environment 0; environment i listens on
// DefaultBasePort+i.
const DefaultBasePort = 5000

// Addr returns the base URL of environment index on host.
func Addr(host string, basePort, index int) string {
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, basePort+index)
}

// HTTPClient speaks the Android World docker server API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the runtime at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the runtime address.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("env: marshal %s body: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("env: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("env: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("env: decode %s response: %w", path, err)
	}
	return nil
}

func taskQuery(taskType string, idx int) url.Values {
	return url.Values{"task_type": {taskType}, "task_idx": {strconv.Itoa(idx)}}
}

// Health returns nil once the runtime answers its health probe.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *HTTPClient) Reset(ctx context.Context, goHome bool) error {
	q := url.Values{"go_home": {strconv.FormatBool(goHome)}}
	return c.do(ctx, http.MethodPost, "/reset", q, nil, nil)
}

func (c *HTTPClient) ReinitializeSuite(ctx context.Context, nCombinations int, seed int64) error {
	q := url.Values{
		"n_task_combinations": {strconv.Itoa(nCombinations)},
		"seed":                {strconv.FormatInt(seed, 10)},
	}
	return c.do(ctx, http.MethodGet, "/suite/reinitialize", q, nil, nil)
}

func (c *HTTPClient) TaskList(ctx context.Context) ([]string, error) {
	var out struct {
		TaskList []string `json:"task_list"`
	}
	q := url.Values{"max_index": {"-1"}}
	if err := c.do(ctx, http.MethodGet, "/suite/task_list", q, nil, &out); err != nil {
		return nil, err
	}
	return out.TaskList, nil
}

func (c *HTTPClient) TaskGoal(ctx context.Context, taskType string, idx int) (string, error) {
	var out struct {
		Goal string `json:"goal"`
	}
	if err := c.do(ctx, http.MethodGet, "/task/goal", taskQuery(taskType, idx), nil, &out); err != nil {
		return "", err
	}
	return out.Goal, nil
}

// TaskMaxSteps returns ErrUnsupported when the runtime predates the endpoint.
func (c *HTTPClient) TaskMaxSteps(ctx context.Context, taskType string, idx int) (int, error) {
	var out struct {
		MaxSteps *int `json:"max_steps"`
	}
	err := c.do(ctx, http.MethodGet, "/task/max_steps", taskQuery(taskType, idx), nil, &out)
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return 0, fmt.Errorf("%w: max_steps: %v", ErrUnsupported, err)
		}
	}
	if err != nil {
		return 0, err
	}
	if out.MaxSteps == nil || *out.MaxSteps <= 0 {
		return 0, fmt.Errorf("%w: max_steps missing from response", ErrUnsupported)
	}
	return *out.MaxSteps, nil
}

func (c *HTTPClient) InitializeTask(ctx context.Context, taskType string, idx int) error {
	return c.do(ctx, http.MethodPost, "/task/initialize", taskQuery(taskType, idx), nil, nil)
}

// Screenshot fetches the current screen as an RGB pixel grid.
func (c *HTTPClient) Screenshot(ctx context.Context) (image.Image, error) {
	var out struct {
		Pixels [][][]uint8 `json:"pixels"`
	}
	if err := c.do(ctx, http.MethodGet, "/screenshot", nil, nil, &out); err != nil {
		return nil, err
	}
	return decodePixels(out.Pixels)
}

func decodePixels(rows [][][]uint8) (image.Image, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("env: empty screenshot")
	}
	h, w := len(rows), len(rows[0])
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y, row := range rows {
		if len(row) != w {
			return nil, fmt.Errorf("env: screenshot row %d has %d pixels, want %d", y, len(row), w)
		}
		for x, px := range row {
			if len(px) < 3 {
				return nil, fmt.Errorf("env: screenshot pixel (%d,%d) has %d channels", x, y, len(px))
			}
			img.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 0xff})
		}
	}
	return img, nil
}

func (c *HTTPClient) Execute(ctx context.Context, a action.Action) (ExecResult, error) {
	var out ExecResult
	if err := c.do(ctx, http.MethodPost, "/execute_action", nil, a, &out); err != nil {
		return ExecResult{}, err
	}
	return out, nil
}

// TaskScore returns nil when the runtime could not score the task.
func (c *HTTPClient) TaskScore(ctx context.Context, taskType string, idx int) (*float64, error) {
	var out struct {
		Score *float64 `json:"score"`
	}
	if err := c.do(ctx, http.MethodGet, "/task/score", taskQuery(taskType, idx), nil, &out); err != nil {
		return nil, err
	}
	return out.Score, nil
}

func (c *HTTPClient) TearDown(ctx context.Context, taskType string, idx int) error {
	return c.do(ctx, http.MethodPost, "/task/tear_down", taskQuery(taskType, idx), nil, nil)
}

var _ Environment = (*HTTPClient)(nil)
