// Package errors condenses episode abort reasons into short summaries.
package errors

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern represents a regex pattern and its human-readable summary.
type Pattern struct {
	Regex   *regexp.Regexp
	Summary string
}

// Summarizer extracts human-readable summaries from error text.
type Summarizer struct {
	patterns []Pattern
}

// Source names the component an error came from.
const (
	SourceEnv       = "env"
	SourceInference = "inference"
	SourceStorage   = "storage"
)

// NewSummarizer creates a summarizer for the given source. An empty or
// unknown source matches against every known pattern.
func NewSummarizer(source string) *Summarizer {
	var patterns []Pattern

	switch source {
	case SourceEnv:
		patterns = envPatterns
	case SourceInference:
		patterns = inferencePatterns
	case SourceStorage:
		patterns = storagePatterns
	default:
		patterns = append(append(append([]Pattern{}, envPatterns...), inferencePatterns...), storagePatterns...)
	}

	return &Summarizer{patterns: patterns}
}

// Summarize extracts error summaries from output.
// Returns a slice of human-readable error messages.
func (s *Summarizer) Summarize(output string) []string {
	if len(s.patterns) == 0 {
		return s.fallbackSummary(output)
	}

	var summaries []string
	seen := make(map[string]bool)

	lines := strings.Split(output, "\n")
	for _, line := range lines {
		for _, p := range s.patterns {
			if matches := p.Regex.FindStringSubmatch(line); matches != nil {
				summary := p.Summary
				for i, match := range matches[1:] {
					placeholder := "$" + strconv.Itoa(i+1)
					summary = strings.ReplaceAll(summary, placeholder, match)
				}

				if !seen[summary] {
					seen[summary] = true
					summaries = append(summaries, summary)
				}
			}
		}
	}

	if len(summaries) == 0 {
		return s.fallbackSummary(output)
	}

	return summaries
}

// Classify returns the most specific summary for err, or "" for nil.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	summaries := NewSummarizer("").Summarize(err.Error())
	if len(summaries) == 0 {
		return ""
	}
	return summaries[0]
}

// fallbackSummary returns the first few lines of output when no patterns match.
func (s *Summarizer) fallbackSummary(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	var result []string
	for i, line := range lines {
		if i >= 3 {
			break
		}
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 200 {
				line = line[:200] + "..."
			}
			result = append(result, line)
		}
	}

	return result
}

// Environment runtime patterns.
var envPatterns = []Pattern{
	{regexp.MustCompile(`env: (\S+) (\S+): .*connection refused`), "Environment unreachable: $1 $2 connection refused"},
	{regexp.MustCompile(`env: (\S+) (\S+): .*(context deadline exceeded|Client\.Timeout exceeded)`), "Environment timeout: $1 $2"},
	{regexp.MustCompile(`env: (\S+) (\S+): .*connection reset by peer`), "Environment dropped connection: $1 $2"},
	{regexp.MustCompile(`env: (\S+) (\S+): .*EOF`), "Environment closed connection: $1 $2"},
	{regexp.MustCompile(`env: (\S+) (\S+): HTTP (5\d\d)`), "Environment server error $3: $1 $2"},
	{regexp.MustCompile(`env: (\S+) (\S+): HTTP (4\d\d)`), "Environment rejected request $3: $1 $2"},
	{regexp.MustCompile(`env: decode (\S+) response`), "Malformed environment response: $1"},
	{regexp.MustCompile(`env: empty screenshot|env: screenshot row`), "Malformed screenshot"},
	{regexp.MustCompile(`task id (\d+) out of range: suite has (\d+) tasks`), "Task $1 not in suite of $2"},
}

// Inference service patterns.
var inferencePatterns = []Pattern{
	{regexp.MustCompile(`inference: HTTP (5\d\d)`), "Model server error $1"},
	{regexp.MustCompile(`inference: HTTP (429)`), "Model rate limited"},
	{regexp.MustCompile(`inference: HTTP (4\d\d)`), "Model request rejected $1"},
	{regexp.MustCompile(`inference: http request: .*connection refused`), "Model server unreachable"},
	{regexp.MustCompile(`inference: http request: .*(context deadline exceeded|Client\.Timeout exceeded)`), "Model call timed out"},
	{regexp.MustCompile(`inference: http request: .*status code: (5\d\d)`), "Model server error $1"},
	{regexp.MustCompile(`inference: http request: .*status code: (429)`), "Model rate limited"},
	{regexp.MustCompile(`inference: http request: .*status code: (4\d\d)`), "Model request rejected $1"},
	{regexp.MustCompile(`inference: http request: .*(invalid character|unexpected end of JSON|cannot unmarshal)`), "Malformed model response"},
	{regexp.MustCompile(`inference: response has no content`), "Model returned no content"},
}

// Artifact storage patterns.
var storagePatterns = []Pattern{
	{regexp.MustCompile(`no space left on device`), "Disk full"},
	{regexp.MustCompile(`permission denied`), "Permission denied writing artifacts"},
	{regexp.MustCompile(`(writing|creating) (\S+?):? .*read-only file system`), "Read-only filesystem while $1 $2"},
	{regexp.MustCompile(`encoding screenshot`), "Screenshot encoding failed"},
}
