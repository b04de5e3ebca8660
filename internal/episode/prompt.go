package episode

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/lemon07r/aweval/internal/action"
	"github.com/lemon07r/aweval/internal/inference"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/prompts"
)

// BuildMessages assembles the single user turn for the next step: the
// rendered prompt followed by the current screenshot.
func BuildMessages(set *prompts.Set, goal string, trace result.Trace, img image.Image) ([]inference.Message, error) {
	prompt, err := set.Render(goal, RenderHistory(trace))
	if err != nil {
		return nil, err
	}
	encoded, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	return []inference.Message{inference.UserMessage(prompt, encoded)}, nil
}

// RenderHistory formats prior steps for the prompt. Steps without a valid
// action are left out and numbering counts rendered steps only.
func RenderHistory(trace result.Trace) string {
	var parts []string
	for _, s := range trace.Steps {
		if s.Parsed.Action == nil || *s.Parsed.Action == action.None {
			continue
		}
		parts = append(parts, fmt.Sprintf("Step %d:\nMemory: %s\nReason: %s\nAction: %s",
			len(parts), orNone(s.Parsed.Memory), orNone(s.Parsed.Reason), *s.Parsed.Action))
	}
	return strings.Join(parts, "\n\n")
}

// EncodePNG returns img as base64 encoded PNG data.
func EncodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func orNone(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}
