// Package response extracts memory, reason and the action payload from raw
// model output.
package response

import (
	"regexp"
	"strings"

	"github.com/lemon07r/aweval/internal/action"
)

const (
	boxOpen  = "<|begin_of_box|>"
	boxClose = "<|end_of_box|>"
)

var (
	answerRe = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
	memoryRe = regexp.MustCompile(`(?s)Memory:(.*?)Reason:`)
	reasonRe = regexp.MustCompile(`(?s)Reason:(.*?)Action:`)
	boxRe    = regexp.MustCompile(`(?s)<\|begin_of_box\|>(.*?)<\|end_of_box\|>`)
)

// Parsed is the structured view of one model response. Nil pointers mean the
// field was absent.
type Parsed struct {
	Action     *string `json:"action"`
	Memory     *string `json:"memory"`
	Reason     *string `json:"reason"`
	ActionText string  `json:"action_text"`
}

// NoOp is the placeholder recorded for a step whose response could not be
// turned into an executable action.
func NoOp() Parsed {
	none := action.None
	memory, reason := none, none
	return Parsed{
		Action:     &none,
		Memory:     &memory,
		Reason:     &reason,
		ActionText: none,
	}
}

// HasAction reports whether the step carries a real action payload.
func (p Parsed) HasAction() bool {
	return p.Action != nil && *p.Action != action.None
}

// Parse never fails: anything it cannot find is left nil.
func Parse(raw string) Parsed {
	text := narrow(raw)

	var p Parsed
	p.Memory = capture(memoryRe, text)
	p.Reason = capture(reasonRe, text)

	if m := boxRe.FindStringSubmatch(text); m != nil {
		a := strings.TrimSpace(m[1])
		p.Action = &a
	} else if i := strings.LastIndex(text, "{"); i >= 0 {
		seg := text[i+1:]
		if j := strings.Index(seg, "}"); j >= 0 {
			seg = seg[:j]
		}
		a := "{" + seg + "}"
		p.Action = &a
	}

	p.ActionText = stripBox(text)
	return p
}

// narrow drops reasoning the model wrapped around its answer.
func narrow(text string) string {
	if m := answerRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.Contains(text, "<think>") && strings.Contains(text, "</think>") {
		i := strings.LastIndex(text, "</think>")
		return strings.TrimSpace(text[i+len("</think>"):])
	}
	return text
}

func capture(re *regexp.Regexp, text string) *string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	s := strings.TrimSpace(m[1])
	return &s
}

func stripBox(text string) string {
	r := strings.NewReplacer(
		" "+boxOpen+" ", "",
		" "+boxClose+" ", "",
		boxOpen, "",
		boxClose, "",
	)
	return r.Replace(text)
}
