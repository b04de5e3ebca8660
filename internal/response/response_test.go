package response

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/lemon07r/aweval/internal/action"
)

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	raw := "Memory: saw login\nReason: tapping field\nAction: {\"action_type\":\"click\",\"box_2d\":[[0,0,10,10]]}"
	p := Parse(raw)

	if got := deref(p.Memory); got != "saw login" {
		t.Errorf("Memory = %q, want %q", got, "saw login")
	}
	if got := deref(p.Reason); got != "tapping field" {
		t.Errorf("Reason = %q, want %q", got, "tapping field")
	}
	if !p.HasAction() {
		t.Fatal("expected an action")
	}

	act, err := action.Translate(p.Action, 1000, 1000)
	if err != nil {
		t.Fatalf("Translate(%q) error = %v", *p.Action, err)
	}
	if act.ActionType != action.Click {
		t.Errorf("ActionType = %q, want click", act.ActionType)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantAction string
		wantMemory string
		wantReason string
		wantText   string
	}{
		{
			name:       "boxed action",
			raw:        "Memory: m\nReason: r\nAction: <|begin_of_box|>{\"action_type\":\"wait\"}<|end_of_box|>",
			wantAction: `{"action_type":"wait"}`,
			wantMemory: "m",
			wantReason: "r",
			wantText:   "Memory: m\nReason: r\nAction: {\"action_type\":\"wait\"}",
		},
		{
			name:       "boxed nested object",
			raw:        `Action: <|begin_of_box|>{"action_type":"click","box_2d":[[1,2,3,4]],"meta":{"k":1}}<|end_of_box|>`,
			wantAction: `{"action_type":"click","box_2d":[[1,2,3,4]],"meta":{"k":1}}`,
			wantMemory: "<nil>",
			wantReason: "<nil>",
			wantText:   `Action: {"action_type":"click","box_2d":[[1,2,3,4]],"meta":{"k":1}}`,
		},
		{
			name:       "answer tag narrows",
			raw:        "<think>Memory: wrong Reason: x Action: {}</think><answer> Memory: right\nReason: ok\nAction: {\"action_type\":\"navigate_home\"} </answer>",
			wantAction: `{"action_type":"navigate_home"}`,
			wantMemory: "right",
			wantReason: "ok",
			wantText:   "Memory: right\nReason: ok\nAction: {\"action_type\":\"navigate_home\"}",
		},
		{
			name:       "think stripped",
			raw:        "<think>consider {\"a\":1}</think>\nReason: go back\nAction: {\"action_type\":\"navigate_back\"}",
			wantAction: `{"action_type":"navigate_back"}`,
			wantMemory: "<nil>",
			wantReason: "go back",
			wantText:   "Reason: go back\nAction: {\"action_type\":\"navigate_back\"}",
		},
		{
			name:       "last brace segment wins",
			raw:        `first {"action_type":"wait"} then {"action_type":"navigate_home"}`,
			wantAction: `{"action_type":"navigate_home"}`,
			wantMemory: "<nil>",
			wantReason: "<nil>",
			wantText:   `first {"action_type":"wait"} then {"action_type":"navigate_home"}`,
		},
		{
			name:       "no braces",
			raw:        "Memory: nothing\nReason: stuck\nAction: none",
			wantAction: "<nil>",
			wantMemory: "nothing",
			wantReason: "stuck",
			wantText:   "Memory: nothing\nReason: stuck\nAction: none",
		},
		{
			name:       "empty",
			raw:        "",
			wantAction: "<nil>",
			wantMemory: "<nil>",
			wantReason: "<nil>",
			wantText:   "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := Parse(tc.raw)
			if got := deref(p.Action); got != tc.wantAction {
				t.Errorf("Action = %q, want %q", got, tc.wantAction)
			}
			if got := deref(p.Memory); got != tc.wantMemory {
				t.Errorf("Memory = %q, want %q", got, tc.wantMemory)
			}
			if got := deref(p.Reason); got != tc.wantReason {
				t.Errorf("Reason = %q, want %q", got, tc.wantReason)
			}
			if p.ActionText != tc.wantText {
				t.Errorf("ActionText = %q, want %q", p.ActionText, tc.wantText)
			}
		})
	}
}

func TestNoOp(t *testing.T) {
	t.Parallel()

	p := NoOp()
	if p.HasAction() {
		t.Fatal("NoOp().HasAction() = true")
	}
	if deref(p.Memory) != action.None || deref(p.Reason) != action.None || p.ActionText != action.None {
		t.Fatalf("NoOp() = %+v, want every field NONE", p)
	}
}

func TestParseNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		p := Parse(raw)
		if p.Action != nil && !strings.HasPrefix(*p.Action, "{") && !strings.Contains(raw, boxOpen) {
			t.Fatalf("fallback action %q does not start with a brace", *p.Action)
		}
		if len(p.ActionText) > len(raw) {
			t.Fatalf("ActionText %q longer than input", p.ActionText)
		}
	})
}

func TestParseExtractsWrappedFlatObject(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-zA-Z :\n]{0,40}`).Draw(t, "prefix")
		value := rapid.StringMatching(`[a-z_]{1,20}`).Draw(t, "value")
		payload := `{"action_type":"` + value + `"}`

		p := Parse(prefix + payload)
		if deref(p.Action) != payload {
			t.Fatalf("Action = %q, want %q", deref(p.Action), payload)
		}
	})
}
