// Package action converts model-proposed actions into environment actions.
//
// Models emit actions as small JSON objects whose coordinates live in a
// normalized 0-1000 space. Translate validates such a payload and maps it into
// the pixel space of the screenshot the model was shown.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names an action the environment understands.
type Type string

const (
	Status        Type = "status"
	Answer        Type = "answer"
	Click         Type = "click"
	LongPress     Type = "long_press"
	InputText     Type = "input_text"
	KeyboardEnter Type = "keyboard_enter"
	NavigateHome  Type = "navigate_home"
	NavigateBack  Type = "navigate_back"
	Wait          Type = "wait"
	Swipe         Type = "swipe"
	OpenApp       Type = "open_app"
	Drag          Type = "drag"
)

// NormalizedRange is the upper bound of the model's coordinate space.
const NormalizedRange = 1000

// None is the textual "no action" marker used in traces.
const None = "NONE"

// ErrNoAction is returned when the payload is absent or explicitly "NONE".
var ErrNoAction = errors.New("no action")

// TranslateError reports a payload that could not be turned into an Action.
type TranslateError struct {
	Payload string
	Err     error
}

func (e *TranslateError) Error() string {
	return fmt.Sprintf("translating action %q: %v", e.Payload, e.Err)
}

func (e *TranslateError) Unwrap() error { return e.Err }

// Action is a pixel-space action. Field names follow the environment's JSON
// action schema; coordinates are pointers because zero is a valid position.
type Action struct {
	ActionType Type   `json:"action_type"`
	X          *int   `json:"x,omitempty"`
	Y          *int   `json:"y,omitempty"`
	Text       string `json:"text,omitempty"`
	GoalStatus string `json:"goal_status,omitempty"`
	Direction  string `json:"direction,omitempty"`
	AppName    string `json:"app_name,omitempty"`
	ClearText  *bool  `json:"clear_text,omitempty"`

	XMin *int `json:"xmin,omitempty"`
	YMin *int `json:"ymin,omitempty"`
	XMax *int `json:"xmax,omitempty"`
	YMax *int `json:"ymax,omitempty"`

	DragStartX *int `json:"drag_start_x,omitempty"`
	DragStartY *int `json:"drag_start_y,omitempty"`
	DragEndX   *int `json:"drag_end_x,omitempty"`
	DragEndY   *int `json:"drag_end_y,omitempty"`
}

// IsTerminal reports whether executing the action ends the episode.
func (a *Action) IsTerminal() bool {
	return a != nil && a.ActionType == Status
}

// payload is the model-side shape of an action.
type payload struct {
	ActionType *string     `json:"action_type"`
	GoalStatus *string     `json:"goal_status"`
	Text       *string     `json:"text"`
	Box2D      [][]float64 `json:"box_2d"`
	Override   *bool       `json:"override"`
	Direction  *string     `json:"direction"`
	AppName    *string     `json:"app_name"`
	StartPoint []float64   `json:"start_point"`
	EndPoint   []float64   `json:"end_point"`
}

// Translate parses a JSON action payload and maps it onto a width x height
// screen. A nil or "NONE" payload yields ErrNoAction; every other failure is a
// *TranslateError.
func Translate(raw *string, width, height int) (Action, error) {
	if raw == nil || *raw == None {
		return Action{}, ErrNoAction
	}

	act, err := translate(*raw, width, height)
	if err != nil {
		return Action{}, &TranslateError{Payload: *raw, Err: err}
	}
	return act, nil
}

func translate(raw string, width, height int) (Action, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Action{}, fmt.Errorf("decoding payload: %w", err)
	}
	if p.ActionType == nil {
		return Action{}, errors.New("missing action_type")
	}

	t := Type(*p.ActionType)
	act := Action{ActionType: t}

	switch t {
	case Status:
		if p.GoalStatus == nil {
			return Action{}, missing("goal_status")
		}
		act.GoalStatus = *p.GoalStatus

	case Answer:
		if p.Text == nil {
			return Action{}, missing("text")
		}
		act.Text = *p.Text

	case Click, LongPress:
		x, y, err := boxCenter(p.Box2D, width, height)
		if err != nil {
			return Action{}, err
		}
		act.X, act.Y = &x, &y

	case InputText:
		x, y, err := boxCenter(p.Box2D, width, height)
		if err != nil {
			return Action{}, err
		}
		if p.Text == nil {
			return Action{}, missing("text")
		}
		clearText := true
		if p.Override != nil {
			clearText = *p.Override
		}
		act.X, act.Y = &x, &y
		act.Text = *p.Text
		act.ClearText = &clearText

	case KeyboardEnter, NavigateHome, NavigateBack, Wait:

	case Swipe:
		if p.Direction == nil {
			return Action{}, missing("direction")
		}
		act.Direction = *p.Direction
		if len(p.Box2D) > 0 {
			box, err := firstBox(p.Box2D)
			if err != nil {
				return Action{}, err
			}
			xmin, ymin := Scale(box[0], width), Scale(box[1], height)
			xmax, ymax := Scale(box[2], width), Scale(box[3], height)
			act.XMin, act.YMin, act.XMax, act.YMax = &xmin, &ymin, &xmax, &ymax
		}

	case OpenApp:
		if p.AppName == nil {
			return Action{}, missing("app_name")
		}
		act.AppName = *p.AppName

	case Drag:
		if len(p.StartPoint) != 2 {
			return Action{}, missing("start_point")
		}
		if len(p.EndPoint) != 2 {
			return Action{}, missing("end_point")
		}
		sx, sy := Scale(p.StartPoint[0], width), Scale(p.StartPoint[1], height)
		ex, ey := Scale(p.EndPoint[0], width), Scale(p.EndPoint[1], height)
		act.DragStartX, act.DragStartY = &sx, &sy
		act.DragEndX, act.DragEndY = &ex, &ey

	default:
		return Action{}, fmt.Errorf("unknown action_type: %s", t)
	}

	return act, nil
}

// Scale maps a normalized coordinate onto a dimension of the given size.
// The coordinate is truncated to an integer before scaling and the product is
// truncated again.
func Scale(coord float64, dimension int) int {
	return int(coord) * dimension / NormalizedRange
}

// boxCenter returns the pixel center of the first box in box_2d.
func boxCenter(boxes [][]float64, width, height int) (int, int, error) {
	box, err := firstBox(boxes)
	if err != nil {
		return 0, 0, err
	}
	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2
	return Scale(cx, width), Scale(cy, height), nil
}

func firstBox(boxes [][]float64) ([]float64, error) {
	if len(boxes) == 0 {
		return nil, missing("box_2d")
	}
	if len(boxes[0]) != 4 {
		return nil, fmt.Errorf("box_2d must hold [x1, y1, x2, y2], got %d values", len(boxes[0]))
	}
	return boxes[0], nil
}

func missing(field string) error {
	return fmt.Errorf("missing required field %q", field)
}
