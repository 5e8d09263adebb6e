package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ActionKind is one of the browser actions the model may request.
type ActionKind string

const (
	ActionNavigate    ActionKind = "navigate"
	ActionClick       ActionKind = "click"
	ActionType        ActionKind = "type"
	ActionScroll      ActionKind = "scroll"
	ActionWait        ActionKind = "wait"
	ActionExtractText ActionKind = "extract_text"
	ActionDone        ActionKind = "done"
)

// Action is one decoded model answer.
type Action struct {
	Thought string          `json:"thought"`
	Memory  string          `json:"memory"`
	Kind    ActionKind      `json:"action"`
	URL     string          `json:"url"`
	Index   *int            `json:"index"`
	Text    string          `json:"text"`
	Pixels  int             `json:"pixels"`
	Seconds float64         `json:"seconds"`
	Result  json.RawMessage `json:"result"`
}

// ResultText returns the done payload as text. A JSON string is unquoted; any
// other JSON value is returned verbatim so an object result can be validated
// downstream.
func (a Action) ResultText() string {
	raw := strings.TrimSpace(string(a.Result))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Result, &s); err == nil {
		return s
	}
	return raw
}

func (a Action) describe() string {
	switch a.Kind {
	case ActionNavigate:
		return fmt.Sprintf("navigate(%s)", a.URL)
	case ActionClick:
		return fmt.Sprintf("click(%d)", *a.Index)
	case ActionType:
		return fmt.Sprintf("type(%d, %q)", *a.Index, a.Text)
	case ActionScroll:
		return fmt.Sprintf("scroll(%d)", a.Pixels)
	case ActionWait:
		return fmt.Sprintf("wait(%gs)", a.Seconds)
	default:
		return string(a.Kind)
	}
}

var errNoJSONObject = errors.New("answer does not contain a JSON object")

// parseAction decodes and checks one model answer.
func parseAction(reply string) (Action, error) {
	body := jsonObjectSpan(reply)
	if body == "" {
		return Action{}, errNoJSONObject
	}

	var a Action
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return Action{}, fmt.Errorf("invalid action JSON: %w", err)
	}
	a.Kind = ActionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))

	switch a.Kind {
	case ActionNavigate:
		if strings.TrimSpace(a.URL) == "" {
			return Action{}, errors.New(`navigate requires "url"`)
		}
	case ActionClick:
		if a.Index == nil {
			return Action{}, errors.New(`click requires "index"`)
		}
	case ActionType:
		if a.Index == nil {
			return Action{}, errors.New(`type requires "index"`)
		}
	case ActionScroll:
		if a.Pixels == 0 {
			a.Pixels = defaultScrollPixels
		}
	case ActionWait:
		if a.Seconds <= 0 {
			a.Seconds = 2
		}
		if a.Seconds > maxWaitSeconds {
			a.Seconds = maxWaitSeconds
		}
	case ActionExtractText, ActionDone:
	case "":
		return Action{}, errors.New(`missing "action"`)
	default:
		return Action{}, fmt.Errorf("unknown action %q", a.Kind)
	}
	return a, nil
}

func jsonObjectSpan(text string) string {
	s := strings.TrimSpace(text)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
