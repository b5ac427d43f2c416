package unsubscribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailsweep/internal/llm"
	"github.com/mixelka/mailsweep/internal/parser"
)

// ErrInvalidAction is returned when the planner reply is not an executable action
var ErrInvalidAction = errors.New("planner returned an invalid action")

// ActionKind is one planner decision
type ActionKind string

const (
	ActionClick       ActionKind = "click"
	ActionFill        ActionKind = "fill"
	ActionSelect      ActionKind = "select"
	ActionSubmit      ActionKind = "submit"
	ActionDoneSuccess ActionKind = "done_success"
	ActionDoneFail    ActionKind = "done_fail"
)

// Terminal reports whether the action is a verdict
func (k ActionKind) Terminal() bool {
	return k == ActionDoneSuccess || k == ActionDoneFail
}

// Action is the next step the planner wants taken
type Action struct {
	Kind   ActionKind `json:"action"`
	Ref    string     `json:"ref,omitempty"`
	Value  string     `json:"value,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

func (a *Action) String() string {
	var sb strings.Builder
	sb.WriteString(string(a.Kind))
	if a.Ref != "" {
		sb.WriteString(" " + a.Ref)
	}
	if a.Value != "" {
		fmt.Fprintf(&sb, " = %q", a.Value)
	}
	if a.Reason != "" {
		sb.WriteString(" (" + a.Reason + ")")
	}
	return sb.String()
}

// Goal is what the planner is asked to achieve
type Goal struct {
	Objective string
	// UserAddress is the only value the planner may type into email fields
	UserAddress string
	History     []string
}

// Planner decides the next action for a page
type Planner interface {
	Plan(ctx context.Context, page *parser.PageDescription, goal Goal) (*Action, error)
}

const plannerPrompt = `You operate a web browser to finish unsubscribing a user from a mailing list.
You see one page at a time as JSON: url, title, visible text, and interactive elements, each with a "ref".
Choose exactly one next step and reply with a JSON object only:
{"action": "click|fill|select|submit|done_success|done_fail", "ref": "<element or form ref>", "value": "<text or option>", "reason": "<short>"}
Rules:
- Use only refs present on the page.
- fill is only for an email address field, with the user's address as value.
- select picks an option by its visible text or value.
- submit takes a form ref.
- Reply done_success only if the page states the unsubscribe is complete.
- Reply done_fail if the page shows an error, requires a login, or offers no way forward.`

// AIPlanner asks the chat-completion service for the next action
type AIPlanner struct {
	completer llm.Completer
	timeout   time.Duration
}

// NewAIPlanner creates a planner
func NewAIPlanner(completer llm.Completer, timeout time.Duration) *AIPlanner {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &AIPlanner{completer: completer, timeout: timeout}
}

// Plan implements Planner
func (p *AIPlanner) Plan(ctx context.Context, page *parser.PageDescription, goal Goal) (*Action, error) {
	pageJSON, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", goal.Objective)
	if goal.UserAddress != "" {
		fmt.Fprintf(&sb, "User email address: %s\n", goal.UserAddress)
	}
	if len(goal.History) > 0 {
		sb.WriteString("Steps so far:\n")
		for _, h := range goal.History {
			sb.WriteString("- " + h + "\n")
		}
	}
	sb.WriteString("\nPage:\n")
	sb.Write(pageJSON)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	content, err := p.completer.Complete(ctx, "plan", []llm.Message{
		{Role: "system", Content: plannerPrompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to plan: %w", err)
	}

	var action Action
	if err := llm.DecodeJSON(content, &action); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := Validate(&action, page); err != nil {
		return nil, err
	}
	return &action, nil
}

// Validate checks that an action is known and targets an element on the page
func Validate(action *Action, page *parser.PageDescription) error {
	action.Kind = ActionKind(strings.ToLower(strings.TrimSpace(string(action.Kind))))

	switch action.Kind {
	case ActionDoneSuccess, ActionDoneFail:
		return nil
	case ActionClick:
		if hasRef(action.Ref, page.Links, page.Buttons, page.Inputs) {
			return nil
		}
	case ActionFill:
		if hasRef(action.Ref, page.Inputs) {
			return nil
		}
	case ActionSelect:
		if hasRef(action.Ref, page.Selects) {
			return nil
		}
	case ActionSubmit:
		for _, f := range page.Forms {
			if f.Ref == action.Ref {
				return nil
			}
		}
		if hasRef(action.Ref, page.Buttons, page.Inputs) {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, action.Kind)
	}
	return fmt.Errorf("%w: %s targets unknown ref %q", ErrInvalidAction, action.Kind, action.Ref)
}

func hasRef(ref string, groups ...[]parser.Element) bool {
	if ref == "" {
		return false
	}
	for _, elements := range groups {
		for _, el := range elements {
			if el.Ref == ref {
				return true
			}
		}
	}
	return false
}
