package unsubscribe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsweep/internal/llm"
	"github.com/mixelka/mailsweep/internal/parser"
)

type fakeCompleter struct {
	reply    string
	err      error
	purpose  string
	messages []llm.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, purpose string, messages []llm.Message) (string, error) {
	f.purpose = purpose
	f.messages = messages
	return f.reply, f.err
}

var page = &parser.PageDescription{
	URL:     "https://x.com/unsub",
	Title:   "Unsubscribe",
	Buttons: []parser.Element{{Ref: "e1", Tag: "button", Text: "Confirm"}},
	Inputs:  []parser.Element{{Ref: "e2", Tag: "input", Type: "email"}},
	Selects: []parser.Element{{Ref: "e3", Tag: "select", Options: []string{"Too many"}}},
	Forms:   []parser.Form{{Ref: "f1"}},
}

func TestAIPlannerPlan(t *testing.T) {
	f := &fakeCompleter{reply: "```json\n{\"action\": \"Click\", \"ref\": \"e1\", \"reason\": \"confirm button\"}\n```"}
	p := NewAIPlanner(f, 0)

	action, err := p.Plan(context.Background(), page, Goal{Objective: objective, UserAddress: "me@x.com", History: []string{"navigated"}})
	require.NoError(t, err)

	assert.Equal(t, ActionClick, action.Kind)
	assert.Equal(t, "e1", action.Ref)
	assert.Equal(t, "plan", f.purpose)
	require.Len(t, f.messages, 2)
	assert.Contains(t, f.messages[1].Content, "User email address: me@x.com")
	assert.Contains(t, f.messages[1].Content, "- navigated")
	assert.Contains(t, f.messages[1].Content, `"ref":"e1"`)
}

func TestAIPlannerErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "transport", err: errors.New("503")},
		{name: "malformed", reply: "click the button"},
		{name: "unknown kind", reply: `{"action": "scroll"}`},
		{name: "unknown ref", reply: `{"action": "click", "ref": "e99"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewAIPlanner(&fakeCompleter{reply: tt.reply, err: tt.err}, 0)
			_, err := p.Plan(context.Background(), page, Goal{})
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		action Action
		ok     bool
	}{
		{Action{Kind: ActionDoneSuccess}, true},
		{Action{Kind: ActionDoneFail}, true},
		{Action{Kind: ActionClick, Ref: "e1"}, true},
		{Action{Kind: ActionFill, Ref: "e2"}, true},
		{Action{Kind: ActionFill, Ref: "e1"}, false},
		{Action{Kind: ActionSelect, Ref: "e3"}, true},
		{Action{Kind: ActionSubmit, Ref: "f1"}, true},
		{Action{Kind: ActionSubmit, Ref: "e1"}, true},
		{Action{Kind: ActionClick}, false},
	}

	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			err := Validate(&tt.action, page)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAction)
			}
		})
	}
}
