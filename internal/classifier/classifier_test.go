package classifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsweep/internal/llm"
	"github.com/mixelka/mailsweep/pkg/models"
)

type fakeCompleter struct {
	reply    string
	err      error
	block    bool
	messages []llm.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, purpose string, messages []llm.Message) (string, error) {
	f.messages = messages
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var categories = []*models.Category{
	{ID: 10, Name: "Newsletters", Description: "Marketing and promotional mail"},
	{ID: 11, Name: "Receipts", Description: "Orders, invoices, payments"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		completer   *fakeCompleter
		wantID      *int64
		wantSummary bool
		wantOutcome string
	}{
		{
			name:        "valid reply",
			completer:   &fakeCompleter{reply: `{"category_id": 11, "summary": "Order shipped."}`},
			wantID:      ptr(int64(11)),
			wantSummary: true,
			wantOutcome: OutcomeClassified,
		},
		{
			name:        "string id",
			completer:   &fakeCompleter{reply: `{"category_id": "10", "summary": "Sale."}`},
			wantID:      ptr(int64(10)),
			wantSummary: true,
			wantOutcome: OutcomeClassified,
		},
		{
			name:        "unknown category",
			completer:   &fakeCompleter{reply: `{"category_id": 99, "summary": "Quarterly report."}`},
			wantSummary: true,
			wantOutcome: OutcomeUnclassified,
		},
		{
			name:        "null category",
			completer:   &fakeCompleter{reply: `{"category_id": null, "summary": "Personal note."}`},
			wantSummary: true,
			wantOutcome: OutcomeUnclassified,
		},
		{
			name:        "null category blank summary",
			completer:   &fakeCompleter{reply: `{"category_id": null, "summary": "  "}`},
			wantOutcome: OutcomeUnclassified,
		},
		{
			name:        "malformed",
			completer:   &fakeCompleter{reply: `I think it's a newsletter`},
			wantOutcome: OutcomeMalformed,
		},
		{
			name:        "transport error",
			completer:   &fakeCompleter{err: errors.New("connection refused")},
			wantOutcome: OutcomeUnavailable,
		},
		{
			name:        "breaker open",
			completer:   &fakeCompleter{err: llm.ErrUnavailable},
			wantOutcome: OutcomeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.completer, Config{}, testLogger())
			got := c.Classify(context.Background(), categories, Input{Subject: "s", Sender: "a@b.c", Text: "body"})

			assert.Equal(t, tt.wantOutcome, got.Outcome)
			assert.Equal(t, tt.wantID, got.CategoryID)
			assert.Equal(t, tt.wantSummary, got.Summary != nil)
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	c := New(&fakeCompleter{block: true}, Config{Timeout: 30 * time.Millisecond}, testLogger())

	start := time.Now()
	got := c.Classify(context.Background(), categories, Input{Subject: "s"})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeTimeout, got.Outcome)
	assert.Nil(t, got.CategoryID)
	assert.Nil(t, got.Summary)
}

func TestClassifyWithoutCategories(t *testing.T) {
	f := &fakeCompleter{reply: `{"category_id": 1}`}
	got := New(f, Config{}, testLogger()).Classify(context.Background(), nil, Input{})
	assert.Equal(t, OutcomeUnclassified, got.Outcome)
	assert.Nil(t, f.messages, "no call without categories")
}

func TestPromptContents(t *testing.T) {
	f := &fakeCompleter{reply: `{"category_id": 10}`}
	c := New(f, Config{BodyLimit: 40}, testLogger())

	c.Classify(context.Background(), categories, Input{
		Subject: "Big sale",
		Sender:  "shop@x.com",
		HTML:    "<h1>Sale</h1><p>" + strings.Repeat("buy ", 100) + "</p>",
	})

	require.Len(t, f.messages, 2)
	prompt := f.messages[1].Content
	assert.Contains(t, prompt, "id 10: Newsletters: Marketing and promotional mail")
	assert.Contains(t, prompt, "Subject: Big sale")
	assert.Contains(t, prompt, "# Sale")
	assert.NotContains(t, prompt, strings.Repeat("buy ", 20))
}

func ptr[T any](v T) *T { return &v }

func TestClassifyKeepsSummaryWithoutCategory(t *testing.T) {
	f := &fakeCompleter{reply: `{"category_id": null, "summary": " Personal note. "}`}
	got := New(f, Config{}, testLogger()).Classify(context.Background(), categories, Input{Subject: "s"})

	assert.Equal(t, OutcomeUnclassified, got.Outcome)
	assert.Nil(t, got.CategoryID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "Personal note.", *got.Summary)
}
