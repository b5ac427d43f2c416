// Package classifier assigns ingested emails to owner-defined categories.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/mixelka/mailsweep/internal/llm"
	"github.com/mixelka/mailsweep/internal/metrics"
	"github.com/mixelka/mailsweep/internal/parser"
	"github.com/mixelka/mailsweep/pkg/models"
)

// Classification outcomes
const (
	OutcomeClassified   = "classified"
	OutcomeUnclassified = "unclassified"
	OutcomeTimeout      = "timeout"
	OutcomeMalformed    = "malformed"
	OutcomeUnavailable  = "unavailable"
)

// Input is the message content shown to the model
type Input struct {
	Subject string
	Sender  string
	HTML    string
	Text    string
}

// Result is the classification of one email.
// CategoryID is nil when the email stays unclassified; Summary is nil when
// the model gave no usable reply.
type Result struct {
	CategoryID *int64
	Summary    *string
	Outcome    string
}

// Config for the classifier
type Config struct {
	Timeout   time.Duration
	BodyLimit int
}

// Classifier wraps the AI classification service with a fallback policy
type Classifier struct {
	completer llm.Completer
	timeout   time.Duration
	bodyLimit int
	logger    *slog.Logger
}

type reply struct {
	CategoryID json.RawMessage `json:"category_id"`
	Summary    string          `json:"summary"`
}

const systemPrompt = `You sort a user's incoming email into one of the user's categories.
Each category has an id, a name and a description written by the user; follow the descriptions.
Reply with a JSON object only:
{"category_id": <id from the list or null if none fits>, "summary": "<one or two sentence summary>"}`

// New creates a classifier
func New(completer llm.Completer, cfg Config, logger *slog.Logger) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 2000
	}
	return &Classifier{
		completer: completer,
		timeout:   cfg.Timeout,
		bodyLimit: cfg.BodyLimit,
		logger:    logger.With("component", "classifier"),
	}
}

// Classify never fails. Timeouts, transport errors and malformed replies
// degrade to an unclassified result with no summary. A well-formed reply with
// no fitting category keeps its summary.
func (c *Classifier) Classify(ctx context.Context, categories []*models.Category, in Input) Result {
	if len(categories) == 0 {
		metrics.IncrementClassification(OutcomeUnclassified)
		return Result{Outcome: OutcomeUnclassified}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.completer.Complete(ctx, "classify", []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: c.prompt(categories, in)},
	})
	if err != nil {
		outcome := OutcomeUnavailable
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			outcome = OutcomeTimeout
		}
		c.logger.Warn("classification failed", "outcome", outcome, "error", err)
		metrics.IncrementClassification(outcome)
		return Result{Outcome: outcome}
	}

	var r reply
	if err := llm.DecodeJSON(content, &r); err != nil {
		c.logger.Warn("malformed classification reply", "error", err)
		metrics.IncrementClassification(OutcomeMalformed)
		return Result{Outcome: OutcomeMalformed}
	}

	var result Result
	if summary := strings.TrimSpace(r.Summary); summary != "" {
		result.Summary = &summary
	}

	id, ok := parseCategoryID(r.CategoryID)
	if !ok || !containsCategory(categories, id) {
		result.Outcome = OutcomeUnclassified
		metrics.IncrementClassification(OutcomeUnclassified)
		return result
	}

	result.CategoryID = &id
	result.Outcome = OutcomeClassified
	metrics.IncrementClassification(OutcomeClassified)
	return result
}

func (c *Classifier) prompt(categories []*models.Category, in Input) string {
	var sb strings.Builder
	sb.WriteString("Categories:\n")
	for _, cat := range categories {
		fmt.Fprintf(&sb, "- id %d: %s", cat.ID, cat.Name)
		if cat.Description != "" {
			fmt.Fprintf(&sb, ": %s", cat.Description)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\nFrom: %s\nSubject: %s\n\nBody:\n%s\n", in.Sender, in.Subject, c.body(in))
	return sb.String()
}

// body prefers Markdown rendered from HTML so links and structure survive truncation
func (c *Classifier) body(in Input) string {
	body := strings.TrimSpace(in.Text)
	if in.HTML != "" {
		if md, err := htmltomarkdown.ConvertString(in.HTML); err == nil && strings.TrimSpace(md) != "" {
			body = strings.TrimSpace(md)
		}
	}
	return parser.Truncate(body, c.bodyLimit)
}

// parseCategoryID accepts a number or a numeric string
func parseCategoryID(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func containsCategory(categories []*models.Category, id int64) bool {
	for _, cat := range categories {
		if cat.ID == id {
			return true
		}
	}
	return false
}
