// Package unsubscribe drives a disposable browser through unsubscribe flows.
package unsubscribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/mailsweep/internal/browser"
	"github.com/mixelka/mailsweep/internal/metrics"
	"github.com/mixelka/mailsweep/internal/parser"
	"github.com/mixelka/mailsweep/pkg/models"
)

// Outcome is the terminal state of a run
type Outcome string

const (
	OutcomeNoLinkFound      Outcome = "NO_LINK_FOUND"
	OutcomeMailtoOnly       Outcome = "MAILTO_ONLY"
	OutcomeVerifiedSuccess  Outcome = "VERIFIED_SUCCESS"
	OutcomeVerifiedFail     Outcome = "VERIFIED_FAIL"
	OutcomeMaxStepsExceeded Outcome = "MAX_STEPS_EXCEEDED"
	OutcomeTimeout          Outcome = "TIMEOUT"
	OutcomeError            Outcome = "ERROR"
)

// State is a non-terminal state of a run
type State string

const (
	StateStart          State = "START"
	StateLinksExtracted State = "LINKS_EXTRACTED"
	StateSessionOpen    State = "SESSION_OPEN"
	StatePageLoaded     State = "PAGE_LOADED"
	StateActionApplied  State = "ACTION_APPLIED"
)

const objective = "complete the unsubscribe action"

var errNavigationTimeout = errors.New("navigation timed out")

// Result is what a caller gets back from a run
type Result struct {
	RunID               string   `json:"run_id"`
	EmailID             int64    `json:"email_id"`
	Outcome             Outcome  `json:"outcome"`
	Steps               []string `json:"steps"`
	SiblingUpdatedCount int64    `json:"sibling_updated_count"`
	Error               string   `json:"error,omitempty"`
	// ManualTarget is the mailto address to write to when Outcome is MAILTO_ONLY
	ManualTarget string `json:"manual_target,omitempty"`
}

func (r *Result) step(format string, args ...any) {
	r.Steps = append(r.Steps, fmt.Sprintf(format, args...))
}

// Store is the persistence the agent needs
type Store interface {
	MarkEmailUnsubscribed(ctx context.Context, id int64) error
	MarkSenderUnsubscribed(ctx context.Context, accountID int64, sender string, excludeID int64) (int64, error)
	CreateUnsubscribeRun(ctx context.Context, run *models.UnsubscribeRun) error
}

// Config for the agent
type Config struct {
	MaxSteps   int
	NavTimeout time.Duration
	RunTimeout time.Duration
	Phrases    parser.Phrases
}

// Agent runs unsubscribe flows, one browser session per run
type Agent struct {
	launcher  browser.Launcher
	planner   Planner
	store     Store
	extractor *parser.LinkExtractor
	describer *parser.PageDescriber
	success   *parser.PhraseMatcher
	failure   *parser.PhraseMatcher
	urlHints  []string
	config    Config
	logger    *slog.Logger
}

// NewAgent creates an agent
func NewAgent(launcher browser.Launcher, planner Planner, store Store, cfg Config, logger *slog.Logger) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}

	hints := make([]string, 0, len(cfg.Phrases.SuccessURLHints))
	for _, h := range cfg.Phrases.SuccessURLHints {
		hints = append(hints, strings.ToLower(h))
	}

	return &Agent{
		launcher:  launcher,
		planner:   planner,
		store:     store,
		extractor: parser.NewLinkExtractor(cfg.Phrases.UnsubscribeKeywords),
		describer: parser.NewPageDescriber(cfg.Phrases.UnsubscribeKeywords),
		success:   parser.NewPhraseMatcher(cfg.Phrases.SuccessPhrases),
		failure:   parser.NewPhraseMatcher(cfg.Phrases.FailurePhrases),
		urlHints:  hints,
		config:    cfg,
		logger:    logger.With("component", "unsubscribe_agent"),
	}
}

// run is the mutable state of one invocation
type run struct {
	*Result
	state State
	email *models.Email
	log   *slog.Logger
}

func (r *run) enter(s State) {
	r.log.Debug("state transition", "from", r.state, "to", s)
	r.state = s
}

func (r *run) finish(outcome Outcome, format string, args ...any) {
	r.Outcome = outcome
	r.step(format, args...)
}

// fail maps an exception to TIMEOUT or ERROR. Only the navigation timeout
// and the run deadline are timeouts; a collaborator's own deadline, such as
// the planner's request timeout, is an ERROR.
func (r *run) fail(ctx context.Context, err error) {
	if errors.Is(err, errNavigationTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.Outcome = OutcomeTimeout
		r.Error = fmt.Sprintf("timed out in %s: %v", r.state, err)
	} else {
		r.Outcome = OutcomeError
		r.Error = fmt.Sprintf("%s: %v", r.state, err)
	}
	r.step("aborted: %s", r.Error)
}

// Run unsubscribes from the sender of email. It never returns an error:
// every failure is a typed outcome with the step log that led to it.
func (a *Agent) Run(ctx context.Context, email *models.Email, account *models.Account) *Result {
	started := time.Now()
	r := &run{
		Result: &Result{RunID: uuid.NewString(), EmailID: email.ID, Steps: []string{}},
		state:  StateStart,
		email:  email,
	}
	r.log = a.logger.With("run_id", r.RunID, "email_id", email.ID)

	a.execute(ctx, r, account)

	if r.Outcome == OutcomeVerifiedSuccess {
		a.propagate(ctx, r)
	}

	a.record(ctx, r, started)
	return r.Result
}

func (a *Agent) execute(ctx context.Context, r *run, account *models.Account) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("unsubscribe run panicked", "panic", p)
			r.Outcome = OutcomeError
			r.Error = fmt.Sprintf("%s: panic: %v", r.state, p)
			r.step("aborted: %s", r.Error)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.config.RunTimeout)
	defer cancel()

	msg, err := parser.ParseMessage([]byte(r.email.RawContent))
	if err != nil {
		r.fail(ctx, err)
		return
	}

	candidates := a.extractor.Extract(msg)
	r.enter(StateLinksExtracted)
	r.step("extracted %d unsubscribe candidates", len(candidates))

	if len(candidates) == 0 {
		r.finish(OutcomeNoLinkFound, "no unsubscribe link in message")
		return
	}

	target, ok := firstHTTP(candidates)
	if !ok {
		r.ManualTarget = strings.TrimPrefix(candidates[0].URL, "mailto:")
		r.finish(OutcomeMailtoOnly, "only mailto unsubscribe available: %s", candidates[0].URL)
		return
	}

	session, err := a.launcher.Open(ctx)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.log.Warn("failed to close browser session", "error", err)
		}
	}()
	r.enter(StateSessionOpen)

	if err := a.navigate(ctx, session, target.URL); err != nil {
		r.fail(ctx, err)
		return
	}
	r.enter(StatePageLoaded)
	r.step("navigated to %s (%s, %s)", target.URL, target.Kind, target.Origin)

	address := ""
	if account != nil {
		address = account.Address
	}

	if err := a.loop(ctx, r, session, address); err != nil {
		r.fail(ctx, err)
	}
}

func (a *Agent) navigate(ctx context.Context, session browser.Session, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, a.config.NavTimeout)
	defer cancel()
	if err := session.Navigate(navCtx, target); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", errNavigationTimeout, err)
		}
		return err
	}
	return nil
}

// loop alternates snapshot, verification and planned actions until a
// terminal outcome. Returned errors are exceptions, not verdicts.
func (a *Agent) loop(ctx context.Context, r *run, session browser.Session, address string) error {
	actions := 0
	for {
		snap, err := session.Snapshot(ctx)
		if err != nil {
			return err
		}
		page, err := a.describer.Describe(snap.URL, snap.Title, snap.HTML)
		if err != nil {
			return err
		}

		confirmation, confirmed := a.confirmed(page)
		if !confirmed && actions > 0 {
			if phrase, failed := a.failure.Match(page.Title + "\n" + page.Text); failed {
				r.finish(OutcomeVerifiedFail, "page reports failure: %q", phrase)
				return nil
			}
		}

		action, err := a.planner.Plan(ctx, page, Goal{
			Objective:   objective,
			UserAddress: address,
			History:     r.Steps,
		})
		if err != nil {
			return err
		}

		switch action.Kind {
		case ActionDoneSuccess:
			if confirmed {
				r.finish(OutcomeVerifiedSuccess, "verified: planner and page agree (%s)", confirmation)
			} else {
				r.finish(OutcomeVerifiedFail, "planner reported success but page shows no confirmation")
			}
			return nil
		case ActionDoneFail:
			r.finish(OutcomeVerifiedFail, "planner gave up: %s", action.Reason)
			return nil
		}

		if actions >= a.config.MaxSteps {
			r.finish(OutcomeMaxStepsExceeded, "step limit of %d reached before completion", a.config.MaxSteps)
			return nil
		}

		if action.Kind == ActionFill && strings.Contains(action.Value, "@") {
			action.Value = address
		}
		if err := a.apply(ctx, session, action); err != nil {
			return err
		}
		actions++
		r.enter(StateActionApplied)
		r.step("step %d: %s", actions, action)
	}
}

func (a *Agent) apply(ctx context.Context, session browser.Session, action *Action) error {
	selector := parser.RefSelector(action.Ref)
	switch action.Kind {
	case ActionClick:
		return session.Click(ctx, selector)
	case ActionFill:
		return session.Fill(ctx, selector, action.Value)
	case ActionSelect:
		return session.Select(ctx, selector, action.Value)
	case ActionSubmit:
		return session.Submit(ctx, selector)
	}
	return fmt.Errorf("%w: %q", ErrInvalidAction, action.Kind)
}

// confirmed is the planner-independent success check on a page
func (a *Agent) confirmed(page *parser.PageDescription) (string, bool) {
	if phrase, ok := a.success.Match(page.Title + "\n" + page.Text); ok {
		return fmt.Sprintf("phrase %q", phrase), true
	}
	lowered := strings.ToLower(page.URL)
	for _, hint := range a.urlHints {
		if hint != "" && strings.Contains(lowered, hint) {
			return fmt.Sprintf("url contains %q", hint), true
		}
	}
	return "", false
}

// propagate flags the email and its same-sender siblings. The run is
// detached from the caller deadline so a late success is still recorded.
func (a *Agent) propagate(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := a.store.MarkEmailUnsubscribed(ctx, r.email.ID); err != nil {
		r.log.Error("failed to mark email unsubscribed", "error", err)
		r.Outcome = OutcomeError
		r.Error = fmt.Sprintf("unsubscribed on site but failed to record it: %v", err)
		r.step("aborted: %s", r.Error)
		return
	}

	count, err := a.store.MarkSenderUnsubscribed(ctx, r.email.AccountID, r.email.Sender, r.email.ID)
	if err != nil {
		r.log.Error("failed to propagate to siblings", "sender", r.email.Sender, "error", err)
		r.Outcome = OutcomeError
		r.Error = fmt.Sprintf("unsubscribed on site but failed to update siblings: %v", err)
		r.step("aborted: %s", r.Error)
		return
	}

	r.SiblingUpdatedCount = count
	r.step("marked %d sibling emails from %s as unsubscribed", count, r.email.Sender)
}

// record persists the audit row and metrics; failures never change the outcome
func (a *Agent) record(ctx context.Context, r *run, started time.Time) {
	finished := time.Now()
	metrics.RecordUnsubscribeRun(string(r.Outcome), finished.Sub(started))

	r.log.Info("unsubscribe run finished",
		"outcome", r.Outcome,
		"steps", len(r.Steps),
		"siblings", r.SiblingUpdatedCount,
		"duration", finished.Sub(started),
	)

	steps, err := json.Marshal(r.Steps)
	if err != nil {
		r.log.Warn("failed to encode step log", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err = a.store.CreateUnsubscribeRun(ctx, &models.UnsubscribeRun{
		ID:                  r.RunID,
		EmailID:             r.EmailID,
		Outcome:             string(r.Outcome),
		Steps:               string(steps),
		Error:               r.Error,
		SiblingUpdatedCount: r.SiblingUpdatedCount,
		StartedAt:           started,
		FinishedAt:          finished,
	})
	if err != nil {
		r.log.Warn("failed to persist unsubscribe run", "error", err)
	}
}

func firstHTTP(candidates []parser.Candidate) (parser.Candidate, bool) {
	for _, c := range candidates {
		if c.IsHTTP() {
			return c, true
		}
	}
	return parser.Candidate{}, false
}
