package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsweep/internal/browser"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/parser"
	"github.com/mixelka/mailsweep/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSite maps a url to page html and a ref to the url it leads to
type fakeSite struct {
	pages map[string]string
	links map[string]string
}

type fakeLauncher struct {
	mu      sync.Mutex
	site    fakeSite
	opened  int
	closed  int
	clicks  int
	fills   []string
	openErr error

	navigate func(ctx context.Context, target string) error
	snapshot func(ctx context.Context) (*browser.Snapshot, error)
}

func (l *fakeLauncher) Open(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return nil, l.openErr
	}
	l.opened++
	return &fakeSession{launcher: l}, nil
}

type fakeSession struct {
	launcher *fakeLauncher
	current  string
	closed   bool
}

func (s *fakeSession) Navigate(ctx context.Context, target string) error {
	if s.launcher.navigate != nil {
		if err := s.launcher.navigate(ctx, target); err != nil {
			return err
		}
	}
	s.current = target
	return nil
}

func (s *fakeSession) Snapshot(ctx context.Context) (*browser.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.launcher.snapshot != nil {
		return s.launcher.snapshot(ctx)
	}
	html, ok := s.launcher.site.pages[s.current]
	if !ok {
		return nil, fmt.Errorf("no page at %s", s.current)
	}
	return &browser.Snapshot{URL: s.current, HTML: html}, nil
}

func (s *fakeSession) follow(selector string) {
	for ref, next := range s.launcher.site.links {
		if parser.RefSelector(ref) == selector {
			s.current = next
			return
		}
	}
}

func (s *fakeSession) Click(ctx context.Context, selector string) error {
	s.launcher.mu.Lock()
	s.launcher.clicks++
	s.launcher.mu.Unlock()
	s.follow(selector)
	return nil
}

func (s *fakeSession) Fill(ctx context.Context, selector, value string) error {
	s.launcher.fills = append(s.launcher.fills, value)
	return nil
}

func (s *fakeSession) Select(ctx context.Context, selector, value string) error { return nil }

func (s *fakeSession) Submit(ctx context.Context, selector string) error {
	s.follow(selector)
	return nil
}

func (s *fakeSession) Close() error {
	if !s.closed {
		s.closed = true
		s.launcher.mu.Lock()
		s.launcher.closed++
		s.launcher.mu.Unlock()
	}
	return nil
}

type plannerFunc func(page *parser.PageDescription, goal Goal) (*Action, error)

func (f plannerFunc) Plan(ctx context.Context, page *parser.PageDescription, goal Goal) (*Action, error) {
	return f(page, goal)
}

// clickFirstButton clicks the first button, or declares success when there is none
var clickFirstButton = plannerFunc(func(page *parser.PageDescription, goal Goal) (*Action, error) {
	if len(page.Buttons) > 0 {
		return &Action{Kind: ActionClick, Ref: page.Buttons[0].Ref, Reason: "confirm"}, nil
	}
	return &Action{Kind: ActionDoneSuccess}, nil
})

var alwaysSuccess = plannerFunc(func(*parser.PageDescription, Goal) (*Action, error) {
	return &Action{Kind: ActionDoneSuccess}, nil
})

type memStore struct {
	mu           sync.Mutex
	unsubscribed []int64
	runs         []*models.UnsubscribeRun
	siblings     int64
	markErr      error
}

func (m *memStore) MarkEmailUnsubscribed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.unsubscribed = append(m.unsubscribed, id)
	return nil
}

func (m *memStore) MarkSenderUnsubscribed(ctx context.Context, accountID int64, sender string, excludeID int64) (int64, error) {
	return m.siblings, nil
}

func (m *memStore) CreateUnsubscribeRun(ctx context.Context, run *models.UnsubscribeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func rawMessage(headers, body string) string {
	return "From: News <news@shop.example>\r\n" +
		"To: me@example.com\r\n" +
		"Subject: Weekly deals\r\n" +
		headers +
		"Content-Type: text/html; charset=utf-8\r\n\r\n" + body
}

func emailWith(raw string) *models.Email {
	return &models.Email{ID: 7, AccountID: 1, Sender: "news@shop.example", RawContent: raw}
}

var account = &models.Account{ID: 1, Address: "me@example.com"}

const unsubURL = "https://shop.example/u/abc"

const confirmedPage = `<html><head><title>Shop</title></head><body><h1>You have been unsubscribed</h1></body></html>`

func newAgent(l *fakeLauncher, p Planner, store Store, cfg Config) *Agent {
	cfg.Phrases = parser.DefaultPhrases()
	return NewAgent(l, p, store, cfg, testLogger())
}

func TestNoLinkFoundOpensNoSession(t *testing.T) {
	l := &fakeLauncher{}
	store := &memStore{}
	a := newAgent(l, alwaysSuccess, store, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("", "<p>Hello there</p>")), account)

	assert.Equal(t, OutcomeNoLinkFound, res.Outcome)
	assert.Zero(t, l.opened)
	assert.NotEmpty(t, res.Steps)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, store.runs, 1)
	assert.Equal(t, "NO_LINK_FOUND", store.runs[0].Outcome)
}

func TestMailtoOnlyOpensNoSession(t *testing.T) {
	l := &fakeLauncher{}
	a := newAgent(l, alwaysSuccess, &memStore{}, Config{})

	raw := rawMessage("List-Unsubscribe: <mailto:unsub@shop.example?subject=stop>\r\n", "<p>Hello</p>")
	res := a.Run(context.Background(), emailWith(raw), account)

	assert.Equal(t, OutcomeMailtoOnly, res.Outcome)
	assert.Equal(t, "unsub@shop.example?subject=stop", res.ManualTarget)
	assert.Zero(t, l.opened)
}

func TestOneClickConfirmation(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{unsubURL: confirmedPage}}}
	store := &memStore{siblings: 3}
	a := newAgent(l, alwaysSuccess, store, Config{})

	raw := rawMessage("List-Unsubscribe: <mailto:u@shop.example>, <"+unsubURL+">\r\n", "<p>Deals</p>")
	res := a.Run(context.Background(), emailWith(raw), account)

	assert.Equal(t, OutcomeVerifiedSuccess, res.Outcome, res.Steps)
	assert.GreaterOrEqual(t, len(res.Steps), 2)
	assert.Contains(t, strings.Join(res.Steps, "\n"), "navigated to "+unsubURL)
	assert.Equal(t, int64(3), res.SiblingUpdatedCount)
	assert.Equal(t, []int64{7}, store.unsubscribed)
	assert.Equal(t, 1, l.opened)
	assert.Equal(t, 1, l.closed)
}

func TestMultiStepFlowWithFill(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{
		pages: map[string]string{
			unsubURL: `<html><body>
				<form data-sweep-ref="f1" action="/confirm">
					<input data-sweep-ref="e1" type="email" name="email">
				</form></body></html>`,
			"https://shop.example/confirm": `<html><body><button data-sweep-ref="e2">Unsubscribe</button></body></html>`,
			"https://shop.example/done":    `<html><body><p>Preferences updated.</p></body></html>`,
		},
		links: map[string]string{"f1": "https://shop.example/confirm", "e2": "https://shop.example/done"},
	}}

	planner := plannerFunc(func(page *parser.PageDescription, goal Goal) (*Action, error) {
		switch {
		case len(page.Forms) > 0 && len(goal.History) < 3:
			return &Action{Kind: ActionFill, Ref: "e1", Value: "someone@else.com"}, nil
		case len(page.Forms) > 0:
			return &Action{Kind: ActionSubmit, Ref: "f1"}, nil
		}
		return clickFirstButton(page, goal)
	})
	a := newAgent(l, planner, &memStore{}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("", `<a href="`+unsubURL+`">Unsubscribe</a>`)), account)

	require.Equal(t, OutcomeVerifiedSuccess, res.Outcome, res.Steps)
	assert.Equal(t, []string{"me@example.com"}, l.fills, "fills use the account address")
	assert.Equal(t, 1, l.clicks)
	assert.Contains(t, res.Steps, "step 3: click e2 (confirm)")
}

func TestPlannerSuccessWithoutConfirmationFails(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{
		unsubURL: `<html><body><p>Manage your subscriptions</p></body></html>`,
	}}}
	store := &memStore{}
	a := newAgent(l, alwaysSuccess, store, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeVerifiedFail, res.Outcome)
	assert.Empty(t, store.unsubscribed)
	assert.Equal(t, 1, l.closed)
}

func TestFailurePageAfterAction(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{
		pages: map[string]string{
			unsubURL:                    `<html><body><button data-sweep-ref="e1">Unsubscribe</button></body></html>`,
			"https://shop.example/oops": `<html><body><p>Something went wrong, please try again.</p></body></html>`,
		},
		links: map[string]string{"e1": "https://shop.example/oops"},
	}}
	a := newAgent(l, clickFirstButton, &memStore{}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeVerifiedFail, res.Outcome)
	assert.Contains(t, res.Steps[len(res.Steps)-1], "page reports failure")
}

func TestMaxStepsExceeded(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{
		unsubURL: `<html><body><button data-sweep-ref="e1">Next</button></body></html>`,
	}}}
	a := newAgent(l, clickFirstButton, &memStore{}, Config{MaxSteps: 3})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeMaxStepsExceeded, res.Outcome)
	assert.Equal(t, 3, l.clicks)
	assert.Equal(t, 1, l.closed)
}

func TestNavigationTimeout(t *testing.T) {
	l := &fakeLauncher{navigate: func(ctx context.Context, target string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	a := newAgent(l, alwaysSuccess, &memStore{}, Config{NavTimeout: 20 * time.Millisecond})

	start := time.Now()
	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Contains(t, res.Error, string(StateSessionOpen))
	assert.Equal(t, 1, l.closed)
}

func TestRunTimeout(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{
		unsubURL: `<html><body><button data-sweep-ref="e1">Next</button></body></html>`,
	}}}
	slow := plannerFunc(func(*parser.PageDescription, Goal) (*Action, error) {
		time.Sleep(30 * time.Millisecond)
		return &Action{Kind: ActionClick, Ref: "e1"}, nil
	})
	a := newAgent(l, slow, &memStore{}, Config{RunTimeout: 50 * time.Millisecond, MaxSteps: 100})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, 1, l.closed)
}

func TestPlannerDeadlineIsError(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{
		unsubURL: `<html><body><button data-sweep-ref="e1">Next</button></body></html>`,
	}}}
	expired := plannerFunc(func(*parser.PageDescription, Goal) (*Action, error) {
		return nil, fmt.Errorf("failed to call planner: %w", context.DeadlineExceeded)
	})
	a := newAgent(l, expired, &memStore{}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, 1, l.closed)
}

func TestAutomationErrorClosesSession(t *testing.T) {
	l := &fakeLauncher{snapshot: func(ctx context.Context) (*browser.Snapshot, error) {
		return nil, errors.New("target crashed")
	}}
	a := newAgent(l, alwaysSuccess, &memStore{}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, "target crashed")
	assert.Equal(t, 1, l.opened)
	assert.Equal(t, 1, l.closed)
}

func TestPanicIsRecoveredAndSessionClosed(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{unsubURL: confirmedPage}}}
	boom := plannerFunc(func(*parser.PageDescription, Goal) (*Action, error) {
		panic("planner bug")
	})
	a := newAgent(l, boom, &memStore{}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, "planner bug")
	assert.Equal(t, 1, l.closed)
}

func TestLaunchFailure(t *testing.T) {
	l := &fakeLauncher{openErr: errors.New("chrome not found")}
	a := newAgent(l, alwaysSuccess, &memStore{}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, "chrome not found")
}

func TestRecordFailureBecomesError(t *testing.T) {
	l := &fakeLauncher{site: fakeSite{pages: map[string]string{unsubURL: confirmedPage}}}
	a := newAgent(l, alwaysSuccess, &memStore{markErr: errors.New("disk full")}, Config{})

	res := a.Run(context.Background(), emailWith(rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")), account)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, "disk full")
}

func TestSuccessPropagatesToSiblings(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	acc := &models.Account{OwnerID: 1, Address: "me@example.com"}
	require.NoError(t, db.ConnectAccount(ctx, acc))

	raw := rawMessage("List-Unsubscribe: <"+unsubURL+">\r\n", "")
	var emails []*models.Email
	for i, sender := range []string{"news@shop.example", "NEWS@shop.example", "news@shop.example", "friend@example.com"} {
		e := &models.Email{
			AccountID:  acc.ID,
			ProviderID: fmt.Sprintf("p%d", i),
			Sender:     sender,
			RawContent: raw,
		}
		require.NoError(t, db.CreateEmail(ctx, e))
		emails = append(emails, e)
	}

	l := &fakeLauncher{site: fakeSite{pages: map[string]string{unsubURL: confirmedPage}}}
	a := newAgent(l, alwaysSuccess, db, Config{})

	res := a.Run(ctx, emails[0], acc)
	require.Equal(t, OutcomeVerifiedSuccess, res.Outcome, res.Steps)
	assert.Equal(t, int64(2), res.SiblingUpdatedCount)

	for i, e := range emails {
		got, err := db.GetEmailByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, i < 3, got.IsUnsubscribed, "email %d", i)
	}

	runs, err := db.GetUnsubscribeRunsByEmail(ctx, emails[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, "VERIFIED_SUCCESS", runs[0].Outcome)
}
