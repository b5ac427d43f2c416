// Package browser runs disposable headless Chrome sessions.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/mixelka/mailsweep/internal/metrics"
	"github.com/mixelka/mailsweep/internal/parser"
)

// ErrURLNotAllowed is returned for targets outside http and https
var ErrURLNotAllowed = errors.New("only http and https urls may be opened")

// ErrElementNotFound is returned when a selector matches nothing
var ErrElementNotFound = errors.New("element not found")

// Snapshot is the rendered state of the current page
type Snapshot struct {
	URL   string
	Title string
	HTML  string
}

// Session is one isolated browser profile. It must be closed on every path.
type Session interface {
	Navigate(ctx context.Context, target string) error
	// Snapshot stamps interactive elements with parser.RefAttr and returns the page
	Snapshot(ctx context.Context) (*Snapshot, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Select(ctx context.Context, selector, value string) error
	Submit(ctx context.Context, selector string) error
	Close() error
}

// Launcher opens sessions
type Launcher interface {
	Open(ctx context.Context) (Session, error)
}

// Config for the Chrome launcher
type Config struct {
	ExecPath  string
	Headless  bool
	UserAgent string
	// Settle is the pause after an action for scripts and redirects to run
	Settle time.Duration
}

// Chrome launches a fresh browser process per session, so cookies and
// storage never leak between unsubscribe runs.
type Chrome struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	settle      time.Duration
	logger      *slog.Logger
}

// NewChrome prepares the allocator; no process starts until Open
func NewChrome(cfg Config, logger *slog.Logger) *Chrome {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(1280, 900),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	settle := cfg.Settle
	if settle <= 0 {
		settle = time.Second
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Chrome{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		settle:      settle,
		logger:      logger.With("component", "browser"),
	}
}

// Open starts a new browser. The session dies with ctx.
func (c *Chrome) Open(ctx context.Context) (Session, error) {
	bctx, cancel := chromedp.NewContext(c.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			c.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	stop := context.AfterFunc(ctx, cancel)

	// The first Run starts the process; it must use the browser context itself
	if err := chromedp.Run(bctx); err != nil {
		stop()
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	metrics.BrowserSessionsActive.Inc()
	return &chromeSession{
		ctx:    bctx,
		cancel: cancel,
		stop:   stop,
		settle: c.settle,
	}, nil
}

// Close shuts down the allocator and any browser still running
func (c *Chrome) Close() {
	c.allocCancel()
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	settle time.Duration
	once   sync.Once
}

// run executes actions bounded by both the session and the caller context
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		rctx, cancelDeadline = context.WithDeadline(rctx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, target string) error {
	if err := CheckURL(target); err != nil {
		return err
	}
	if err := s.run(ctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	return nil
}

func (s *chromeSession) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		snap    Snapshot
		stamped int
	)
	err := s.run(ctx,
		chromedp.Evaluate(stampScript, &stamped),
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot page: %w", err)
	}
	return &snap, nil
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.act(ctx, clickScript, selector, "")
}

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	return s.act(ctx, fillScript, selector, value)
}

func (s *chromeSession) Select(ctx context.Context, selector, value string) error {
	return s.act(ctx, selectScript, selector, value)
}

func (s *chromeSession) Submit(ctx context.Context, selector string) error {
	if err := s.run(ctx,
		chromedp.Submit(selector, chromedp.ByQuery),
		chromedp.Sleep(s.settle),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to submit %s: %w", selector, err)
	}
	return nil
}

// act runs one of the element scripts, then waits for the page to settle.
// Script actions reach checkboxes and links that custom styling hides from
// pointer events.
func (s *chromeSession) act(ctx context.Context, script, selector, value string) error {
	var found bool
	if err := s.run(ctx, chromedp.Evaluate(elementCall(script, selector, value), &found)); err != nil {
		return fmt.Errorf("failed to act on %s: %w", selector, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}

	if err := s.run(ctx,
		chromedp.Sleep(s.settle),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to wait for page: %w", err)
	}
	return nil
}

func (s *chromeSession) Close() error {
	s.once.Do(func() {
		s.stop()
		s.cancel()
		metrics.BrowserSessionsActive.Dec()
	})
	return nil
}

// CheckURL enforces the http/https allowlist
func CheckURL(target string) error {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrURLNotAllowed, target)
	}
	return nil
}

// elementCall renders "(script)(selector, value)" with JSON-quoted arguments
func elementCall(script, selector, value string) string {
	sel, _ := json.Marshal(selector)
	val, _ := json.Marshal(value)
	return fmt.Sprintf("(%s)(%s, %s)", script, sel, val)
}

var stampScript = fmt.Sprintf(`(() => {
	const attr = %q;
	let n = window.__sweepSeq || 0;
	const query = 'a[href], button, input:not([type=hidden]), select, textarea, form, [role=button], [onclick]';
	for (const el of document.querySelectorAll(query)) {
		if (el.hasAttribute(attr)) continue;
		if (el.tagName !== 'FORM' && el.type !== 'checkbox' && el.type !== 'radio') {
			const style = getComputedStyle(el);
			const box = el.getBoundingClientRect();
			if (style.display === 'none' || style.visibility === 'hidden' || (box.width === 0 && box.height === 0)) continue;
		}
		el.setAttribute(attr, 'e' + (++n));
	}
	window.__sweepSeq = n;
	return n;
})()`, parser.RefAttr)

const clickScript = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.scrollIntoView({block: 'center'});
	el.click();
	return true;
}`

const fillScript = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	el.value = value;
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

const selectScript = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el || !el.options) return false;
	const wanted = String(value).trim().toLowerCase();
	const opt = Array.from(el.options).find(o => o.value.toLowerCase() === wanted || o.text.trim().toLowerCase() === wanted);
	if (!opt) return false;
	el.value = opt.value;
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`
