// Package bulk applies one action to many emails with per-item failure isolation.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/internal/metrics"
	"github.com/mixelka/mailsweep/internal/unsubscribe"
	"github.com/mixelka/mailsweep/pkg/models"
)

// Action is a bulk operation kind
type Action string

const (
	ActionMarkRead    Action = "mark_read"
	ActionArchive     Action = "archive"
	ActionDelete      Action = "delete"
	ActionUnsubscribe Action = "unsubscribe"
)

// ErrInvalidAction is the only error Apply returns
var ErrInvalidAction = errors.New("invalid bulk action")

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionMarkRead, ActionArchive, ActionDelete, ActionUnsubscribe:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Item statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ItemResult is the outcome for one email
type ItemResult struct {
	EmailID             int64               `json:"email_id"`
	Status              string              `json:"status"`
	Error               string              `json:"error,omitempty"`
	Outcome             unsubscribe.Outcome `json:"outcome,omitempty"`
	Steps               []string            `json:"steps,omitempty"`
	SiblingUpdatedCount int64               `json:"sibling_updated_count,omitempty"`
}

// Report aggregates a bulk request; Results keep the request order
type Report struct {
	Action              Action       `json:"action"`
	Total               int          `json:"total"`
	Successful          int          `json:"successful"`
	Failed              int          `json:"failed"`
	SiblingUpdatedTotal int64        `json:"sibling_updated_total"`
	Results             []ItemResult `json:"results"`
}

// Store is the persistence the coordinator needs
type Store interface {
	GetEmailForOwner(ctx context.Context, id, ownerID int64) (*models.Email, *models.Account, error)
	MarkEmailRead(ctx context.Context, id int64) error
	MarkEmailArchived(ctx context.Context, id int64) error
	MarkEmailDeleted(ctx context.Context, id int64) error
}

// Unsubscriber runs the unsubscribe agent for one email
type Unsubscriber interface {
	Run(ctx context.Context, email *models.Email, account *models.Account) *unsubscribe.Result
}

// Config for the coordinator
type Config struct {
	// Workers bounds concurrent items of one request
	Workers int
	// MaxSessions bounds concurrent unsubscribe runs across all requests
	MaxSessions int
	// GatewayTimeout bounds each provider call
	GatewayTimeout time.Duration
}

// Coordinator fans bulk actions out over emails
type Coordinator struct {
	store    Store
	gateway  email.Gateway
	agent    Unsubscriber
	workers  int
	timeout  time.Duration
	sessions *semaphore.Weighted
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(store Store, gateway email.Gateway, agent Unsubscriber, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 3
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:    store,
		gateway:  gateway,
		agent:    agent,
		workers:  cfg.Workers,
		timeout:  cfg.GatewayTimeout,
		sessions: semaphore.NewWeighted(int64(cfg.MaxSessions)),
		logger:   logger.With("component", "bulk"),
	}
}

// Apply runs action on every id owned by ownerID. Ids owned by someone else,
// unknown ids and per-item failures are reported in the item results; the
// call itself fails only for an unknown action.
func (c *Coordinator) Apply(ctx context.Context, ownerID int64, action Action, ids []int64) (*Report, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}

	ids = dedupe(ids)
	report := &Report{Action: action, Total: len(ids), Results: make([]ItemResult, len(ids))}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, id := range ids {
		g.Go(func() error {
			report.Results[i] = c.applyOne(ctx, ownerID, action, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Results {
		if r.Status == StatusSuccess {
			report.Successful++
		} else {
			report.Failed++
		}
		report.SiblingUpdatedTotal += r.SiblingUpdatedCount
	}

	c.logger.Info("bulk action finished",
		"owner_id", ownerID,
		"action", action,
		"total", report.Total,
		"successful", report.Successful,
		"failed", report.Failed,
	)
	return report, nil
}

func (c *Coordinator) applyOne(ctx context.Context, ownerID int64, action Action, id int64) (res ItemResult) {
	res = ItemResult{EmailID: id, Status: StatusSuccess}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("bulk item panicked", "email_id", id, "panic", p)
			res.Status = StatusError
			res.Error = fmt.Sprintf("internal error: %v", p)
		}
		metrics.IncrementBulkItem(string(action), res.Status)
	}()

	e, acc, err := c.store.GetEmailForOwner(ctx, id, ownerID)
	switch {
	case errors.Is(err, database.ErrForbidden):
		return failed(res, "forbidden")
	case errors.Is(err, database.ErrNotFound):
		return failed(res, "not found")
	case err != nil:
		return failed(res, err.Error())
	}

	if action == ActionUnsubscribe {
		return c.unsubscribe(ctx, e, acc, res)
	}

	if err := c.mutate(ctx, action, e, acc); err != nil {
		c.logger.Warn("bulk item failed", "email_id", id, "action", action, "error", err)
		return failed(res, err.Error())
	}
	return res
}

// mutate applies the action at the provider first, then records it.
// Both steps are idempotent, so a retried item converges.
func (c *Coordinator) mutate(ctx context.Context, action Action, e *models.Email, acc *models.Account) error {
	var (
		remote func(context.Context, *models.Account, string) error
		local  func(context.Context, int64) error
		done   bool
	)
	switch action {
	case ActionMarkRead:
		remote, local, done = c.gateway.MarkAsRead, c.store.MarkEmailRead, e.IsRead
	case ActionArchive:
		remote, local, done = c.gateway.ArchiveMessage, c.store.MarkEmailArchived, e.IsArchived
	case ActionDelete:
		remote, local, done = c.gateway.DeleteMessage, c.store.MarkEmailDeleted, e.IsDeleted
	}
	if done {
		return nil
	}

	remoteCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := remote(remoteCtx, acc, e.ProviderID)
	cancel()
	if err != nil && !errors.Is(err, email.ErrMessageGone) {
		return fmt.Errorf("provider: %w", err)
	}
	return local(ctx, e.ID)
}

func (c *Coordinator) unsubscribe(ctx context.Context, e *models.Email, acc *models.Account, res ItemResult) ItemResult {
	if e.IsUnsubscribed {
		res.Outcome = unsubscribe.OutcomeVerifiedSuccess
		res.Steps = []string{"already unsubscribed"}
		return res
	}

	// Waiting here is bounded by ctx; no session is opened without a slot
	if err := c.sessions.Acquire(ctx, 1); err != nil {
		return failed(res, err.Error())
	}
	defer c.sessions.Release(1)

	result := c.agent.Run(ctx, e, acc)
	res.Outcome = result.Outcome
	res.Steps = result.Steps
	res.SiblingUpdatedCount = result.SiblingUpdatedCount

	if result.Outcome != unsubscribe.OutcomeVerifiedSuccess {
		msg := string(result.Outcome)
		if result.Error != "" {
			msg += ": " + result.Error
		}
		return failed(res, msg)
	}
	return res
}

func failed(res ItemResult, msg string) ItemResult {
	res.Status = StatusError
	res.Error = msg
	return res
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
