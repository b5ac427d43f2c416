package ingest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixelka/mailsweep/pkg/models"
)

// Syncer runs one sync pass
type Syncer interface {
	SyncAccount(ctx context.Context, acc *models.Account) (*SyncReport, error)
	SyncAccountByID(ctx context.Context, accountID int64) (*SyncReport, error)
}

// AccountLister lists the accounts the timer walks
type AccountLister interface {
	GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error)
}

// Scheduler triggers syncs on a timer and on demand
type Scheduler struct {
	syncer   Syncer
	accounts AccountLister
	interval time.Duration
	workers  int
	triggers chan int64
	logger   *slog.Logger
}

// NewScheduler creates a scheduler; workers bounds concurrent account syncs
func NewScheduler(syncer Syncer, accounts AccountLister, interval time.Duration, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		syncer:   syncer,
		accounts: accounts,
		interval: interval,
		workers:  workers,
		triggers: make(chan int64, 64),
		logger:   logger.With("component", "scheduler"),
	}
}

// Trigger asks for a sync of one account without waiting for it. It reports
// false when the trigger queue is full; the account is synced by the timer anyway.
func (s *Scheduler) Trigger(accountID int64) bool {
	select {
	case s.triggers <- accountID:
		return true
	default:
		s.logger.Warn("trigger queue full, dropping", "account_id", accountID)
		return false
	}
}

// Run blocks until ctx is done. It syncs every active account at start and
// on every tick, and single accounts on Trigger.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "workers", s.workers)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Triggered syncs share the worker bound with the timer
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	s.SyncAll(gctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			_ = g.Wait()
			return nil
		case <-ticker.C:
			s.SyncAll(gctx)
		case id := <-s.triggers:
			g.Go(func() error {
				s.syncOne(gctx, id)
				return nil
			})
		}
	}
}

// SyncAll syncs every active account with bounded concurrency and waits
func (s *Scheduler) SyncAll(ctx context.Context) {
	accounts, err := s.accounts.GetAllActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to list active accounts", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, acc := range accounts {
		g.Go(func() error {
			if _, err := s.syncer.SyncAccount(ctx, acc); err != nil {
				s.logger.Warn("scheduled sync failed", "account_id", acc.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) syncOne(ctx context.Context, accountID int64) {
	report, err := s.syncer.SyncAccountByID(ctx, accountID)
	if err != nil {
		s.logger.Warn("triggered sync failed", "account_id", accountID, "error", err)
		return
	}
	if report.Skipped {
		s.logger.Info("triggered sync skipped, already running", "account_id", accountID)
	}
}
