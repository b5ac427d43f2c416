// Package api exposes the HTTP interface: bulk actions, unsubscribe runs and
// the supporting account, category and listing endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/ingest"
	"github.com/mixelka/mailsweep/pkg/models"
)

// OwnerHeader carries the authenticated owner id set by the fronting proxy
const OwnerHeader = "X-Owner-ID"

// Store is the read side plus category management
type Store interface {
	ListEmails(ctx context.Context, ownerID int64, filter database.EmailFilter) ([]*models.Email, error)
	GetEmailForOwner(ctx context.Context, id, ownerID int64) (*models.Email, *models.Account, error)
	GetEmailStats(ctx context.Context, ownerID int64) (*models.EmailStats, error)
	GetCategoriesByOwner(ctx context.Context, ownerID int64) ([]*models.Category, error)
	CreateCategory(ctx context.Context, category *models.Category) error
	UpdateCategory(ctx context.Context, category *models.Category) error
	DeleteCategory(ctx context.Context, id, ownerID int64) (int64, error)
	GetAccountsByOwner(ctx context.Context, ownerID int64) ([]*models.Account, error)
	GetAccountForOwner(ctx context.Context, id, ownerID int64) (*models.Account, error)
	GetUnsubscribeRunsByEmail(ctx context.Context, emailID int64) ([]*models.UnsubscribeRun, error)
}

// BulkApplier runs bulk actions
type BulkApplier interface {
	Apply(ctx context.Context, ownerID int64, action bulk.Action, ids []int64) (*bulk.Report, error)
}

// Accounts connects and disconnects mailboxes
type Accounts interface {
	Connect(ctx context.Context, req account.Request) (*models.Account, error)
	Disconnect(ctx context.Context, ownerID, accountID int64) error
}

// Syncer runs an on-demand sync
type Syncer interface {
	SyncAccount(ctx context.Context, acc *models.Account) (*ingest.SyncReport, error)
}

// Deps are the components behind the endpoints
type Deps struct {
	Store    Store
	Bulk     BulkApplier
	Accounts Accounts
	Syncer   Syncer
}

// Server is the HTTP API server
type Server struct {
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server listening on addr
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)

		r.Get("/emails", s.handleListEmails)
		r.Post("/emails/bulk", s.handleBulk)
		r.Post("/emails/{emailID}/unsubscribe", s.handleUnsubscribe)
		r.Get("/emails/{emailID}/unsubscribe-runs", s.handleUnsubscribeRuns)
		r.Get("/stats", s.handleStats)

		r.Get("/categories", s.handleListCategories)
		r.Post("/categories", s.handleCreateCategory)
		r.Patch("/categories/{categoryID}", s.handleUpdateCategory)
		r.Delete("/categories/{categoryID}", s.handleDeleteCategory)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleConnectAccount)
		r.Delete("/accounts/{accountID}", s.handleDisconnectAccount)
		r.Post("/accounts/{accountID}/sync", s.handleSyncAccount)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
