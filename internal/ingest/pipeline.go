// Package ingest pulls new mail, classifies it, stores it and archives it at the source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixelka/mailsweep/internal/classifier"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/internal/metrics"
	"github.com/mixelka/mailsweep/internal/parser"
	"github.com/mixelka/mailsweep/pkg/models"
)

// ErrAccountInactive is returned when syncing a disconnected account
var ErrAccountInactive = errors.New("account is not active")

const (
	archiveRetryBatch = 100
	bodyTextLimit     = 20000
)

// Store is the persistence the pipeline needs
type Store interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	GetCategoriesByOwner(ctx context.Context, ownerID int64) ([]*models.Category, error)
	EmailExists(ctx context.Context, accountID int64, providerID string) (bool, error)
	CreateEmail(ctx context.Context, email *models.Email) error
	MarkEmailArchived(ctx context.Context, id int64) error
	ListUnarchivedEmails(ctx context.Context, accountID int64, limit int) ([]*models.Email, error)
	UpdateSyncCursor(ctx context.Context, id int64, cursor string) error
}

// Classifier assigns a category and summary; it never fails
type Classifier interface {
	Classify(ctx context.Context, categories []*models.Category, in classifier.Input) classifier.Result
}

// Notifier is told about every newly stored email
type Notifier func(ctx context.Context, account *models.Account, email *models.Email)

// SyncReport summarizes one sync pass of one account
type SyncReport struct {
	AccountID      int64 `json:"account_id"`
	Skipped        bool  `json:"skipped"`
	Listed         int   `json:"listed"`
	Ingested       int   `json:"ingested"`
	Duplicates     int   `json:"duplicates"`
	Failed         int   `json:"failed"`
	ArchiveFailed  int   `json:"archive_failed"`
	ArchiveRetried int   `json:"archive_retried"`
	CursorAdvanced bool  `json:"cursor_advanced"`
}

// Config for the pipeline
type Config struct {
	GatewayTimeout time.Duration
}

// Pipeline syncs accounts
type Pipeline struct {
	store      Store
	gateway    email.Gateway
	classifier Classifier
	lock       RunLock
	htmlParser *parser.HTMLParser
	timeout    time.Duration
	notify     Notifier
	logger     *slog.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(store Store, gateway email.Gateway, cls Classifier, lock RunLock, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	return &Pipeline{
		store:      store,
		gateway:    gateway,
		classifier: cls,
		lock:       lock,
		htmlParser: parser.NewHTMLParser(),
		timeout:    cfg.GatewayTimeout,
		logger:     logger.With("component", "ingest"),
	}
}

// OnIngested sets the notifier for new emails
func (p *Pipeline) OnIngested(n Notifier) {
	p.notify = n
}

// SyncAccountByID loads the account and syncs it
func (p *Pipeline) SyncAccountByID(ctx context.Context, accountID int64) (*SyncReport, error) {
	acc, err := p.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive {
		return nil, ErrAccountInactive
	}
	return p.SyncAccount(ctx, acc)
}

// SyncAccount runs one pass for an account. A pass already running for the
// account makes this one a no-op with Skipped set. The cursor moves only when
// every listed message is stored, so an interrupted pass is simply repeated.
func (p *Pipeline) SyncAccount(ctx context.Context, acc *models.Account) (*SyncReport, error) {
	report := &SyncReport{AccountID: acc.ID}
	log := p.logger.With("account_id", acc.ID)

	release, ok, err := p.lock.TryAcquire(ctx, acc.ID)
	if err != nil {
		metrics.RecordSyncRun("error", 0)
		return nil, err
	}
	if !ok {
		log.Debug("sync already running, skipping")
		metrics.RecordSyncRun("skipped", 0)
		report.Skipped = true
		return report, nil
	}
	defer release()

	started := time.Now()
	err = p.sync(ctx, acc, report, log)

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case report.Failed > 0:
		result = "partial"
	}
	metrics.RecordSyncRun(result, time.Since(started))

	if err != nil {
		log.Error("sync failed", "error", err)
		return report, err
	}

	log.Info("sync finished",
		"listed", report.Listed,
		"ingested", report.Ingested,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
		"archive_failed", report.ArchiveFailed,
		"archive_retried", report.ArchiveRetried,
		"cursor_advanced", report.CursorAdvanced,
	)
	return report, nil
}

func (p *Pipeline) sync(ctx context.Context, acc *models.Account, report *SyncReport, log *slog.Logger) error {
	categories, err := p.store.GetCategoriesByOwner(ctx, acc.OwnerID)
	if err != nil {
		return err
	}

	p.retryArchive(ctx, acc, report, log)

	listCtx, cancel := context.WithTimeout(ctx, p.timeout)
	ids, next, err := p.gateway.ListNewMessageIDs(listCtx, acc, acc.LastSyncCursor)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to list new messages: %w", err)
	}
	report.Listed = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			report.Failed += report.Listed - report.Ingested - report.Duplicates - report.Failed
			break
		}
		if err := p.ingest(ctx, acc, categories, id, report, log); err != nil {
			report.Failed++
			metrics.IncrementEmailIngested("failed")
			log.Warn("failed to ingest message", "provider_id", id, "error", err)
		}
	}

	if report.Failed > 0 || next == "" || next == acc.LastSyncCursor {
		return nil
	}
	if err := p.store.UpdateSyncCursor(ctx, acc.ID, next); err != nil {
		return err
	}
	acc.LastSyncCursor = next
	report.CursorAdvanced = true
	return nil
}

// ingest stores one message. Archival failures are counted, not returned:
// the email stays classified and is archived on a later pass.
func (p *Pipeline) ingest(ctx context.Context, acc *models.Account, categories []*models.Category, id string, report *SyncReport, log *slog.Logger) error {
	exists, err := p.store.EmailExists(ctx, acc.ID, id)
	if err != nil {
		return err
	}
	if exists {
		report.Duplicates++
		metrics.IncrementEmailIngested("duplicate")
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	raw, err := p.gateway.FetchMessage(fetchCtx, acc, id)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}

	msg, err := parser.ParseMessage(raw.Raw)
	if err != nil {
		return fmt.Errorf("failed to parse: %w", err)
	}

	result := p.classifier.Classify(ctx, categories, classifier.Input{
		Subject: msg.Subject,
		Sender:  msg.From.Address,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})

	e := &models.Email{
		AccountID:  acc.ID,
		ProviderID: id,
		ThreadID:   raw.ThreadID,
		Subject:    msg.Subject,
		Sender:     msg.From.Address,
		ReceivedAt: msg.Date,
		RawContent: string(raw.Raw),
		BodyText:   parser.Truncate(p.htmlParser.BodyText(msg), bodyTextLimit),
		Summary:    result.Summary,
		CategoryID: result.CategoryID,
	}
	if err := p.store.CreateEmail(ctx, e); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			report.Duplicates++
			metrics.IncrementEmailIngested("duplicate")
			return nil
		}
		return fmt.Errorf("failed to store: %w", err)
	}
	report.Ingested++
	metrics.IncrementEmailIngested("ingested")

	if p.notify != nil {
		p.notify(ctx, acc, e)
	}

	if err := p.archive(ctx, acc, e); err != nil {
		report.ArchiveFailed++
		log.Warn("failed to archive message, will retry next pass", "email_id", e.ID, "error", err)
	}
	return nil
}

func (p *Pipeline) archive(ctx context.Context, acc *models.Account, e *models.Email) error {
	archiveCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.gateway.ArchiveMessage(archiveCtx, acc, e.ProviderID)
	cancel()
	if err != nil && !errors.Is(err, email.ErrMessageGone) {
		metrics.IncrementArchive("failed")
		return err
	}

	if err := p.store.MarkEmailArchived(ctx, e.ID); err != nil {
		metrics.IncrementArchive("failed")
		return err
	}
	e.IsArchived = true
	metrics.IncrementArchive("archived")
	return nil
}

func (p *Pipeline) retryArchive(ctx context.Context, acc *models.Account, report *SyncReport, log *slog.Logger) {
	pending, err := p.store.ListUnarchivedEmails(ctx, acc.ID, archiveRetryBatch)
	if err != nil {
		log.Warn("failed to list unarchived emails", "error", err)
		return
	}

	for _, e := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := p.archive(ctx, acc, e); err != nil {
			log.Warn("archive retry failed", "email_id", e.ID, "error", err)
			continue
		}
		report.ArchiveRetried++
	}
}
