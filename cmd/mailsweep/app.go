package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/browser"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/classifier"
	"github.com/mixelka/mailsweep/internal/config"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/internal/gmail"
	"github.com/mixelka/mailsweep/internal/ingest"
	"github.com/mixelka/mailsweep/internal/llm"
	"github.com/mixelka/mailsweep/internal/parser"
	"github.com/mixelka/mailsweep/internal/secret"
	"github.com/mixelka/mailsweep/internal/unsubscribe"
	"github.com/mixelka/mailsweep/pkg/models"
)

// app holds the wired components shared by all commands
type app struct {
	db        *database.DB
	imap      *email.Manager
	router    *email.Router
	connector *account.Connector
	pipeline  *ingest.Pipeline
	chrome    *browser.Chrome
	bulk      *bulk.Coordinator
	redis     *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabasePath, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	// Mail gateways
	a.imap = email.NewManager(email.ManagerConfig{
		DialTimeout:    cfg.IMAPDialTimeout,
		ArchiveMailbox: cfg.IMAPArchiveMailbox,
	}, logger)
	a.imap.SetDecryptFunc(box.Open)

	a.router = email.NewRouter()
	a.router.Register(models.ProviderIMAP, a.imap)

	var gmailVerifier account.GmailVerifier
	if cfg.GmailEnabled() {
		gw, err := gmail.New(gmail.Config{
			CredentialsFile: cfg.GmailCredentialsFile,
			TokenDir:        cfg.GmailTokenDir,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.router.Register(models.ProviderGmail, gw)
		gmailVerifier = gw
		logger.Info("gmail gateway enabled")
	}

	a.connector = account.NewConnector(db, a.imap, email.NewResolver(), box, gmailVerifier, logger)

	// AI services
	completer := llm.NewClient(llm.Config{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
	}, logger)
	cls := classifier.New(completer, classifier.Config{
		Timeout:   cfg.ClassifierTimeout,
		BodyLimit: cfg.ClassifierBodyLimit,
	}, logger)

	// Ingestion
	var lock ingest.RunLock = ingest.NewLocalRunLock()
	if cfg.RedisURL != "" {
		rdb, err := ingest.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		lock = ingest.NewRedisRunLock(rdb, cfg.SyncLockTTL)
		logger.Info("using redis run-lock")
	}
	a.pipeline = ingest.NewPipeline(db, a.router, cls, lock, ingest.Config{
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger)

	// Unsubscribe automation
	phrases, err := parser.LoadPhrases(cfg.PhrasesFile)
	if err != nil {
		return nil, err
	}
	a.chrome = browser.NewChrome(browser.Config{
		ExecPath: cfg.BrowserExecPath,
		Headless: cfg.BrowserHeadless,
	}, logger)
	agent := unsubscribe.NewAgent(
		a.chrome,
		unsubscribe.NewAIPlanner(completer, cfg.PlannerTimeout),
		db,
		unsubscribe.Config{
			MaxSteps:   cfg.UnsubscribeMaxSteps,
			NavTimeout: cfg.UnsubscribeNavTimeout,
			RunTimeout: cfg.UnsubscribeRunTimeout,
			Phrases:    phrases,
		},
		logger,
	)

	a.bulk = bulk.NewCoordinator(db, a.router, agent, bulk.Config{
		Workers:        cfg.BulkWorkers,
		MaxSessions:    cfg.UnsubscribeMaxSessions,
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger)

	ok = true
	return a, nil
}

// Close releases connections in reverse order of creation
func (a *app) Close() {
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.imap != nil {
		a.imap.StopAll()
	}
	if a.db != nil {
		a.db.Close()
	}
}
