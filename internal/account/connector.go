// Package account connects and disconnects mailboxes.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/pkg/models"
)

// ErrProviderDisabled is returned when connecting a provider that is not configured
var ErrProviderDisabled = errors.New("mail provider is not configured")

// ErrConnectionFailed wraps credential and reachability failures
var ErrConnectionFailed = errors.New("mailbox connection failed")

// Store is the persistence the connector needs
type Store interface {
	ConnectAccount(ctx context.Context, account *models.Account) error
	DisconnectAccount(ctx context.Context, id, ownerID int64) error
}

// IMAPProber logs in once to check credentials
type IMAPProber interface {
	TestConnection(ctx context.Context, address, password, server string) error
	Forget(accountID int64)
}

// ServerResolver finds the IMAP server of an address
type ServerResolver interface {
	ResolveIMAPServer(ctx context.Context, address string) (string, error)
}

// GmailVerifier checks a provisioned OAuth token
type GmailVerifier interface {
	Verify(ctx context.Context, acc *models.Account) error
}

// Sealer encrypts passwords before they are stored
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// Request describes a mailbox to connect
type Request struct {
	OwnerID      int64           `json:"-"`
	Address      string          `json:"address"`
	Password     string          `json:"password"`
	Server       string          `json:"imap_server"`
	Provider     models.Provider `json:"provider"`
	AccountName  string          `json:"account_name"`
	NotifyChatID int64           `json:"-"`
}

// Connector connects mailboxes of any supported provider
type Connector struct {
	store    Store
	imap     IMAPProber
	resolver ServerResolver
	sealer   Sealer
	gmail    GmailVerifier
	logger   *slog.Logger
}

// NewConnector creates a connector. gmail may be nil when Gmail is not configured.
func NewConnector(store Store, imap IMAPProber, resolver ServerResolver, sealer Sealer, gmail GmailVerifier, logger *slog.Logger) *Connector {
	return &Connector{
		store:    store,
		imap:     imap,
		resolver: resolver,
		sealer:   sealer,
		gmail:    gmail,
		logger:   logger.With("component", "account_connector"),
	}
}

// Connect verifies access to the mailbox and stores the account.
// The password is stored sealed and never logged.
func (c *Connector) Connect(ctx context.Context, req Request) (*models.Account, error) {
	address := strings.ToLower(strings.TrimSpace(req.Address))
	if email.DomainOf(address) == "" {
		return nil, email.ErrInvalidAddress
	}

	acc := &models.Account{
		OwnerID:      req.OwnerID,
		Address:      address,
		AccountName:  req.AccountName,
		Provider:     req.Provider,
		NotifyChatID: req.NotifyChatID,
	}
	if acc.AccountName == "" {
		acc.AccountName = address
	}

	var err error
	switch req.Provider {
	case models.ProviderGmail:
		err = c.prepareGmail(ctx, acc)
	case models.ProviderIMAP, "":
		acc.Provider = models.ProviderIMAP
		err = c.prepareIMAP(ctx, acc, req)
	default:
		err = fmt.Errorf("%w: %s", email.ErrUnsupportedProvider, req.Provider)
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.ConnectAccount(ctx, acc); err != nil {
		return nil, err
	}

	c.logger.Info("account connected",
		"owner_id", acc.OwnerID,
		"account_id", acc.ID,
		"provider", acc.Provider,
		"is_primary", acc.IsPrimary,
	)
	return acc, nil
}

func (c *Connector) prepareIMAP(ctx context.Context, acc *models.Account, req Request) error {
	if req.Password == "" {
		return fmt.Errorf("%w: password is required", ErrConnectionFailed)
	}

	server := email.NormalizeServer(req.Server)
	if server == "" {
		var err error
		if server, err = c.resolver.ResolveIMAPServer(ctx, acc.Address); err != nil {
			return err
		}
		c.logger.Debug("resolved imap server", "server", server)
	}

	if err := c.imap.TestConnection(ctx, acc.Address, req.Password, server); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	sealed, err := c.sealer.Seal(req.Password)
	if err != nil {
		return fmt.Errorf("failed to seal password: %w", err)
	}
	acc.Password = sealed
	acc.IMAPServer = server
	return nil
}

func (c *Connector) prepareGmail(ctx context.Context, acc *models.Account) error {
	if c.gmail == nil {
		return fmt.Errorf("%w: %s", ErrProviderDisabled, models.ProviderGmail)
	}
	if err := c.gmail.Verify(ctx, acc); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Disconnect deactivates an account and drops its open connection
func (c *Connector) Disconnect(ctx context.Context, ownerID, accountID int64) error {
	if err := c.store.DisconnectAccount(ctx, accountID, ownerID); err != nil {
		return err
	}
	c.imap.Forget(accountID)
	c.logger.Info("account disconnected", "owner_id", ownerID, "account_id", accountID)
	return nil
}
