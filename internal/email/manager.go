package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/mailsweep/pkg/models"
)

const inbox = "INBOX"

// ErrStaleMessage is returned for ids minted under an older UIDVALIDITY
var ErrStaleMessage = errors.New("message id belongs to a previous uidvalidity")

// ManagerConfig configuration for the IMAP gateway
type ManagerConfig struct {
	DialTimeout    time.Duration
	ArchiveMailbox string
}

// Manager is the IMAP Gateway. It keeps one logged-in client per account
// and drops it on error so the next call reconnects.
type Manager struct {
	clients     map[int64]mailbox
	mu          sync.Mutex
	config      ManagerConfig
	logger      *slog.Logger
	decryptFunc func(string) (string, error)
	dial        func(ctx context.Context, cfg ClientConfig) (mailbox, error)
}

// mailbox is the subset of Client the manager drives
type mailbox interface {
	UIDValidity(ctx context.Context) (uint32, error)
	UIDsSince(ctx context.Context, since uint32) ([]uint32, error)
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
	MarkAsRead(ctx context.Context, uid uint32) error
	Archive(ctx context.Context, uid uint32, mailbox string) error
	DeleteMessage(ctx context.Context, uid uint32) error
	IsConnected() bool
	Stop()
}

// NewManager creates a new IMAP gateway
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.ArchiveMailbox == "" {
		cfg.ArchiveMailbox = "Archive"
	}
	m := &Manager{
		clients: make(map[int64]mailbox),
		config:  cfg,
		logger:  logger.With("component", "imap_gateway"),
	}
	m.dial = m.dialClient
	return m
}

// SetDecryptFunc sets the password decryption function
func (m *Manager) SetDecryptFunc(fn func(string) (string, error)) {
	m.decryptFunc = fn
}

func (m *Manager) dialClient(ctx context.Context, cfg ClientConfig) (mailbox, error) {
	c := NewClient(cfg, m.logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// TestConnection checks credentials before an account is stored
func (m *Manager) TestConnection(ctx context.Context, address, password, server string) error {
	mb, err := m.dial(ctx, ClientConfig{
		Email:       address,
		Password:    password,
		Server:      server,
		DialTimeout: m.config.DialTimeout,
	})
	if err != nil {
		return err
	}
	defer mb.Stop()

	if _, err := mb.UIDValidity(ctx); err != nil {
		return err
	}
	return nil
}

func (m *Manager) mailboxFor(ctx context.Context, acc *models.Account) (mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[acc.ID]; ok {
		if c.IsConnected() {
			return c, nil
		}
		c.Stop()
		delete(m.clients, acc.ID)
	}

	password := acc.Password
	if m.decryptFunc != nil {
		var err error
		password, err = m.decryptFunc(password)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt password: %w", err)
		}
	}

	mb, err := m.dial(ctx, ClientConfig{
		Email:       acc.Address,
		Password:    password,
		Server:      acc.IMAPServer,
		DialTimeout: m.config.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	m.clients[acc.ID] = mb
	return mb, nil
}

// drop forgets a client after a failed command
func (m *Manager) drop(accountID int64) {
	m.mu.Lock()
	c, ok := m.clients[accountID]
	delete(m.clients, accountID)
	m.mu.Unlock()

	if ok {
		c.Stop()
	}
}

// ListNewMessageIDs implements Gateway. Ids and cursors are "<uidvalidity>:<uid>".
func (m *Manager) ListNewMessageIDs(ctx context.Context, acc *models.Account, cursor string) ([]string, string, error) {
	mb, err := m.mailboxFor(ctx, acc)
	if err != nil {
		return nil, "", err
	}

	validity, err := mb.UIDValidity(ctx)
	if err != nil {
		m.drop(acc.ID)
		return nil, "", err
	}

	curValidity, since, err := ParseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if curValidity != validity {
		if cursor != "" {
			m.logger.Warn("uidvalidity changed, rescanning inbox",
				"account_id", acc.ID, "old", curValidity, "new", validity)
		}
		since = 0
	}

	uids, err := mb.UIDsSince(ctx, since)
	if err != nil {
		m.drop(acc.ID)
		return nil, "", err
	}

	ids := make([]string, 0, len(uids))
	highest := since
	for _, uid := range uids {
		ids = append(ids, FormatCursor(validity, uid))
		highest = max(highest, uid)
	}

	return ids, FormatCursor(validity, highest), nil
}

// FetchMessage implements Gateway
func (m *Manager) FetchMessage(ctx context.Context, acc *models.Account, id string) (*models.RawMessage, error) {
	var raw []byte
	err := m.withUID(ctx, acc, id, func(mb mailbox, uid uint32) error {
		var err error
		raw, err = mb.FetchRaw(ctx, uid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.RawMessage{ID: id, Raw: raw}, nil
}

// ArchiveMessage implements Gateway
func (m *Manager) ArchiveMessage(ctx context.Context, acc *models.Account, id string) error {
	return m.withUID(ctx, acc, id, func(mb mailbox, uid uint32) error {
		return mb.Archive(ctx, uid, m.config.ArchiveMailbox)
	})
}

// MarkAsRead implements Gateway
func (m *Manager) MarkAsRead(ctx context.Context, acc *models.Account, id string) error {
	return m.withUID(ctx, acc, id, func(mb mailbox, uid uint32) error {
		return mb.MarkAsRead(ctx, uid)
	})
}

// DeleteMessage implements Gateway
func (m *Manager) DeleteMessage(ctx context.Context, acc *models.Account, id string) error {
	return m.withUID(ctx, acc, id, func(mb mailbox, uid uint32) error {
		return mb.DeleteMessage(ctx, uid)
	})
}

// withUID selects INBOX, checks the id belongs to the current UIDVALIDITY
// and runs fn. Messages already gone count as success for mutations.
func (m *Manager) withUID(ctx context.Context, acc *models.Account, id string, fn func(mb mailbox, uid uint32) error) error {
	validity, uid, err := ParseCursor(id)
	if err != nil || uid == 0 {
		return fmt.Errorf("invalid imap message id %q", id)
	}

	mb, err := m.mailboxFor(ctx, acc)
	if err != nil {
		return err
	}

	current, err := mb.UIDValidity(ctx)
	if err != nil {
		m.drop(acc.ID)
		return err
	}
	if current != validity {
		return ErrStaleMessage
	}

	if err := fn(mb, uid); err != nil {
		if !errors.Is(err, ErrMessageGone) {
			m.drop(acc.ID)
		}
		return err
	}
	return nil
}

// Status returns the connection state of an account
func (m *Manager) Status(accountID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[accountID]
	if !ok {
		return "idle"
	}
	if c.IsConnected() {
		return "connected"
	}
	return "reconnecting"
}

// Forget closes the connection of a disconnected account
func (m *Manager) Forget(accountID int64) {
	m.drop(accountID)
}

// StopAll stops all email connections
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("stopping all imap clients", "count", len(m.clients))
	for id, c := range m.clients {
		c.Stop()
		delete(m.clients, id)
	}
}

// ParseCursor splits "<uidvalidity>:<uid>". The empty cursor is 0:0.
func ParseCursor(cursor string) (validity, uid uint32, err error) {
	if cursor == "" {
		return 0, 0, nil
	}

	v, u, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed imap cursor %q", cursor)
	}

	validity64, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap cursor %q: %w", cursor, err)
	}
	uid64, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap cursor %q: %w", cursor, err)
	}

	return uint32(validity64), uint32(uid64), nil
}

// FormatCursor renders a cursor or message id
func FormatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}
