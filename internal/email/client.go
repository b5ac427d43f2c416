package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
)

// ErrNotConnected is returned when an operation runs on a closed client
var ErrNotConnected = errors.New("imap client not connected")

// ErrMessageGone is returned when a UID no longer exists in the mailbox
var ErrMessageGone = errors.New("message no longer in mailbox")

// ClientConfig configuration for IMAP client
type ClientConfig struct {
	Email       string
	Password    string
	Server      string // host:port
	DialTimeout time.Duration
}

// Client IMAP client for a single email account.
// go-imap v1 has no context support, so every command runs through
// withContext which terminates the connection when the context ends.
type Client struct {
	config    ClientConfig
	client    *client.Client
	logger    *slog.Logger
	mu        sync.Mutex
	connected bool
}

// NewClient creates a new IMAP client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger.With("email", cfg.Email),
	}
}

// Connect connects to the IMAP server and logs in
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.logger.Info("connecting to IMAP server", "server", c.config.Server)

	timeout := c.config.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.config.Server, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create IMAP client: %w", err)
	}
	c.client = imapClient

	err = c.withContext(ctx, func(cl *client.Client) error {
		return cl.Login(c.config.Email, c.config.Password)
	})
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("failed to login: %w", err)
	}

	c.connected = true
	c.logger.Info("connected to IMAP server")
	return nil
}

// withContext runs fn against the live connection. When ctx ends first the
// connection is terminated, which unblocks fn, and the client is marked
// disconnected. Callers hold c.mu.
func (c *Client) withContext(ctx context.Context, fn func(cl *client.Client) error) error {
	cl := c.client
	if cl == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(cl)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cl.Terminate()
		<-done
		c.client = nil
		c.connected = false
		return ctx.Err()
	}
}

// Select selects a mailbox read-write and returns its status
func (c *Client) Select(ctx context.Context, mailbox string) (*imap.MailboxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(ctx, mailbox)
}

func (c *Client) selectLocked(ctx context.Context, mailbox string) (*imap.MailboxStatus, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	var status *imap.MailboxStatus
	err := c.withContext(ctx, func(cl *client.Client) error {
		var err error
		status, err = cl.Select(mailbox, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}

	return status, nil
}

// UIDValidity selects INBOX and returns its UIDVALIDITY
func (c *Client) UIDValidity(ctx context.Context) (uint32, error) {
	status, err := c.Select(ctx, inbox)
	if err != nil {
		return 0, err
	}
	return status.UidValidity, nil
}

// UIDsSince returns the UIDs greater than since in the selected mailbox, ascending
func (c *Client) UIDsSince(ctx context.Context, since uint32) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(since+1, 0) // 0 means *

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	var uids []uint32
	err := c.withContext(ctx, func(cl *client.Client) error {
		var err error
		uids, err = cl.UidSearch(criteria)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	// "n:*" always matches the highest UID, even when it is below n
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > since {
			filtered = append(filtered, uid)
		}
	}
	slices.Sort(filtered)
	return filtered, nil
}

// FetchRaw fetches the full RFC 822 message without setting \Seen
func (c *Client) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var raw []byte
	err := c.withContext(ctx, func(cl *client.Client) error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- cl.UidFetch(seqSet, items, messages)
		}()

		var readErr error
		for msg := range messages {
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, readErr = io.ReadAll(body)
		}
		if err := <-done; err != nil {
			return err
		}
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch uid %d: %w", uid, err)
	}
	if raw == nil {
		return nil, ErrMessageGone
	}

	return raw, nil
}

// MarkAsRead marks a message as read (adds \Seen flag)
func (c *Client) MarkAsRead(ctx context.Context, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.addFlag(ctx, uid, imap.SeenFlag); err != nil {
		return fmt.Errorf("failed to mark as read: %w", err)
	}
	return nil
}

// Archive moves a message to the archive mailbox, creating it on demand.
// UID MOVE is used when the server offers it; otherwise the message is
// copied and then expunged by UID.
func (c *Client) Archive(ctx context.Context, uid uint32, mailbox string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	moved := false
	err := c.withContext(ctx, func(cl *client.Client) error {
		if ok, _ := cl.Support("MOVE"); ok {
			err := cl.UidMove(seqSet, mailbox)
			if err == nil {
				moved = true
				return nil
			}
			c.logger.Debug("uid move rejected, copying instead", "mailbox", mailbox, "error", err)
		}
		if err := cl.UidCopy(seqSet, mailbox); err != nil {
			c.logger.Info("archive copy failed, creating mailbox", "mailbox", mailbox, "error", err)
			if createErr := cl.Create(mailbox); createErr != nil {
				return fmt.Errorf("%w (create: %v)", err, createErr)
			}
			return cl.UidCopy(seqSet, mailbox)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to copy to %s: %w", mailbox, err)
	}
	if moved {
		return nil
	}

	if err := c.expunge(ctx, uid); err != nil {
		return fmt.Errorf("failed to remove from inbox: %w", err)
	}
	return nil
}

// DeleteMessage deletes a message (adds \Deleted flag and expunges it by UID)
func (c *Client) DeleteMessage(ctx context.Context, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expunge(ctx, uid); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

// expunge permanently removes uid and nothing else. Servers with UIDPLUS get
// UID EXPUNGE; elsewhere other \Deleted messages lose the flag for the
// duration of a plain EXPUNGE and get it back afterwards.
func (c *Client) expunge(ctx context.Context, uid uint32) error {
	if err := c.addFlag(ctx, uid, imap.DeletedFlag); err != nil {
		return err
	}

	target := new(imap.SeqSet)
	target.AddNum(uid)

	return c.withContext(ctx, func(cl *client.Client) error {
		if ok, _ := cl.Support("UIDPLUS"); ok {
			status, err := cl.Execute(&commands.Uid{Cmd: &imap.Command{
				Name:      "EXPUNGE",
				Arguments: []interface{}{target},
			}}, nil)
			if err != nil {
				return err
			}
			return status.Err()
		}

		criteria := imap.NewSearchCriteria()
		criteria.WithFlags = []string{imap.DeletedFlag}
		flagged, err := cl.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search deleted messages: %w", err)
		}

		keep := new(imap.SeqSet)
		for _, other := range flagged {
			if other != uid {
				keep.AddNum(other)
			}
		}
		flags := []interface{}{imap.DeletedFlag}
		if !keep.Empty() {
			if err := cl.UidStore(keep, imap.FormatFlagsOp(imap.RemoveFlags, true), flags, nil); err != nil {
				return fmt.Errorf("failed to shield deleted messages: %w", err)
			}
		}

		expungeErr := cl.Expunge(nil)

		if !keep.Empty() {
			if err := cl.UidStore(keep, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
				return errors.Join(expungeErr, fmt.Errorf("failed to restore deleted flags: %w", err))
			}
		}
		return expungeErr
	})
}

func (c *Client) addFlag(ctx context.Context, uid uint32, flag string) error {
	if !c.connected {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{flag}

	return c.withContext(ctx, func(cl *client.Client) error {
		return cl.UidStore(seqSet, item, flags, nil)
	})
}

// Stop logs out and closes the connection
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	imapClient := c.client
	c.client = nil
	c.connected = false

	if imapClient == nil {
		return
	}

	// Try logout with timeout, then force close
	done := make(chan struct{})
	go func() {
		imapClient.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		imapClient.Terminate()
	}
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
