// Package gmail is the Gmail API mail gateway.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/pkg/models"
)

const (
	user       = "me"
	inboxLabel = "INBOX"
	unread     = "UNREAD"
	pageSize   = 500
)

// ErrNoToken is returned when no OAuth token was provisioned for an account
var ErrNoToken = errors.New("no gmail token for account")

// Config for the Gmail gateway
type Config struct {
	CredentialsFile string
	TokenDir        string
}

// Gateway implements email.Gateway on the Gmail API. Cursors are mailbox
// historyIds; an empty cursor lists the whole INBOX.
type Gateway struct {
	oauth    *oauth2.Config
	tokenDir string
	logger   *slog.Logger

	mu       sync.Mutex
	services map[int64]*gmailv1.Service

	newService func(ctx context.Context, acc *models.Account) (*gmailv1.Service, error)
}

// New reads OAuth client credentials and creates the gateway
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gmail credentials at %s: %w", cfg.CredentialsFile, err)
	}

	oauthCfg, err := google.ConfigFromJSON(b, gmailv1.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oauth config: %w", err)
	}

	g := newGateway(logger)
	g.oauth = oauthCfg
	g.tokenDir = cfg.TokenDir
	g.newService = g.serviceFromToken
	return g, nil
}

func newGateway(logger *slog.Logger) *Gateway {
	return &Gateway{
		services: make(map[int64]*gmailv1.Service),
		logger:   logger.With("component", "gmail_gateway"),
	}
}

// serviceFromToken builds a client from <token dir>/<address>.json.
// The oauth2 transport refreshes expired access tokens on its own.
func (g *Gateway) serviceFromToken(ctx context.Context, acc *models.Account) (*gmailv1.Service, error) {
	path := filepath.Join(g.tokenDir, strings.ToLower(acc.Address)+".json")
	tok, err := readToken(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoToken, acc.Address)
		}
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	// Detached from ctx: the service outlives the call that created it.
	httpClient := g.oauth.Client(context.WithoutCancel(ctx), tok)
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Verify checks that a token is provisioned for the address and that it
// grants access to that very mailbox. Nothing is cached.
func (g *Gateway) Verify(ctx context.Context, acc *models.Account) error {
	svc, err := g.newService(ctx, acc)
	if err != nil {
		return err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get profile: %w", err)
	}
	if !strings.EqualFold(profile.EmailAddress, acc.Address) {
		return fmt.Errorf("token belongs to %s, not %s", profile.EmailAddress, acc.Address)
	}
	return nil
}

func (g *Gateway) service(ctx context.Context, acc *models.Account) (*gmailv1.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if svc, ok := g.services[acc.ID]; ok {
		return svc, nil
	}

	svc, err := g.newService(ctx, acc)
	if err != nil {
		return nil, err
	}
	g.services[acc.ID] = svc
	return svc, nil
}

// ListNewMessageIDs implements email.Gateway. Ids are returned oldest first.
func (g *Gateway) ListNewMessageIDs(ctx context.Context, acc *models.Account, cursor string) ([]string, string, error) {
	svc, err := g.service(ctx, acc)
	if err != nil {
		return nil, "", err
	}

	if cursor == "" {
		return g.listInbox(ctx, svc)
	}

	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid gmail cursor %q: %w", cursor, err)
	}

	ids, next, err := g.listHistory(ctx, svc, startID)
	if isStatus(err, http.StatusNotFound) {
		// historyIds expire after about a week; rescan and let dedupe drop known ids
		g.logger.Warn("history id expired, rescanning inbox", "account_id", acc.ID, "cursor", cursor)
		return g.listInbox(ctx, svc)
	}
	if err != nil {
		return nil, "", err
	}
	if next == "" {
		next = cursor
	}
	return ids, next, nil
}

func (g *Gateway) listInbox(ctx context.Context, svc *gmailv1.Service) ([]string, string, error) {
	// Read the history id first so messages arriving during the scan show up in the next pass
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get profile: %w", err)
	}

	var ids []string
	err = svc.Users.Messages.List(user).LabelIds(inboxLabel).MaxResults(pageSize).
		Pages(ctx, func(resp *gmailv1.ListMessagesResponse) error {
			for _, m := range resp.Messages {
				ids = append(ids, m.Id)
			}
			return nil
		})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list inbox: %w", err)
	}

	// The API lists newest first
	slices.Reverse(ids)
	return ids, strconv.FormatUint(profile.HistoryId, 10), nil
}

func (g *Gateway) listHistory(ctx context.Context, svc *gmailv1.Service, startID uint64) ([]string, string, error) {
	var (
		ids  []string
		seen = make(map[string]bool)
		next string
	)

	call := svc.Users.History.List(user).StartHistoryId(startID).
		HistoryTypes("messageAdded").LabelId(inboxLabel).MaxResults(pageSize)
	err := call.Pages(ctx, func(resp *gmailv1.ListHistoryResponse) error {
		if resp.HistoryId != 0 {
			next = strconv.FormatUint(resp.HistoryId, 10)
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				if !slices.Contains(added.Message.LabelIds, inboxLabel) {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list history: %w", err)
	}

	return ids, next, nil
}

// FetchMessage implements email.Gateway
func (g *Gateway) FetchMessage(ctx context.Context, acc *models.Account, id string) (*models.RawMessage, error) {
	svc, err := g.service(ctx, acc)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if isStatus(err, http.StatusNotFound) {
		return nil, email.ErrMessageGone
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}

	return &models.RawMessage{ID: msg.Id, ThreadID: msg.ThreadId, Raw: raw}, nil
}

// ArchiveMessage implements email.Gateway
func (g *Gateway) ArchiveMessage(ctx context.Context, acc *models.Account, id string) error {
	return g.removeLabel(ctx, acc, id, inboxLabel)
}

// MarkAsRead implements email.Gateway
func (g *Gateway) MarkAsRead(ctx context.Context, acc *models.Account, id string) error {
	return g.removeLabel(ctx, acc, id, unread)
}

// DeleteMessage implements email.Gateway. Messages go to Trash, not hard delete.
func (g *Gateway) DeleteMessage(ctx context.Context, acc *models.Account, id string) error {
	svc, err := g.service(ctx, acc)
	if err != nil {
		return err
	}

	_, err = svc.Users.Messages.Trash(user, id).Context(ctx).Do()
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("failed to trash message %s: %w", id, err)
	}
	return nil
}

func (g *Gateway) removeLabel(ctx context.Context, acc *models.Account, id, label string) error {
	svc, err := g.service(ctx, acc)
	if err != nil {
		return err
	}

	req := &gmailv1.ModifyMessageRequest{RemoveLabelIds: []string{label}}
	_, err = svc.Users.Messages.Modify(user, id, req).Context(ctx).Do()
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("failed to remove %s from %s: %w", label, id, err)
	}
	return nil
}

// decodeRaw accepts padded and unpadded base64url
func decodeRaw(raw string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
