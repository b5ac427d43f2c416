package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/formatter"
	"github.com/mixelka/mailsweep/internal/unsubscribe"
	appmodels "github.com/mixelka/mailsweep/pkg/models"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []*bot.SendMessageParams
	deleted  []int
	edited   []int
	answered []string
}

func (f *fakeAPI) SendMessage(ctx context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return &models.Message{ID: len(f.sent)}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, p *bot.DeleteMessageParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, p.MessageID)
	return true, nil
}

func (f *fakeAPI) EditMessageReplyMarkup(ctx context.Context, p *bot.EditMessageReplyMarkupParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, p.MessageID)
	return &models.Message{ID: p.MessageID}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(ctx context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, p.Text)
	return true, nil
}

func (f *fakeAPI) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Text
}

type nopGateway struct{}

func (nopGateway) ListNewMessageIDs(ctx context.Context, acc *appmodels.Account, cursor string) ([]string, string, error) {
	return nil, cursor, nil
}

func (nopGateway) FetchMessage(ctx context.Context, acc *appmodels.Account, id string) (*appmodels.RawMessage, error) {
	return nil, errors.New("not used")
}

func (nopGateway) ArchiveMessage(context.Context, *appmodels.Account, string) error { return nil }
func (nopGateway) MarkAsRead(context.Context, *appmodels.Account, string) error     { return nil }
func (nopGateway) DeleteMessage(context.Context, *appmodels.Account, string) error  { return nil }

// storeAgent marks the email unsubscribed the way the real agent does
type storeAgent struct {
	db *database.DB
}

func (a storeAgent) Run(ctx context.Context, e *appmodels.Email, acc *appmodels.Account) *unsubscribe.Result {
	if err := a.db.MarkEmailUnsubscribed(ctx, e.ID); err != nil {
		return &unsubscribe.Result{EmailID: e.ID, Outcome: unsubscribe.OutcomeError, Error: err.Error()}
	}
	return &unsubscribe.Result{EmailID: e.ID, Outcome: unsubscribe.OutcomeVerifiedSuccess, SiblingUpdatedCount: 2}
}

type fakeAccounts struct {
	requests []account.Request
	err      error
}

func (f *fakeAccounts) Connect(ctx context.Context, req account.Request) (*appmodels.Account, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &appmodels.Account{ID: 77, Address: req.Address, IMAPServer: "imap.example.com:993", IsPrimary: true}, nil
}

func (f *fakeAccounts) Disconnect(ctx context.Context, ownerID, accountID int64) error {
	return nil
}

const (
	owner  = 7
	chatID = 100
)

type harness struct {
	bot       *Bot
	api       *fakeAPI
	accounts  *fakeAccounts
	db        *database.DB
	acc       *appmodels.Account
	email     *appmodels.Email
	foreign   *appmodels.Email
	triggered []int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	h := &harness{api: &fakeAPI{}, accounts: &fakeAccounts{}, db: db}

	h.acc = &appmodels.Account{OwnerID: owner, Address: "me@example.com", NotifyChatID: chatID}
	require.NoError(t, db.ConnectAccount(ctx, h.acc))
	other := &appmodels.Account{OwnerID: 8, Address: "other@example.com"}
	require.NoError(t, db.ConnectAccount(ctx, other))

	h.email = &appmodels.Email{AccountID: h.acc.ID, ProviderID: "1:10", Sender: "news@shop.example", Subject: "Deals"}
	require.NoError(t, db.CreateEmail(ctx, h.email))
	h.foreign = &appmodels.Email{AccountID: other.ID, ProviderID: "1:11", Sender: "news@shop.example"}
	require.NoError(t, db.CreateEmail(ctx, h.foreign))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := bulk.NewCoordinator(db, nopGateway{}, storeAgent{db: db}, bulk.Config{}, logger)

	h.bot = newBot(BotDeps{
		Store:    db,
		Accounts: h.accounts,
		Bulk:     coord,
		Trigger: func(id int64) bool {
			h.triggered = append(h.triggered, id)
			return true
		},
		Status: func(int64) string { return "connected" },
		Logger: logger,
	}, h.api)
	return h
}

func command(text string) *models.Update {
	return &models.Update{Message: &models.Message{
		ID:   5,
		Text: text,
		Chat: models.Chat{ID: chatID},
		From: &models.User{ID: owner},
	}}
}

func callback(action appmodels.CallbackAction, emailID int64) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cb",
		From: models.User{ID: owner},
		Data: formatter.EncodeCallback(appmodels.CallbackData{Action: action, EmailID: emailID}),
		Message: models.MaybeInaccessibleMessage{
			Message: &models.Message{ID: 9, Chat: models.Chat{ID: chatID}},
		},
	}}
}

func TestConnectCommand(t *testing.T) {
	h := newHarness(t)

	h.bot.handleConnect(context.Background(), nil, command("/connect Me@Example.org s3cret imap.example.org"))

	require.Len(t, h.accounts.requests, 1)
	req := h.accounts.requests[0]
	assert.Equal(t, int64(owner), req.OwnerID)
	assert.Equal(t, "s3cret", req.Password)
	assert.Equal(t, "imap.example.org", req.Server)
	assert.Equal(t, int64(chatID), req.NotifyChatID)

	assert.Equal(t, []int{5}, h.api.deleted, "password message removed")
	assert.Contains(t, h.api.lastText(), "подключена")
	assert.Equal(t, []int64{77}, h.triggered)
	for _, p := range h.api.sent {
		assert.NotContains(t, p.Text, "s3cret")
	}
}

func TestConnectCommandErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.handleConnect(ctx, nil, command("/connect only-address"))
	assert.Contains(t, h.api.lastText(), "Использование")
	assert.Empty(t, h.accounts.requests)

	h.accounts.err = fmt.Errorf("%w: bad login", account.ErrConnectionFailed)
	h.bot.handleConnect(ctx, nil, command("/connect me@example.org pw"))
	assert.Contains(t, h.api.lastText(), "Ошибка подключения")

	h.accounts.err = database.ErrAlreadyExists
	h.bot.handleConnectGmail(ctx, nil, command("/gmail me@gmail.com"))
	assert.Contains(t, h.api.lastText(), "уже подключена")
	assert.Equal(t, appmodels.ProviderGmail, h.accounts.requests[len(h.accounts.requests)-1].Provider)
	assert.Empty(t, h.triggered)
}

func TestMarkReadCallback(t *testing.T) {
	h := newHarness(t)

	h.bot.handleCallback(context.Background(), nil, callback(appmodels.CallbackMarkRead, h.email.ID))

	assert.Equal(t, []string{"Помечено как прочитанное"}, h.api.answered)
	assert.Equal(t, []int{9}, h.api.edited)

	stored, err := h.db.GetEmailByID(context.Background(), h.email.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)
}

func TestCallbackOnForeignEmail(t *testing.T) {
	h := newHarness(t)

	h.bot.handleCallback(context.Background(), nil, callback(appmodels.CallbackArchive, h.foreign.ID))

	assert.Equal(t, []string{"Ошибка: forbidden"}, h.api.answered)
	assert.Empty(t, h.api.edited)

	stored, err := h.db.GetEmailByID(context.Background(), h.foreign.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsArchived)
}

func TestDeleteCallbackRemovesNotification(t *testing.T) {
	h := newHarness(t)

	h.bot.handleCallback(context.Background(), nil, callback(appmodels.CallbackDelete, h.email.ID))

	assert.Equal(t, []int{9}, h.api.deleted)
	assert.Equal(t, []string{"Письмо удалено"}, h.api.answered)
}

func TestUnsubscribeCallbackRunsInBackground(t *testing.T) {
	h := newHarness(t)

	h.bot.handleCallback(context.Background(), nil, callback(appmodels.CallbackUnsubscribe, h.email.ID))
	h.bot.wg.Wait()

	require.Len(t, h.api.answered, 1)
	assert.Contains(t, h.api.answered[0], "Отписываюсь")

	text := h.api.lastText()
	assert.Contains(t, text, "Deals")
	assert.Contains(t, text, "подтверждена")
	assert.Equal(t, []int{9}, h.api.edited)
}

func TestUnknownCallback(t *testing.T) {
	h := newHarness(t)

	h.bot.handleCallback(context.Background(), nil, &models.Update{CallbackQuery: &models.CallbackQuery{ID: "x", Data: "{"}})
	h.bot.handleCallback(context.Background(), nil, callback("zz", h.email.ID))

	assert.Equal(t, []string{"Ошибка", "Неизвестное действие"}, h.api.answered)
}

func TestNotifyIngested(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	category := &appmodels.Category{OwnerID: owner, Name: "Shopping"}
	require.NoError(t, h.db.CreateCategory(ctx, category))
	h.email.CategoryID = &category.ID

	h.bot.NotifyIngested(ctx, h.acc, h.email)

	require.Len(t, h.api.sent, 1)
	sent := h.api.sent[0]
	assert.Equal(t, int64(chatID), sent.ChatID)
	assert.Contains(t, sent.Text, "Shopping")
	assert.NotNil(t, sent.ReplyMarkup)

	h.bot.NotifyIngested(ctx, &appmodels.Account{ID: 3}, h.email)
	assert.Len(t, h.api.sent, 1, "no chat, no notification")
}

func TestStatusAndSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.handleStatus(ctx, nil, command("/status"))
	text := h.api.lastText()
	assert.Contains(t, text, "me@example.com")
	assert.Contains(t, text, "основной")
	assert.Contains(t, text, "Писем:</b> 1")

	h.bot.handleSync(ctx, nil, command("/sync"))
	assert.Equal(t, []int64{h.acc.ID}, h.triggered)
	assert.Contains(t, h.api.lastText(), "1")
}

func TestReplyIgnoresForumThread(t *testing.T) {
	h := newHarness(t)

	update := command("/status")
	update.Message.MessageThreadID = 42
	h.bot.handleStatus(context.Background(), nil, update)

	require.NotEmpty(t, h.api.sent)
	sent := h.api.sent[len(h.api.sent)-1]
	assert.Equal(t, 0, sent.MessageThreadID)
	assert.Equal(t, update.Message.Chat.ID, sent.ChatID)
}

func TestDisconnectCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.handleDisconnect(ctx, nil, command("/disconnect nobody@example.com"))
	assert.Contains(t, h.api.lastText(), "не подключена")

	h.bot.handleDisconnect(ctx, nil, command("/disconnect ME@example.com"))
	assert.Contains(t, h.api.lastText(), "отключена")
}
