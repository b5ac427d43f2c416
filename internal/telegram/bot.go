// Package telegram is the optional chat channel: per-email notifications with
// quick action buttons and account management commands.
package telegram

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/formatter"
	appmodels "github.com/mixelka/mailsweep/pkg/models"
)

// Store is the persistence the bot reads
type Store interface {
	GetAccountsByOwner(ctx context.Context, ownerID int64) ([]*appmodels.Account, error)
	GetCategoryByID(ctx context.Context, id int64) (*appmodels.Category, error)
	GetEmailForOwner(ctx context.Context, id, ownerID int64) (*appmodels.Email, *appmodels.Account, error)
	GetEmailStats(ctx context.Context, ownerID int64) (*appmodels.EmailStats, error)
}

// Accounts connects and disconnects mailboxes
type Accounts interface {
	Connect(ctx context.Context, req account.Request) (*appmodels.Account, error)
	Disconnect(ctx context.Context, ownerID, accountID int64) error
}

// BulkApplier runs email actions
type BulkApplier interface {
	Apply(ctx context.Context, ownerID int64, action bulk.Action, ids []int64) (*bulk.Report, error)
}

// chatAPI is the part of the Bot API the handlers call
type chatAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	EditMessageReplyMarkup(ctx context.Context, params *bot.EditMessageReplyMarkupParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Bot represents the Telegram bot. The Telegram user id is the owner id.
type Bot struct {
	bot       *bot.Bot
	api       chatAPI
	store     Store
	accounts  Accounts
	bulk      BulkApplier
	trigger   func(accountID int64) bool
	status    func(accountID int64) string
	formatter *formatter.TelegramFormatter
	logger    *slog.Logger

	// background unsubscribe runs
	wg sync.WaitGroup
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Token    string
	Store    Store
	Accounts Accounts
	Bulk     BulkApplier
	// Trigger requests a sync of one account; it must not block
	Trigger func(accountID int64) bool
	// Status reports the connection state of an IMAP account
	Status func(accountID int64) string
	Logger *slog.Logger
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := newBot(deps, nil)

	tgBot, err := bot.New(deps.Token, bot.WithDefaultHandler(b.defaultHandler))
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.api = tgBot
	b.registerHandlers()

	return b, nil
}

func newBot(deps BotDeps, api chatAPI) *Bot {
	if deps.Status == nil {
		deps.Status = func(int64) string { return "" }
	}
	return &Bot{
		api:       api,
		store:     deps.Store,
		accounts:  deps.Accounts,
		bulk:      deps.Bulk,
		trigger:   deps.Trigger,
		status:    deps.Status,
		formatter: formatter.NewTelegramFormatter(),
		logger:    deps.Logger.With("component", "telegram_bot"),
	}
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/connect", bot.MatchTypePrefix, b.handleConnect)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/gmail", bot.MatchTypePrefix, b.handleConnectGmail)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/disconnect", bot.MatchTypePrefix, b.handleDisconnect)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypePrefix, b.handleStatus)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/sync", bot.MatchTypePrefix, b.handleSync)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleStart)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start polls for updates until ctx is cancelled and waits for running unsubscribes
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot")
	b.bot.Start(ctx)
	b.wg.Wait()
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	// Ignore non-message updates and messages without text
	if update.Message == nil {
		return
	}

	// Log unknown commands
	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}

// handleStart handles /start command
func (b *Bot) handleStart(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	b.handleHelp(ctx, tgBot, update)
}

// handleHelp handles /help command
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	text := `<b>Mailsweep</b>

Бот разбирает входящую почту по категориям, архивирует её и помогает отписываться от рассылок.

<b>Команды:</b>
/connect email password [imap_server] - подключить почту по IMAP
/gmail email - подключить Gmail (токен должен быть выдан заранее)
/disconnect email - отключить почту
/status - показать подключённые ящики
/sync - проверить почту сейчас

<b>Примеры:</b>
<code>/connect myemail@mail.ru password</code>
<code>/connect me@example.com password imap.example.com:993</code>

<b>Важно:</b>
- Сообщение с паролем удаляется сразу
- Для Gmail по IMAP используйте пароль приложения
- IMAP сервер определяется автоматически
- Уведомления о письмах приходят в чат, где ящик был подключён`

	b.sendMessage(ctx, msg.Chat.ID, text)
}
