package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/internal/formatter"
	"github.com/mixelka/mailsweep/internal/unsubscribe"
	appmodels "github.com/mixelka/mailsweep/pkg/models"
)

var callbackActions = map[appmodels.CallbackAction]bulk.Action{
	appmodels.CallbackMarkRead:    bulk.ActionMarkRead,
	appmodels.CallbackArchive:     bulk.ActionArchive,
	appmodels.CallbackDelete:      bulk.ActionDelete,
	appmodels.CallbackUnsubscribe: bulk.ActionUnsubscribe,
}

// handleConnect handles /connect command
// Usage: /connect email password [imap_server]
func (b *Bot) handleConnect(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	owner := senderID(msg)
	if owner == 0 {
		return
	}

	parts := strings.Fields(msg.Text)
	if len(parts) < 3 || len(parts) > 4 {
		b.sendMessage(ctx, msg.Chat.ID,
			"Использование: <code>/connect email@example.com password</code>\nИли: <code>/connect email@example.com password imap.server.com:993</code>")
		return
	}

	// Delete the message with password immediately
	if err := b.deleteMessage(ctx, msg.Chat.ID, msg.ID); err != nil {
		b.logger.Warn("failed to delete connect message", "error", err)
	}

	req := account.Request{
		OwnerID:      owner,
		Address:      parts[1],
		Password:     parts[2],
		Provider:     appmodels.ProviderIMAP,
		NotifyChatID: msg.Chat.ID,
	}
	if len(parts) == 4 {
		req.Server = parts[3]
	}

	b.sendMessage(ctx, msg.Chat.ID, "Проверяю подключение...")
	b.connect(ctx, msg, req)
}

// handleConnectGmail handles /gmail command
// Usage: /gmail email
func (b *Bot) handleConnectGmail(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	owner := senderID(msg)
	if owner == 0 {
		return
	}

	parts := strings.Fields(msg.Text)
	if len(parts) != 2 {
		b.sendMessage(ctx, msg.Chat.ID, "Использование: <code>/gmail me@gmail.com</code>")
		return
	}

	b.connect(ctx, msg, account.Request{
		OwnerID:      owner,
		Address:      parts[1],
		Provider:     appmodels.ProviderGmail,
		NotifyChatID: msg.Chat.ID,
	})
}

func (b *Bot) connect(ctx context.Context, msg *models.Message, req account.Request) {
	acc, err := b.accounts.Connect(ctx, req)
	if err != nil {
		b.logger.Warn("connect failed", "owner_id", req.OwnerID, "provider", req.Provider, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, connectErrorText(err))
		return
	}

	text := fmt.Sprintf("Почта <b>%s</b> подключена!", acc.Address)
	if acc.IMAPServer != "" {
		text += fmt.Sprintf("\nСервер: %s", acc.IMAPServer)
	}
	if acc.IsPrimary {
		text += "\nЭто основной ящик."
	}
	text += "\n\nНовые письма будут разобраны и пришлются сюда."
	b.sendMessage(ctx, msg.Chat.ID, text)

	if b.trigger != nil {
		b.trigger(acc.ID)
	}
}

func connectErrorText(err error) string {
	switch {
	case errors.Is(err, database.ErrAlreadyExists):
		return "Эта почта уже подключена"
	case errors.Is(err, email.ErrInvalidAddress):
		return "Некорректный адрес почты"
	case errors.Is(err, account.ErrProviderDisabled):
		return "Подключение Gmail не настроено на сервере"
	case errors.Is(err, account.ErrConnectionFailed):
		return fmt.Sprintf("Ошибка подключения: %v", err)
	default:
		return "Ошибка сохранения аккаунта"
	}
}

// handleDisconnect handles /disconnect command
// Usage: /disconnect email
func (b *Bot) handleDisconnect(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	owner := senderID(msg)
	if owner == 0 {
		return
	}

	parts := strings.Fields(msg.Text)
	if len(parts) != 2 {
		b.sendMessage(ctx, msg.Chat.ID, "Использование: <code>/disconnect email@example.com</code>")
		return
	}

	acc, err := b.findAccount(ctx, owner, parts[1])
	if err != nil {
		b.logger.Error("failed to get accounts", "owner_id", owner, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Ошибка получения информации об аккаунте")
		return
	}
	if acc == nil {
		b.sendMessage(ctx, msg.Chat.ID, "Такая почта не подключена")
		return
	}

	err = b.accounts.Disconnect(ctx, owner, acc.ID)
	switch {
	case errors.Is(err, database.ErrPrimaryAccount):
		b.sendMessage(ctx, msg.Chat.ID, "Основной ящик нельзя отключить")
		return
	case err != nil:
		b.logger.Error("failed to disconnect account", "account_id", acc.ID, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Ошибка отключения аккаунта")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("Почта <b>%s</b> отключена", acc.Address))
}

func (b *Bot) findAccount(ctx context.Context, owner int64, address string) (*appmodels.Account, error) {
	accounts, err := b.store.GetAccountsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if acc.IsActive && strings.EqualFold(acc.Address, address) {
			return acc, nil
		}
	}
	return nil, nil
}

// handleStatus handles /status command
func (b *Bot) handleStatus(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	owner := senderID(msg)
	if owner == 0 {
		return
	}

	accounts, err := b.store.GetAccountsByOwner(ctx, owner)
	if err != nil {
		b.logger.Error("failed to get accounts", "owner_id", owner, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Ошибка получения списка аккаунтов")
		return
	}

	var sb strings.Builder
	active := 0
	for _, acc := range accounts {
		if !acc.IsActive {
			continue
		}
		active++

		status := string(acc.Provider)
		statusEmoji := "🟢"
		if acc.Provider == appmodels.ProviderIMAP {
			status = b.status(acc.ID)
			switch status {
			case "connected":
			case "reconnecting":
				statusEmoji = "🟡"
			default:
				statusEmoji = "⚪"
			}
		}

		sb.WriteString(fmt.Sprintf("%s <b>%s</b>", statusEmoji, acc.Address))
		if acc.IsPrimary {
			sb.WriteString(" (основной)")
		}
		sb.WriteString(fmt.Sprintf("\n   Статус: %s\n\n", status))
	}

	if active == 0 {
		b.sendMessage(ctx, msg.Chat.ID, "Нет подключённых почтовых аккаунтов")
		return
	}

	text := "<b>Подключённые почтовые аккаунты:</b>\n\n" + sb.String()
	if stats, err := b.store.GetEmailStats(ctx, owner); err == nil {
		text += fmt.Sprintf("<b>Писем:</b> %d, непрочитанных %d, без категории %d, отписок %d",
			stats.Total, stats.Unread, stats.Unclassified, stats.Unsubscribed)
	} else {
		b.logger.Warn("failed to get stats", "owner_id", owner, "error", err)
	}

	b.sendMessage(ctx, msg.Chat.ID, text)
}

// handleSync handles /sync command
func (b *Bot) handleSync(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	owner := senderID(msg)
	if owner == 0 {
		return
	}

	accounts, err := b.store.GetAccountsByOwner(ctx, owner)
	if err != nil {
		b.logger.Error("failed to get accounts", "owner_id", owner, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Ошибка получения списка аккаунтов")
		return
	}

	queued := 0
	for _, acc := range accounts {
		if acc.IsActive && b.trigger != nil && b.trigger(acc.ID) {
			queued++
		}
	}
	b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("Проверка почты запущена для ящиков: %d", queued))
}

// handleCallback handles inline button callbacks. The pressing user is the owner.
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	callback := update.CallbackQuery
	if callback == nil {
		return
	}

	data, err := formatter.DecodeCallback(callback.Data)
	if err != nil {
		b.logger.Error("failed to decode callback", "error", err, "data", callback.Data)
		b.answerCallback(ctx, callback.ID, "Ошибка", false)
		return
	}

	action, ok := callbackActions[data.Action]
	if !ok {
		b.answerCallback(ctx, callback.ID, "Неизвестное действие", false)
		return
	}
	owner := callback.From.ID

	if action == bulk.ActionUnsubscribe {
		// A run can outlast the callback answer deadline
		b.answerCallback(ctx, callback.ID, "Отписываюсь, это может занять пару минут", false)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.unsubscribe(context.WithoutCancel(ctx), callback, owner, data.EmailID)
		}()
		return
	}

	item, ok := b.apply(ctx, owner, action, data.EmailID)
	if !ok {
		b.answerCallback(ctx, callback.ID, "Ошибка: "+item.Error, false)
		return
	}
	b.answerCallback(ctx, callback.ID, actionDoneText[action], false)
	b.refreshMessage(ctx, callback, owner, data.EmailID, action)
}

var actionDoneText = map[bulk.Action]string{
	bulk.ActionMarkRead: "Помечено как прочитанное",
	bulk.ActionArchive:  "Письмо в архиве",
	bulk.ActionDelete:   "Письмо удалено",
}

func (b *Bot) apply(ctx context.Context, owner int64, action bulk.Action, emailID int64) (bulk.ItemResult, bool) {
	report, err := b.bulk.Apply(ctx, owner, action, []int64{emailID})
	if err != nil {
		return bulk.ItemResult{EmailID: emailID, Status: bulk.StatusError, Error: err.Error()}, false
	}
	item := report.Results[0]
	return item, item.Status == bulk.StatusSuccess
}

func (b *Bot) unsubscribe(ctx context.Context, callback *models.CallbackQuery, owner, emailID int64) {
	item, ok := b.apply(ctx, owner, bulk.ActionUnsubscribe, emailID)

	subject := fmt.Sprintf("#%d", emailID)
	if e, _, err := b.store.GetEmailForOwner(ctx, emailID, owner); err == nil && e.Subject != "" {
		subject = e.Subject
	}

	detail := item.Error
	if item.Outcome == "" {
		// rejected before the agent ran
		item.Outcome = unsubscribe.OutcomeError
	}
	text := b.formatter.FormatUnsubscribeResult(subject, item.Outcome, item.SiblingUpdatedCount, detail)

	chatID := owner
	if m := callback.Message.Message; m != nil {
		chatID = m.Chat.ID
	}
	b.sendMessage(ctx, chatID, text)

	if ok {
		b.refreshMessage(ctx, callback, owner, emailID, bulk.ActionUnsubscribe)
	}
}

// refreshMessage updates the notification the button was pressed on
func (b *Bot) refreshMessage(ctx context.Context, callback *models.CallbackQuery, owner, emailID int64, action bulk.Action) {
	m := callback.Message.Message
	if m == nil {
		return
	}

	if action == bulk.ActionDelete {
		if err := b.deleteMessage(ctx, m.Chat.ID, m.ID); err != nil {
			b.logger.Warn("failed to delete notification", "error", err)
		}
		return
	}

	e, _, err := b.store.GetEmailForOwner(ctx, emailID, owner)
	if err != nil {
		b.logger.Warn("failed to reload email", "email_id", emailID, "error", err)
		return
	}
	if err := b.editMessageReplyMarkup(ctx, m.Chat.ID, m.ID, formatter.BuildEmailKeyboard(e)); err != nil {
		b.logger.Warn("failed to update keyboard", "error", err)
	}
}
