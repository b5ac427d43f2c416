package telegram

import (
	"context"

	"github.com/mixelka/mailsweep/internal/formatter"
	"github.com/mixelka/mailsweep/pkg/models"
)

// NotifyIngested posts a newly stored email with its category, summary and
// action buttons to the chat the account was connected from.
func (b *Bot) NotifyIngested(ctx context.Context, account *models.Account, e *models.Email) {
	if account.NotifyChatID == 0 {
		return
	}

	var category *models.Category
	if e.CategoryID != nil {
		c, err := b.store.GetCategoryByID(ctx, *e.CategoryID)
		if err != nil {
			b.logger.Warn("failed to get category", "category_id", *e.CategoryID, "error", err)
		} else {
			category = c
		}
	}

	text := b.formatter.FormatEmail(e, account, category)
	if _, err := b.sendMessageWithKeyboard(ctx, account.NotifyChatID, text, formatter.BuildEmailKeyboard(e)); err != nil {
		return
	}

	b.logger.Debug("email notification sent",
		"account_id", account.ID,
		"email_id", e.ID,
	)
}
