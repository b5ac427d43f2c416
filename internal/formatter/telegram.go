package formatter

import (
	"fmt"
	"strings"

	"github.com/mixelka/mailsweep/internal/unsubscribe"
	"github.com/mixelka/mailsweep/pkg/models"
)

// TelegramFormatter formats emails for Telegram
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
	}
}

// FormatEmail formats an ingested email notification. category may be nil.
func (f *TelegramFormatter) FormatEmail(e *models.Email, account *models.Account, category *models.Category) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>Ящик:</b> %s\n", f.escapeHTML(account.Address)))
	sb.WriteString(fmt.Sprintf("<b>От:</b> %s\n", f.escapeHTML(e.Sender)))
	sb.WriteString(fmt.Sprintf("<b>Тема:</b> %s\n", f.escapeHTML(e.Subject)))
	if !e.ReceivedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Дата:</b> %s\n", e.ReceivedAt.Format("02.01.2006 15:04")))
	}

	categoryName := "без категории"
	if category != nil {
		categoryName = category.Name
	}
	sb.WriteString(fmt.Sprintf("<b>Категория:</b> %s\n", f.escapeHTML(categoryName)))

	if e.Summary != nil && *e.Summary != "" {
		sb.WriteString("\n<b>Кратко:</b>\n")
		sb.WriteString(f.escapeHTML(f.truncate(*e.Summary, f.maxLength-sb.Len()-50)))
	}

	return sb.String()
}

// FormatUnsubscribeResult describes a finished unsubscribe run
func (f *TelegramFormatter) FormatUnsubscribeResult(subject string, outcome unsubscribe.Outcome, siblings int64, detail string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>Отписка:</b> %s\n", f.escapeHTML(subject)))

	switch outcome {
	case unsubscribe.OutcomeVerifiedSuccess:
		sb.WriteString("Готово, отписка подтверждена.")
		if siblings > 0 {
			sb.WriteString(fmt.Sprintf("\nОтмечено писем того же отправителя: %d", siblings))
		}
	case unsubscribe.OutcomeMailtoOnly:
		sb.WriteString("Отписка возможна только письмом, отправьте его вручную.")
	case unsubscribe.OutcomeNoLinkFound:
		sb.WriteString("Ссылка для отписки не найдена.")
	case unsubscribe.OutcomeTimeout:
		sb.WriteString("Сайт не ответил вовремя.")
	case unsubscribe.OutcomeMaxStepsExceeded:
		sb.WriteString("Не удалось завершить отписку за допустимое число шагов.")
	case unsubscribe.OutcomeVerifiedFail:
		sb.WriteString("Сайт не подтвердил отписку.")
	default:
		sb.WriteString("Ошибка при отписке.")
	}

	if detail != "" && outcome != unsubscribe.OutcomeVerifiedSuccess {
		sb.WriteString(fmt.Sprintf("\n<code>%s</code>", f.escapeHTML(f.truncate(detail, 300))))
	}
	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
