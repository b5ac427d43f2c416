package formatter

import (
	"encoding/json"

	"github.com/go-telegram/bot/models"

	appmodels "github.com/mixelka/mailsweep/pkg/models"
)

// BuildEmailKeyboard creates the action keyboard for an email. Buttons for
// flags already set are left out.
func BuildEmailKeyboard(e *appmodels.Email) *models.InlineKeyboardMarkup {
	var row []models.InlineKeyboardButton
	button := func(text string, action appmodels.CallbackAction) {
		row = append(row, models.InlineKeyboardButton{
			Text:         text,
			CallbackData: EncodeCallback(appmodels.CallbackData{Action: action, EmailID: e.ID}),
		})
	}

	if !e.IsRead {
		button("Прочитано", appmodels.CallbackMarkRead)
	}
	if !e.IsArchived {
		button("В архив", appmodels.CallbackArchive)
	}
	button("Удалить", appmodels.CallbackDelete)

	rows := [][]models.InlineKeyboardButton{row}
	if !e.IsUnsubscribed {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         "Отписаться",
			CallbackData: EncodeCallback(appmodels.CallbackData{Action: appmodels.CallbackUnsubscribe, EmailID: e.ID}),
		}})
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// EncodeCallback encodes callback data to string
func EncodeCallback(data appmodels.CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (appmodels.CallbackData, error) {
	var cb appmodels.CallbackData
	err := json.Unmarshal([]byte(data), &cb)
	return cb, err
}
