package models

// CallbackAction type of callback action
type CallbackAction string

const (
	CallbackMarkRead    CallbackAction = "mr"
	CallbackArchive     CallbackAction = "ar"
	CallbackDelete      CallbackAction = "del"
	CallbackUnsubscribe CallbackAction = "un"
)

// CallbackData structure for inline button callback
type CallbackData struct {
	Action  CallbackAction `json:"a"`
	EmailID int64          `json:"e"`
}
