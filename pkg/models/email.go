package models

import "time"

// Email represents one ingested message
type Email struct {
	ID             int64     `db:"id" json:"id"`
	AccountID      int64     `db:"account_id" json:"account_id"`
	ProviderID     string    `db:"provider_id" json:"provider_id"` // Unique per account
	ThreadID       string    `db:"thread_id" json:"thread_id"`
	Subject        string    `db:"subject" json:"subject"`
	Sender         string    `db:"sender" json:"sender"` // Lower-cased address
	ReceivedAt     time.Time `db:"received_at" json:"received_at"`
	RawContent     string    `db:"raw_content" json:"-"` // Full RFC 5322 message
	BodyText       string    `db:"body_text" json:"-"`
	Summary        *string   `db:"summary" json:"summary"`
	CategoryID     *int64    `db:"category_id" json:"category_id"`
	IsRead         bool      `db:"is_read" json:"is_read"`
	IsArchived     bool      `db:"is_archived" json:"is_archived"`
	IsUnsubscribed bool      `db:"is_unsubscribed" json:"is_unsubscribed"`
	IsDeleted      bool      `db:"is_deleted" json:"is_deleted"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// RawMessage is a message as returned by a mail gateway
type RawMessage struct {
	ID       string
	ThreadID string
	Raw      []byte
}
