package models

import "time"

// Provider identifies which mail gateway serves an account
type Provider string

const (
	ProviderIMAP  Provider = "imap"
	ProviderGmail Provider = "gmail"
)

// Account represents one connected mailbox of an owner
type Account struct {
	ID             int64     `db:"id" json:"id"`
	OwnerID        int64     `db:"owner_id" json:"owner_id"`
	Address        string    `db:"address" json:"address"`
	AccountName    string    `db:"account_name" json:"account_name"`
	Provider       Provider  `db:"provider" json:"provider"`
	Password       string    `db:"password" json:"-"`                        // Sealed password, IMAP only
	IMAPServer     string    `db:"imap_server" json:"imap_server,omitempty"` // e.g., imap.gmail.com:993
	NotifyChatID   int64     `db:"notify_chat_id" json:"-"`                  // Telegram chat for notifications, 0 = none
	IsPrimary      bool      `db:"is_primary" json:"is_primary"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	LastSyncCursor string    `db:"last_sync_cursor" json:"-"` // Opaque, provider-defined
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
