package models

import "time"

// Category is a user-defined classification bucket
type Category struct {
	ID          int64     `db:"id" json:"id"`
	OwnerID     int64     `db:"owner_id" json:"owner_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"` // Used verbatim as classifier guidance
	Color       string    `db:"color" json:"color"`
	Icon        string    `db:"icon" json:"icon"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// CategoryCount is the number of emails assigned to one category
type CategoryCount struct {
	CategoryID int64  `db:"category_id" json:"category_id"`
	Name       string `db:"name" json:"name"`
	Count      int64  `db:"count" json:"count"`
}

// EmailStats aggregates an owner's mailbox state
type EmailStats struct {
	Total        int64           `json:"total"`
	Unread       int64           `json:"unread"`
	Archived     int64           `json:"archived"`
	Unsubscribed int64           `json:"unsubscribed"`
	Unclassified int64           `json:"unclassified"`
	Categories   []CategoryCount `json:"categories"`
}
