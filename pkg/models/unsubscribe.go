package models

import "time"

// UnsubscribeRun is the audit record of one agent run
type UnsubscribeRun struct {
	ID                  string    `db:"id" json:"id"`
	EmailID             int64     `db:"email_id" json:"email_id"`
	Outcome             string    `db:"outcome" json:"outcome"`
	Steps               string    `db:"steps" json:"steps"` // JSON array of step log lines
	Error               string    `db:"error" json:"error,omitempty"`
	SiblingUpdatedCount int64     `db:"sibling_updated_count" json:"sibling_updated_count"`
	StartedAt           time.Time `db:"started_at" json:"started_at"`
	FinishedAt          time.Time `db:"finished_at" json:"finished_at"`
}
