package database

import (
	"context"
	"fmt"

	"github.com/mixelka/mailsweep/pkg/models"
)

// CreateUnsubscribeRun stores the audit record of an agent run
func (db *DB) CreateUnsubscribeRun(ctx context.Context, run *models.UnsubscribeRun) error {
	query := `
		INSERT INTO unsubscribe_runs (id, email_id, outcome, steps, error, sibling_updated_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, db.Rebind(query),
		run.ID,
		run.EmailID,
		run.Outcome,
		run.Steps,
		run.Error,
		run.SiblingUpdatedCount,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create unsubscribe run: %w", err)
	}
	return nil
}

// GetUnsubscribeRunsByEmail returns the runs recorded for an email, newest first
func (db *DB) GetUnsubscribeRunsByEmail(ctx context.Context, emailID int64) ([]*models.UnsubscribeRun, error) {
	var runs []*models.UnsubscribeRun
	query := db.Rebind(`SELECT * FROM unsubscribe_runs WHERE email_id = ? ORDER BY started_at DESC`)
	if err := db.SelectContext(ctx, &runs, query, emailID); err != nil {
		return nil, fmt.Errorf("failed to get unsubscribe runs: %w", err)
	}
	return runs, nil
}
