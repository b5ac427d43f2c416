package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/mailsweep/pkg/models"
)

// EmailFilter narrows ListEmails
type EmailFilter struct {
	CategoryID   *int64
	Unclassified bool
	Limit        int
	Offset       int
}

// CreateEmail persists an ingested email. Returns ErrAlreadyExists when the
// (account, provider id) pair is already stored.
func (db *DB) CreateEmail(ctx context.Context, email *models.Email) error {
	email.Sender = strings.ToLower(strings.TrimSpace(email.Sender))
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}

	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		if email.CategoryID != nil {
			if err := checkCategoryOwner(ctx, tx, *email.CategoryID, email.AccountID); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO emails (account_id, provider_id, thread_id, subject, sender, received_at, raw_content, body_text, summary, category_id, is_read, is_archived, is_unsubscribed, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id, provider_id) DO NOTHING
			RETURNING id
		`
		now := time.Now().UTC()
		err := tx.QueryRowxContext(ctx, tx.Rebind(query),
			email.AccountID,
			email.ProviderID,
			email.ThreadID,
			email.Subject,
			email.Sender,
			email.ReceivedAt,
			email.RawContent,
			email.BodyText,
			email.Summary,
			email.CategoryID,
			email.IsRead,
			email.IsArchived,
			email.IsUnsubscribed,
			email.IsDeleted,
			now,
			now,
		).Scan(&email.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("failed to create email: %w", err)
		}

		email.CreatedAt = now
		email.UpdatedAt = now
		return nil
	})
}

// checkCategoryOwner verifies the category and the account share an owner
func checkCategoryOwner(ctx context.Context, q queryer, categoryID, accountID int64) error {
	var sameOwner bool
	query := `
		SELECT c.owner_id = a.owner_id
		FROM categories c, accounts a
		WHERE c.id = ? AND a.id = ?
	`
	err := q.GetContext(ctx, &sameOwner, q.Rebind(query), categoryID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCategoryOwner
	}
	if err != nil {
		return fmt.Errorf("failed to check category owner: %w", err)
	}
	if !sameOwner {
		return ErrCategoryOwner
	}
	return nil
}

// EmailExists reports whether a provider message is already stored for the account
func (db *DB) EmailExists(ctx context.Context, accountID int64, providerID string) (bool, error) {
	var exists bool
	query := db.Rebind(`SELECT EXISTS(SELECT 1 FROM emails WHERE account_id = ? AND provider_id = ?)`)
	if err := db.GetContext(ctx, &exists, query, accountID, providerID); err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// GetEmailByID returns an email by ID
func (db *DB) GetEmailByID(ctx context.Context, id int64) (*models.Email, error) {
	var email models.Email
	err := db.GetContext(ctx, &email, db.Rebind(`SELECT * FROM emails WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &email, nil
}

// GetEmailForOwner returns an email together with its account if the account belongs to the owner
func (db *DB) GetEmailForOwner(ctx context.Context, id, ownerID int64) (*models.Email, *models.Account, error) {
	email, err := db.GetEmailByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	account, err := db.GetAccountByID(ctx, email.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if account.OwnerID != ownerID {
		return nil, nil, ErrForbidden
	}
	return email, account, nil
}

// ListEmails returns an owner's non-deleted emails, newest first
func (db *DB) ListEmails(ctx context.Context, ownerID int64, filter EmailFilter) ([]*models.Email, error) {
	query := `
		SELECT e.* FROM emails e
		JOIN accounts a ON e.account_id = a.id
		WHERE a.owner_id = ? AND e.is_deleted = false
	`
	args := []interface{}{ownerID}

	switch {
	case filter.Unclassified:
		query += ` AND e.category_id IS NULL`
	case filter.CategoryID != nil:
		query += ` AND e.category_id = ?`
		args = append(args, *filter.CategoryID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += ` ORDER BY e.received_at DESC, e.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	var emails []*models.Email
	if err := db.SelectContext(ctx, &emails, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, nil
}

// ListUnarchivedEmails returns persisted emails whose source message is still awaiting archival
func (db *DB) ListUnarchivedEmails(ctx context.Context, accountID int64, limit int) ([]*models.Email, error) {
	query := db.Rebind(`
		SELECT * FROM emails
		WHERE account_id = ? AND is_archived = false AND is_deleted = false
		ORDER BY id LIMIT ?
	`)
	var emails []*models.Email
	if err := db.SelectContext(ctx, &emails, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("failed to list unarchived emails: %w", err)
	}
	return emails, nil
}

// setFlag sets one of the monotone flags; flags are never reset to false
func (db *DB) setFlag(ctx context.Context, id int64, column string) error {
	query := db.Rebind(fmt.Sprintf(`UPDATE emails SET %s = true, updated_at = ? WHERE id = ?`, column))
	result, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailRead marks an email as read
func (db *DB) MarkEmailRead(ctx context.Context, id int64) error {
	return db.setFlag(ctx, id, "is_read")
}

// MarkEmailArchived marks an email as archived at the source
func (db *DB) MarkEmailArchived(ctx context.Context, id int64) error {
	return db.setFlag(ctx, id, "is_archived")
}

// MarkEmailDeleted marks an email as deleted
func (db *DB) MarkEmailDeleted(ctx context.Context, id int64) error {
	return db.setFlag(ctx, id, "is_deleted")
}

// MarkEmailUnsubscribed marks an email as unsubscribed
func (db *DB) MarkEmailUnsubscribed(ctx context.Context, id int64) error {
	return db.setFlag(ctx, id, "is_unsubscribed")
}

// MarkSenderUnsubscribed marks every other email of the account from the same sender
// as unsubscribed and returns how many siblings were touched.
func (db *DB) MarkSenderUnsubscribed(ctx context.Context, accountID int64, sender string, excludeID int64) (int64, error) {
	query := db.Rebind(`
		UPDATE emails SET is_unsubscribed = true, updated_at = ?
		WHERE account_id = ? AND sender = ? AND id <> ?
	`)
	result, err := db.ExecContext(ctx, query,
		time.Now().UTC(), accountID, strings.ToLower(strings.TrimSpace(sender)), excludeID)
	if err != nil {
		return 0, fmt.Errorf("failed to update sender emails: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// GetEmailStats aggregates an owner's non-deleted emails
func (db *DB) GetEmailStats(ctx context.Context, ownerID int64) (*models.EmailStats, error) {
	var row struct {
		Total        int64 `db:"total"`
		Unread       int64 `db:"unread"`
		Archived     int64 `db:"archived"`
		Unsubscribed int64 `db:"unsubscribed"`
		Unclassified int64 `db:"unclassified"`
	}
	query := `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN e.is_read = false THEN 1 ELSE 0 END), 0) AS unread,
			COALESCE(SUM(CASE WHEN e.is_archived = true THEN 1 ELSE 0 END), 0) AS archived,
			COALESCE(SUM(CASE WHEN e.is_unsubscribed = true THEN 1 ELSE 0 END), 0) AS unsubscribed,
			COALESCE(SUM(CASE WHEN e.category_id IS NULL THEN 1 ELSE 0 END), 0) AS unclassified
		FROM emails e
		JOIN accounts a ON e.account_id = a.id
		WHERE a.owner_id = ? AND e.is_deleted = false
	`
	if err := db.GetContext(ctx, &row, db.Rebind(query), ownerID); err != nil {
		return nil, fmt.Errorf("failed to get email stats: %w", err)
	}

	categories := []models.CategoryCount{}
	query = `
		SELECT c.id AS category_id, c.name AS name, COUNT(e.id) AS count
		FROM categories c
		LEFT JOIN emails e ON e.category_id = c.id AND e.is_deleted = false
		WHERE c.owner_id = ?
		GROUP BY c.id, c.name
		ORDER BY c.name
	`
	if err := db.SelectContext(ctx, &categories, db.Rebind(query), ownerID); err != nil {
		return nil, fmt.Errorf("failed to get category counts: %w", err)
	}

	return &models.EmailStats{
		Total:        row.Total,
		Unread:       row.Unread,
		Archived:     row.Archived,
		Unsubscribed: row.Unsubscribed,
		Unclassified: row.Unclassified,
		Categories:   categories,
	}, nil
}
