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

// ConnectAccount creates an account or reactivates a previously disconnected one.
// The first account an owner connects becomes the primary account.
func (db *DB) ConnectAccount(ctx context.Context, account *models.Account) error {
	account.Address = strings.ToLower(strings.TrimSpace(account.Address))
	if account.Provider == "" {
		account.Provider = models.ProviderIMAP
	}

	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing models.Account
		err := tx.GetContext(ctx, &existing,
			tx.Rebind(`SELECT * FROM accounts WHERE owner_id = ? AND address = ?`),
			account.OwnerID, account.Address)
		switch {
		case err == nil:
			if existing.IsActive {
				return ErrAlreadyExists
			}
			return reactivateAccount(ctx, tx, &existing, account)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check existing account: %w", err)
		}

		var count int
		if err := tx.GetContext(ctx, &count,
			tx.Rebind(`SELECT COUNT(*) FROM accounts WHERE owner_id = ?`), account.OwnerID); err != nil {
			return fmt.Errorf("failed to count accounts: %w", err)
		}

		now := time.Now().UTC()
		account.IsPrimary = count == 0
		account.IsActive = true
		query := `
			INSERT INTO accounts (owner_id, address, account_name, provider, password, imap_server, notify_chat_id, is_primary, is_active, last_sync_cursor, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`
		err = tx.QueryRowxContext(ctx, tx.Rebind(query),
			account.OwnerID,
			account.Address,
			account.AccountName,
			account.Provider,
			account.Password,
			account.IMAPServer,
			account.NotifyChatID,
			account.IsPrimary,
			account.IsActive,
			account.LastSyncCursor,
			now,
			now,
		).Scan(&account.ID)
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}

		account.CreatedAt = now
		account.UpdatedAt = now
		return nil
	})
}

// reactivateAccount refreshes credentials of an inactive account and turns it back on.
// Primary status and sync cursor are kept.
func reactivateAccount(ctx context.Context, tx *sqlx.Tx, existing, account *models.Account) error {
	now := time.Now().UTC()
	query := `
		UPDATE accounts
		SET account_name = ?, provider = ?, password = ?, imap_server = ?, notify_chat_id = ?, is_active = true, updated_at = ?
		WHERE id = ?
	`
	_, err := tx.ExecContext(ctx, tx.Rebind(query),
		account.AccountName,
		account.Provider,
		account.Password,
		account.IMAPServer,
		account.NotifyChatID,
		now,
		existing.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to reactivate account: %w", err)
	}

	account.ID = existing.ID
	account.IsPrimary = existing.IsPrimary
	account.IsActive = true
	account.LastSyncCursor = existing.LastSyncCursor
	account.CreatedAt = existing.CreatedAt
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := db.Rebind(`SELECT * FROM accounts WHERE id = ?`)
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountForOwner returns an account if it belongs to the owner
func (db *DB) GetAccountForOwner(ctx context.Context, id, ownerID int64) (*models.Account, error) {
	account, err := db.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return account, nil
}

// GetAccountsByOwner returns all accounts of an owner, primary first
func (db *DB) GetAccountsByOwner(ctx context.Context, ownerID int64) ([]*models.Account, error) {
	var accounts []*models.Account
	query := db.Rebind(`SELECT * FROM accounts WHERE owner_id = ? ORDER BY is_primary DESC, created_at`)
	if err := db.SelectContext(ctx, &accounts, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetAllActiveAccounts returns all active accounts
func (db *DB) GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE is_active = true ORDER BY id`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// UpdateSyncCursor stores the provider cursor reached by the last completed sync
func (db *DB) UpdateSyncCursor(ctx context.Context, id int64, cursor string) error {
	query := db.Rebind(`UPDATE accounts SET last_sync_cursor = ?, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, cursor, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

// DisconnectAccount deactivates an account. Accounts are never hard-deleted.
func (db *DB) DisconnectAccount(ctx context.Context, id, ownerID int64) error {
	account, err := db.GetAccountForOwner(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if account.IsPrimary {
		return ErrPrimaryAccount
	}

	query := db.Rebind(`UPDATE accounts SET is_active = false, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to disconnect account: %w", err)
	}
	return nil
}
