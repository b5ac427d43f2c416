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

// CreateCategory creates a category; names are unique per owner
func (db *DB) CreateCategory(ctx context.Context, category *models.Category) error {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return fmt.Errorf("category name is required")
	}

	query := `
		INSERT INTO categories (owner_id, name, description, color, icon, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, name) DO NOTHING
		RETURNING id
	`
	now := time.Now().UTC()
	err := db.QueryRowxContext(ctx, db.Rebind(query),
		category.OwnerID,
		category.Name,
		category.Description,
		category.Color,
		category.Icon,
		now,
		now,
	).Scan(&category.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create category: %w", err)
	}

	category.CreatedAt = now
	category.UpdatedAt = now
	return nil
}

// GetCategoryByID returns a category by ID
func (db *DB) GetCategoryByID(ctx context.Context, id int64) (*models.Category, error) {
	var category models.Category
	err := db.GetContext(ctx, &category, db.Rebind(`SELECT * FROM categories WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &category, nil
}

// GetCategoriesByOwner returns all categories of an owner ordered by name
func (db *DB) GetCategoriesByOwner(ctx context.Context, ownerID int64) ([]*models.Category, error) {
	var categories []*models.Category
	query := db.Rebind(`SELECT * FROM categories WHERE owner_id = ? ORDER BY name`)
	if err := db.SelectContext(ctx, &categories, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to get categories: %w", err)
	}
	return categories, nil
}

// UpdateCategory updates name, description, color and icon
func (db *DB) UpdateCategory(ctx context.Context, category *models.Category) error {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return fmt.Errorf("category name is required")
	}

	var taken int
	check := db.Rebind(`SELECT COUNT(*) FROM categories WHERE owner_id = ? AND name = ? AND id <> ?`)
	if err := db.GetContext(ctx, &taken, check, category.OwnerID, category.Name, category.ID); err != nil {
		return fmt.Errorf("failed to check category name: %w", err)
	}
	if taken > 0 {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	query := `
		UPDATE categories SET name = ?, description = ?, color = ?, icon = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`
	result, err := db.ExecContext(ctx, db.Rebind(query),
		category.Name,
		category.Description,
		category.Color,
		category.Icon,
		now,
		category.ID,
		category.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	category.UpdatedAt = now
	return nil
}

// DeleteCategory deletes a category and moves its emails to unclassified.
// Emails are never deleted along with their category.
func (db *DB) DeleteCategory(ctx context.Context, id, ownerID int64) (int64, error) {
	category, err := db.GetCategoryByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if category.OwnerID != ownerID {
		return 0, ErrForbidden
	}

	var reassigned int64
	err = db.inTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE emails SET category_id = NULL, updated_at = ? WHERE category_id = ?`),
			time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to reassign emails: %w", err)
		}
		if reassigned, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM categories WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete category: %w", err)
		}
		return nil
	})
	return reassigned, err
}
