package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/lifeline-notifier/internal/database"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

type ContactRepository struct {
	db *database.DB
}

func NewContactRepository(db *database.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) ListByUser(ctx context.Context, userID string) ([]models.Contact, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT user_id, kind, destination, enabled FROM contacts
		 WHERE user_id = $1 ORDER BY kind`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var kind string
		if err := rows.Scan(&c.UserID, &kind, &c.Destination, &c.Enabled); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Kind = models.ChannelKind(kind)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *ContactRepository) Upsert(ctx context.Context, c models.Contact) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO contacts (user_id, kind, destination, enabled) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, kind) DO UPDATE
		 SET destination = EXCLUDED.destination, enabled = EXCLUDED.enabled`,
		c.UserID, string(c.Kind), c.Destination, c.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert contact %s/%s: %w", c.UserID, c.Kind, err)
	}
	return nil
}

// ReplaceForUser swaps the user's whole contact list in one transaction.
func (r *ContactRepository) ReplaceForUser(ctx context.Context, userID string, contacts []models.Contact) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("clear contacts: %w", err)
		}
		for _, c := range contacts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO contacts (user_id, kind, destination, enabled) VALUES ($1, $2, $3, $4)`,
				userID, string(c.Kind), c.Destination, c.Enabled,
			); err != nil {
				return fmt.Errorf("insert contact %s: %w", c.Kind, err)
			}
		}
		return nil
	})
}
