package repository

import (
	"context"
	"database/sql"

	"github.com/clubmate/newsletter-backend/internal/model"
)

// RecipientDirectory yields the recipients currently eligible for a send,
// snapshot-consistent at call time.
type RecipientDirectory interface {
	ListActive(ctx context.Context) ([]model.Recipient, error)
}

// RecipientRepository is the concrete implementation over Postgres. Member
// management (signup, unsubscribe) lives elsewhere; this side only reads.
type RecipientRepository struct {
	DB *sql.DB
}

func (r *RecipientRepository) ListActive(ctx context.Context) ([]model.Recipient, error) {
	query := `
        SELECT id, address, display_name, active
        FROM recipients
        WHERE active = TRUE
    `
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rec model.Recipient
		if err := rows.Scan(&rec.ID, &rec.Address, &rec.DisplayName, &rec.Active); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

var _ RecipientDirectory = (*RecipientRepository)(nil)
