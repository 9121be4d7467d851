package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clubmate/newsletter-backend/internal/apperrors"
	"github.com/clubmate/newsletter-backend/internal/model"
)

// StatusUpdate carries the extra fields persisted alongside a status
// transition. ScheduledAt is written unconditionally (nil clears it), which
// keeps the "scheduled_at non-null iff scheduled" invariant by construction;
// RecipientCount and SentAt are only written when set.
type StatusUpdate struct {
	RecipientCount *int
	SentAt         *time.Time
	ScheduledAt    *time.Time
}

// CampaignStore is the mutation surface the dispatcher needs: a read and one
// atomic compare-and-set on the status column.
type CampaignStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next model.Status, upd StatusUpdate) (bool, error)
}

type CampaignRepositoryInterface interface {
	CampaignStore
	Create(ctx context.Context, c *model.Campaign) error
	List(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, title, body, sender_name, status, scheduled_at, recipient_count, sent_at, created_at, updated_at`

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	c.CreatedAt = time.Now()
	query := `
        INSERT INTO campaigns (id, title, body, sender_name, status, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err := r.DB.ExecContext(ctx, query, c.ID, c.Title, c.Body, c.SenderName, c.Status.String(), c.ScheduledAt, c.CreatedAt)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// CompareAndSetStatus atomically moves a campaign from expected to next,
// reporting false when the stored status no longer matches (another run got
// there first). Illegal transitions are rejected before touching the store.
func (r *CampaignRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next model.Status, upd StatusUpdate) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("illegal status transition %s -> %s", expected, next)
	}
	query := `
        UPDATE campaigns
        SET status=$1,
            scheduled_at=$2,
            recipient_count=COALESCE($3, recipient_count),
            sent_at=COALESCE($4, sent_at),
            updated_at=NOW()
        WHERE id=$5 AND status=$6
    `
	res, err := r.DB.ExecContext(ctx, query, next.String(), upd.ScheduledAt, upd.RecipientCount, upd.SentAt, id, expected.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ListDue returns scheduled campaigns whose scheduled_at has passed, oldest
// first. Used by the scheduler sweep.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status=$1 AND scheduled_at <= $2
        ORDER BY scheduled_at`
	rows, err := r.DB.QueryContext(ctx, query, model.StatusScheduled.String(), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var status string
	err := row.Scan(&c.ID, &c.Title, &c.Body, &c.SenderName, &status, &c.ScheduledAt, &c.RecipientCount, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	return &c, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
