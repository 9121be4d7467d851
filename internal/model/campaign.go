package model

import (
	"time"

	"github.com/google/uuid"
)

// Campaign is a single bulk communication (newsletter/announcement).
// RecipientCount is a snapshot written once at send start; SentAt is set only
// on the transition into sent; ScheduledAt is non-nil iff status is scheduled.
type Campaign struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Title          string     `db:"title" json:"title"`
	Body           string     `db:"body" json:"body"`
	SenderName     string     `db:"sender_name" json:"sender_name"`
	Status         Status     `db:"status" json:"status"`
	ScheduledAt    *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	RecipientCount int        `db:"recipient_count" json:"recipient_count"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
