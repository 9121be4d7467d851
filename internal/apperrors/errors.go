package apperrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clubmate/newsletter-backend/internal/model"
)

// ErrNoRecipients rejects a send when no active recipients exist. Raised
// before any state mutation.
var ErrNoRecipients = errors.New("campaign has no active recipients")

// ErrStoreConflict signals a lost compare-and-set race: another run owns the
// campaign record. The losing caller must abort without rolling back.
var ErrStoreConflict = errors.New("campaign status changed concurrently")

// ErrPastSchedule rejects scheduling a campaign for a time that already
// passed.
var ErrPastSchedule = errors.New("scheduled_at must be in the future")

// ErrCampaignNotFound is a sentinel error for a store lookup miss.
type ErrCampaignNotFound struct {
	CampaignID uuid.UUID
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id uuid.UUID) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrInvalidState rejects a send requested from a non-sendable status.
type ErrInvalidState struct {
	Status model.Status
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("campaign cannot be sent in status: %s", e.Status)
}

// ErrDispatchAborted wraps the run-level failure that made a dispatch run
// abandon its remaining batches. The campaign has been rolled back to draft,
// so re-triggering the send is safe (recipients reached before the abort may
// receive duplicates).
type ErrDispatchAborted struct {
	Cause error
}

func (e *ErrDispatchAborted) Error() string {
	return "dispatch aborted: " + e.Cause.Error()
}

func (e *ErrDispatchAborted) Unwrap() error { return e.Cause }
