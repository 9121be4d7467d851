package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/apperrors"
	"github.com/clubmate/newsletter-backend/internal/dispatch"
	"github.com/clubmate/newsletter-backend/internal/model"
	"github.com/clubmate/newsletter-backend/internal/repository"
)

// Runner is the dispatch entry point the service delegates sends to.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) (*dispatch.Report, error)
}

type CampaignService struct {
	Campaigns  repository.CampaignRepositoryInterface
	Dispatcher Runner
	Log        *zap.Logger
}

// SendCampaign runs one dispatch attempt for the campaign. Success means the
// campaign reached sent; the report carries the attempt tally.
func (s *CampaignService) SendCampaign(ctx context.Context, id uuid.UUID) (*dispatch.Report, error) {
	return s.Dispatcher.Run(ctx, id)
}

func (s *CampaignService) CreateCampaign(ctx context.Context, title, body, senderName string) (*model.Campaign, error) {
	c := &model.Campaign{
		Title:      title,
		Body:       body,
		SenderName: senderName,
		Status:     model.StatusDraft,
	}
	if err := s.Campaigns.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Schedule moves a draft campaign to scheduled for a future time. The write
// is compare-and-set so it cannot stomp a campaign that started sending in
// the meantime.
func (s *CampaignService) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	if !at.After(time.Now()) {
		return apperrors.ErrPastSchedule
	}
	ok, err := s.Campaigns.CompareAndSetStatus(ctx, id, model.StatusDraft, model.StatusScheduled, repository.StatusUpdate{ScheduledAt: &at})
	if err != nil {
		return err
	}
	if !ok {
		return s.stateError(ctx, id)
	}
	return nil
}

// Unschedule reverts a scheduled campaign to draft, clearing scheduled_at.
func (s *CampaignService) Unschedule(ctx context.Context, id uuid.UUID) error {
	ok, err := s.Campaigns.CompareAndSetStatus(ctx, id, model.StatusScheduled, model.StatusDraft, repository.StatusUpdate{})
	if err != nil {
		return err
	}
	if !ok {
		return s.stateError(ctx, id)
	}
	return nil
}

// stateError resolves a failed compare-and-set into the caller-facing error:
// not found if the campaign is gone, otherwise the status that blocked it.
func (s *CampaignService) stateError(ctx context.Context, id uuid.UUID) error {
	c, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &apperrors.ErrInvalidState{Status: c.Status}
}

func (s *CampaignService) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	return s.Campaigns.GetByID(ctx, id)
}

// List fetches campaigns with pagination.
func (s *CampaignService) List(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Campaigns.List(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// DispatchDue sends every scheduled campaign whose time has come, one at a
// time. A failed campaign is logged and skipped; the sweep carries on.
func (s *CampaignService) DispatchDue(ctx context.Context, now time.Time) error {
	due, err := s.Campaigns.ListDue(ctx, now)
	if err != nil {
		return err
	}

	for _, c := range due {
		report, err := s.SendCampaign(ctx, c.ID)
		if err != nil {
			s.Log.Error("scheduled dispatch failed",
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err))
			continue
		}
		s.Log.Info("scheduled campaign dispatched",
			zap.String("campaign_id", c.ID.String()),
			zap.Int("delivered", report.Delivered),
			zap.Int("failed", report.Failed))
	}
	return nil
}
