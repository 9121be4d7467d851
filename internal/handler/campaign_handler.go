package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/apperrors"
	"github.com/clubmate/newsletter-backend/internal/service"
)

// CampaignHandler holds the dependencies for campaign-related HTTP handlers.
type CampaignHandler struct {
	Service *service.CampaignService
	Log     *zap.Logger
}

func (h *CampaignHandler) Register(r chi.Router) {
	r.Post("/campaigns", h.CreateCampaign)
	r.Get("/campaigns", h.ListCampaigns)
	r.Get("/campaigns/{id}", h.GetCampaign)
	r.Post("/campaigns/{id}/send", h.SendCampaign)
	r.Post("/campaigns/{id}/schedule", h.ScheduleCampaign)
	r.Delete("/campaigns/{id}/schedule", h.UnscheduleCampaign)
}

func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title      string `json:"title"`
		Body       string `json:"body"`
		SenderName string `json:"sender_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	campaign, err := h.Service.CreateCampaign(r.Context(), body.Title, body.Body, body.SenderName)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := h.Service.List(r.Context(), page, pageSize, status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	campaign, err := h.Service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, campaign)
}

// SendCampaign triggers one dispatch run and reports the attempt tally.
func (h *CampaignHandler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	report, err := h.Service.SendCampaign(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *CampaignHandler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_at (RFC3339) is required")
		return
	}

	if err := h.Service.Schedule(r.Context(), id, body.ScheduledAt); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *CampaignHandler) UnscheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	if err := h.Service.Unschedule(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func campaignID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

func (h *CampaignHandler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		notFound *apperrors.ErrCampaignNotFound
		invalid  *apperrors.ErrInvalidState
		aborted  *apperrors.ErrDispatchAborted
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrPastSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrNoRecipients):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &invalid), errors.Is(err, apperrors.ErrStoreConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &aborted):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
