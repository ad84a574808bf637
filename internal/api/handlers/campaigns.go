package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

type pacingRequest struct {
	DailyCallLimit   int    `json:"daily_call_limit"`
	MinCallInterval  string `json:"min_call_interval"`
	CallWindowStart  string `json:"call_window_start"`
	CallWindowEnd    string `json:"call_window_end"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	RetryInterval    string `json:"retry_interval"`
}

type leadRequest struct {
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
	Notes       string `json:"notes"`
}

type createCampaignRequest struct {
	AccountID  string        `json:"account_id"`
	AgentID    string        `json:"agent_id"`
	Name       string        `json:"name"`
	FromNumber string        `json:"from_number"`
	TimeZone   string        `json:"time_zone"`
	Pacing     pacingRequest `json:"pacing"`
	Leads      []leadRequest `json:"leads"`
}

type pacingResponse struct {
	DailyCallLimit   int    `json:"daily_call_limit"`
	MinCallInterval  string `json:"min_call_interval"`
	CallWindowStart  string `json:"call_window_start"`
	CallWindowEnd    string `json:"call_window_end"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	RetryInterval    string `json:"retry_interval"`
}

type campaignResponse struct {
	ID          uuid.UUID             `json:"id"`
	AccountID   uuid.UUID             `json:"account_id"`
	AgentID     uuid.UUID             `json:"agent_id"`
	Name        string                `json:"name"`
	FromNumber  string                `json:"from_number"`
	TimeZone    string                `json:"time_zone"`
	Status      domain.CampaignStatus `json:"status"`
	Pacing      pacingResponse        `json:"pacing"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

type campaignStatusResponse struct {
	ID              uuid.UUID             `json:"id"`
	Status          domain.CampaignStatus `json:"status"`
	CallsCompleted  int64                 `json:"calls_completed"`
	CallsSuccessful int64                 `json:"calls_successful"`
	CallsFailed     int64                 `json:"calls_failed"`
	Leads           map[string]int64      `json:"leads"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account_id")
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid agent_id")
	}
	if req.Name == "" || req.FromNumber == "" {
		return fiber.NewError(http.StatusBadRequest, "name and from_number are required")
	}
	if req.TimeZone != "" {
		if _, err := time.LoadLocation(req.TimeZone); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid time_zone")
		}
	}

	pacing, err := parsePacing(req.Pacing)
	if err != nil {
		return translateError(err)
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:         uuid.New(),
		AccountID:  accountID,
		AgentID:    agentID,
		Name:       req.Name,
		FromNumber: req.FromNumber,
		TimeZone:   req.TimeZone,
		Pacing:     pacing,
		Status:     domain.CampaignStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.campaigns.Create(ctx.Context(), campaign); err != nil {
		return translateError(err)
	}

	if len(req.Leads) > 0 {
		leads, err := buildLeads(campaign.ID, req.Leads, now)
		if err != nil {
			return translateError(err)
		}
		if err := h.leads.BulkInsert(ctx.Context(), leads); err != nil {
			return translateError(err)
		}
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	byStatus, err := h.leads.CountByStatus(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	leads := make(map[string]int64, len(byStatus))
	for status, count := range byStatus {
		leads[string(status)] = count
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatusResponse{
		ID:              campaign.ID,
		Status:          campaign.Status,
		CallsCompleted:  campaign.Counters.CallsCompleted,
		CallsSuccessful: campaign.Counters.CallsSuccessful,
		CallsFailed:     campaign.Counters.CallsFailed,
		Leads:           leads,
	})
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.scheduler.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.scheduler.Pause)
}

// resumeCampaign reactivates a paused campaign; the scheduler treats it the
// same as a first start, minus the start timestamp.
func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.scheduler.Start)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.scheduler.Cancel)
}

func (h *HandlerSet) lifecycle(ctx *fiber.Ctx, op func(context.Context, uuid.UUID) error) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := op(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) addLeads(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Leads []leadRequest `json:"leads"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Leads) == 0 {
		return fiber.NewError(http.StatusBadRequest, "no leads supplied")
	}

	if _, err := h.campaigns.Get(ctx.Context(), id); err != nil {
		return translateError(err)
	}

	leads, err := buildLeads(id, req.Leads, time.Now().UTC())
	if err != nil {
		return translateError(err)
	}
	if err := h.leads.BulkInsert(ctx.Context(), leads); err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"accepted": len(leads)})
}

func buildLeads(campaignID uuid.UUID, reqs []leadRequest, now time.Time) ([]domain.Lead, error) {
	leads := make([]domain.Lead, 0, len(reqs))
	for _, r := range reqs {
		if r.PhoneNumber == "" {
			return nil, fmt.Errorf("%w: lead missing phone_number", apperrors.ErrValidation)
		}
		leads = append(leads, domain.Lead{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			PhoneNumber: r.PhoneNumber,
			DisplayName: r.DisplayName,
			Notes:       r.Notes,
			Status:      domain.LeadStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return leads, nil
}

// parsePacing converts wire durations ("2m") and window times ("09:00") to
// the domain policy.
func parsePacing(req pacingRequest) (domain.PacingPolicy, error) {
	policy := domain.PacingPolicy{
		DailyCallLimit:   req.DailyCallLimit,
		MaxRetryAttempts: req.MaxRetryAttempts,
	}

	if req.MinCallInterval != "" {
		d, err := time.ParseDuration(req.MinCallInterval)
		if err != nil {
			return domain.PacingPolicy{}, fmt.Errorf("%w: invalid min_call_interval", apperrors.ErrValidation)
		}
		policy.MinCallInterval = d
	}
	if req.RetryInterval != "" {
		d, err := time.ParseDuration(req.RetryInterval)
		if err != nil {
			return domain.PacingPolicy{}, fmt.Errorf("%w: invalid retry_interval", apperrors.ErrValidation)
		}
		policy.RetryInterval = d
	}
	if req.CallWindowStart != "" || req.CallWindowEnd != "" {
		start, err := parseMinuteOfDay(req.CallWindowStart)
		if err != nil {
			return domain.PacingPolicy{}, fmt.Errorf("%w: invalid call_window_start", apperrors.ErrValidation)
		}
		end, err := parseMinuteOfDay(req.CallWindowEnd)
		if err != nil {
			return domain.PacingPolicy{}, fmt.Errorf("%w: invalid call_window_end", apperrors.ErrValidation)
		}
		policy.CallWindowStart = start
		policy.CallWindowEnd = end
	}

	return policy, nil
}

func parseMinuteOfDay(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinuteOfDay(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:         campaign.ID,
		AccountID:  campaign.AccountID,
		AgentID:    campaign.AgentID,
		Name:       campaign.Name,
		FromNumber: campaign.FromNumber,
		TimeZone:   campaign.TimeZone,
		Status:     campaign.Status,
		Pacing: pacingResponse{
			DailyCallLimit:   campaign.Pacing.DailyCallLimit,
			MinCallInterval:  campaign.Pacing.MinCallInterval.String(),
			CallWindowStart:  formatMinuteOfDay(campaign.Pacing.CallWindowStart),
			CallWindowEnd:    formatMinuteOfDay(campaign.Pacing.CallWindowEnd),
			MaxRetryAttempts: campaign.Pacing.MaxRetryAttempts,
			RetryInterval:    campaign.Pacing.RetryInterval.String(),
		},
		CreatedAt:   campaign.CreatedAt,
		UpdatedAt:   campaign.UpdatedAt,
		StartedAt:   campaign.StartedAt,
		CompletedAt: campaign.CompletedAt,
	}
}
