// Package handlers exposes the control-plane HTTP surface: campaign
// operations, the telephony status webhook, transcripts and latency metrics.
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/app"
	"github.com/acme/voice-agent-platform/internal/dialer"
	"github.com/acme/voice-agent-platform/internal/queue"
	"github.com/acme/voice-agent-platform/internal/repository"
	"github.com/acme/voice-agent-platform/internal/session"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container   *app.Container
	campaigns   repository.CampaignRepository
	leads       repository.LeadRepository
	transcripts repository.TranscriptStore
	scheduler   *dialer.Scheduler
	status      *queue.StatusPublisher
	registry    *session.Registry
	aggregator  *session.Aggregator
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	repos := container.Repositories()
	return &HandlerSet{
		container:   container,
		campaigns:   repos.Campaigns,
		leads:       repos.Leads,
		transcripts: repos.Transcripts,
		scheduler:   container.Dialing().Scheduler,
		status:      container.Dispatchers().Status,
		registry:    container.Sessions().Registry,
		aggregator:  container.Sessions().Aggregator,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	app.Post("/callbacks/call-status", h.callStatusWebhook)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Get("/:id/status", h.campaignStatus)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Post("/:id/leads", h.addLeads)

	calls := v1.Group("/calls")
	calls.Get("/:call_id/transcript", h.getTranscript)

	metrics := v1.Group("/metrics")
	metrics.Get("/latency", h.latencyMetrics)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{
		"status":       "ok",
		"active_calls": h.registry.Len(),
		"errors":       errs,
	})
}
