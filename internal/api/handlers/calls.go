package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/queue"
)

type transcriptTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type transcriptResponse struct {
	CallID string           `json:"call_id"`
	Turns  []transcriptTurn `json:"turns"`
}

type latencyResponse struct {
	Samples       int     `json:"samples"`
	RecognitionMs float64 `json:"recognition_ms"`
	GenerationMs  float64 `json:"generation_ms"`
	SynthesisMs   float64 `json:"synthesis_ms"`
	EndToEndMs    float64 `json:"end_to_end_ms"`
}

// callStatusWebhook receives the telephony provider's status callback for an
// outbound attempt and forwards the disposition to the status topic. The
// routing identifiers were put on the callback URL when the call was placed.
func (h *HandlerSet) callStatusWebhook(ctx *fiber.Ctx) error {
	callID, err := uuid.Parse(ctx.Query("call_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call_id")
	}
	campaignID, err := uuid.Parse(ctx.Query("campaign_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign_id")
	}
	leadID, err := uuid.Parse(ctx.Query("lead_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead_id")
	}
	accountID, err := uuid.Parse(ctx.Query("account_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account_id")
	}

	status := ctx.FormValue("CallStatus")
	outcome, ok := outcomeFromCallStatus(status)
	if !ok {
		// Interim statuses (ringing, in-progress) are not dispositions.
		return ctx.SendStatus(http.StatusNoContent)
	}

	var durationMs int64
	if seconds := ctx.FormValue("CallDuration"); seconds != "" {
		if n, err := strconv.ParseInt(seconds, 10, 64); err == nil {
			durationMs = n * 1000
		}
	}

	msg := queue.CallStatusMessage{
		CallID:      callID,
		CampaignID:  campaignID,
		LeadID:      leadID,
		AccountID:   accountID,
		PhoneNumber: ctx.FormValue("To"),
		Outcome:     outcome,
		DurationMs:  durationMs,
		OccurredAt:  time.Now().UTC(),
	}
	if err := h.status.Publish(ctx.Context(), msg); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusNoContent)
}

// outcomeFromCallStatus maps provider status strings to dial outcomes.
func outcomeFromCallStatus(status string) (domain.CallOutcome, bool) {
	switch status {
	case "completed":
		return domain.OutcomeAnswered, true
	case "no-answer":
		return domain.OutcomeNoAnswer, true
	case "busy":
		return domain.OutcomeBusy, true
	case "failed", "canceled":
		return domain.OutcomeFailed, true
	default:
		return "", false
	}
}

func (h *HandlerSet) getTranscript(ctx *fiber.Ctx) error {
	callID := ctx.Params("call_id")
	if callID == "" {
		return fiber.NewError(http.StatusBadRequest, "missing call id")
	}

	// A live session serves its own history; ended calls come from storage.
	var turns []domain.Turn
	if sess, ok := h.registry.Get(callID); ok {
		turns = sess.Transcript()
	} else {
		var err error
		turns, err = h.transcripts.Transcript(ctx.Context(), callID)
		if err != nil {
			return translateError(err)
		}
	}

	resp := transcriptResponse{CallID: callID, Turns: make([]transcriptTurn, 0, len(turns))}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, transcriptTurn{
			Role:      string(t.Role),
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) latencyMetrics(ctx *fiber.Ctx) error {
	avg, samples := h.aggregator.Averages()
	return ctx.Status(http.StatusOK).JSON(latencyResponse{
		Samples:       samples,
		RecognitionMs: float64(avg.Recognition) / float64(time.Millisecond),
		GenerationMs:  float64(avg.Generation) / float64(time.Millisecond),
		SynthesisMs:   float64(avg.Synthesis) / float64(time.Millisecond),
		EndToEndMs:    float64(avg.EndToEnd) / float64(time.Millisecond),
	})
}
