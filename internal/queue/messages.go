package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/domain"
)

// DialMessage instructs the dial worker to place one call attempt for a
// lead. Produced by the campaign scheduler.
type DialMessage struct {
	CallID      uuid.UUID `json:"call_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	LeadID      uuid.UUID `json:"lead_id"`
	AccountID   uuid.UUID `json:"account_id"`
	AgentID     uuid.UUID `json:"agent_id"`
	PhoneNumber string    `json:"phone_number"`
	FromNumber  string    `json:"from_number"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// CallStatusMessage carries the externally observed outcome of a call
// attempt back to the status worker, which applies the lead transition.
type CallStatusMessage struct {
	CallID      uuid.UUID          `json:"call_id"`
	CampaignID  uuid.UUID          `json:"campaign_id"`
	LeadID      uuid.UUID          `json:"lead_id"`
	AccountID   uuid.UUID          `json:"account_id"`
	PhoneNumber string             `json:"phone_number"`
	Outcome     domain.CallOutcome `json:"outcome"`
	DurationMs  int64              `json:"duration_ms"`
	Error       string             `json:"error,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}
