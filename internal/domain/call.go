package domain

import "time"

// TurnRole identifies the speaker of a conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one entry in a call's ordered conversation history. Append-only;
// the full sequence is persisted once, at session end.
type Turn struct {
	Role      TurnRole
	Content   string
	CreatedAt time.Time
}

// CallStatus enumerates the lifecycle stages of an individual call.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)
