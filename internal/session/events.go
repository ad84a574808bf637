package session

import (
	"time"

	"github.com/acme/voice-agent-platform/internal/domain"
)

// State is the orchestrator's conversation state.
type State int32

const (
	StateListening State = iota
	StateProcessing
	StateSpeaking
	StateClosed
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one entry on the orchestrator's tagged output stream. The
// transport adapter is the sole consumer; delivery never blocks the
// conversation loop.
type Event interface {
	eventType() string
}

// TranscriptEvent carries a recognized user fragment or a completed
// assistant reply.
type TranscriptEvent struct {
	Role  domain.TurnRole
	Text  string
	Final bool
}

func (TranscriptEvent) eventType() string { return "transcript" }

// AudioEvent carries one synthesized audio segment, in generation order.
type AudioEvent struct {
	Audio   []byte
	Segment string
}

func (AudioEvent) eventType() string { return "audio" }

// ClearEvent instructs the transport to discard queued audio. Emitted
// exactly once per confirmed interruption.
type ClearEvent struct{}

func (ClearEvent) eventType() string { return "clear" }

// StateEvent signals a conversation state transition.
type StateEvent struct {
	State State
}

func (StateEvent) eventType() string { return "state" }

// LatencyEvent reports stage durations for one completed turn.
type LatencyEvent struct {
	Stages StageDurations
}

func (LatencyEvent) eventType() string { return "latency" }

// StageErrorEvent reports a recovered mid-call failure. The pipeline
// continues degraded; the session is not torn down.
type StageErrorEvent struct {
	Stage string
	Err   error
}

func (StageErrorEvent) eventType() string { return "stage_error" }

// EndedEvent is the final event before the stream closes.
type EndedEvent struct {
	Turns    int
	Duration time.Duration
}

func (EndedEvent) eventType() string { return "ended" }
