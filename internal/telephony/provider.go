// Package telephony abstracts outbound call initiation. The provider only
// places calls; outcomes arrive asynchronously through the status callback
// webhook unless the provider resolves them synchronously (the mock does).
package telephony

import (
	"context"

	"github.com/acme/voice-agent-platform/internal/domain"
)

// PlaceCallParams describes one outbound call attempt.
type PlaceCallParams struct {
	To   string
	From string

	// StreamURL is the media-stream WebSocket endpoint the answered call
	// connects to.
	StreamURL string

	// StatusCallbackURL receives the call's final disposition.
	StatusCallbackURL string

	// CustomParams are forwarded to the media stream's start frame
	// (call id, agent id, account id).
	CustomParams map[string]string

	// RingTimeout bounds ringing, in seconds. Zero means provider default.
	RingTimeout int
}

// Result is what placing a call yields immediately. Outcome is non-nil only
// when the provider resolved the attempt synchronously.
type Result struct {
	ProviderCallID string
	Outcome        *domain.CallOutcome
	DurationMs     int64
}

// Provider initiates outbound calls.
type Provider interface {
	PlaceCall(ctx context.Context, params PlaceCallParams) (Result, error)
}
