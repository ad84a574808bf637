// Package mock simulates call placement for local development and load
// testing, resolving each attempt synchronously with a weighted outcome.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/telephony"
)

// Provider simulates outbound call behaviour.
type Provider struct {
	mu  sync.Mutex
	rng *rand.Rand
	seq int64

	answerRate float64
	busyRate   float64
	ringFor    time.Duration
}

// NewProvider constructs a mock provider.
func NewProvider() *Provider {
	return &Provider{
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		answerRate: 0.6,
		busyRate:   0.1,
		ringFor:    500 * time.Millisecond,
	}
}

// PlaceCall simulates one attempt and resolves its outcome immediately.
func (p *Provider) PlaceCall(ctx context.Context, params telephony.PlaceCallParams) (telephony.Result, error) {
	select {
	case <-ctx.Done():
		return telephony.Result{}, ctx.Err()
	case <-time.After(p.ringFor):
	}

	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("MOCK%08d", p.seq)
	roll := p.rng.Float64()
	p.mu.Unlock()

	outcome := domain.OutcomeNoAnswer
	durationMs := int64(p.ringFor / time.Millisecond)
	switch {
	case roll < p.answerRate:
		outcome = domain.OutcomeAnswered
		durationMs += 30_000
	case roll < p.answerRate+p.busyRate:
		outcome = domain.OutcomeBusy
	}

	return telephony.Result{
		ProviderCallID: id,
		Outcome:        &outcome,
		DurationMs:     durationMs,
	}, nil
}
