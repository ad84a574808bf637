package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LeadStatus enumerates the states of a campaign lead.
type LeadStatus string

const (
	LeadStatusPending   LeadStatus = "pending"
	LeadStatusCalling   LeadStatus = "calling"
	LeadStatusScheduled LeadStatus = "scheduled"
	LeadStatusCompleted LeadStatus = "completed"
	LeadStatusFailed    LeadStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s LeadStatus) Terminal() bool {
	return s == LeadStatusCompleted || s == LeadStatusFailed
}

// CallOutcome is the final disposition of one dial attempt.
type CallOutcome string

const (
	OutcomeAnswered CallOutcome = "answered"
	OutcomeNoAnswer CallOutcome = "no-answer"
	OutcomeBusy     CallOutcome = "busy"
	OutcomeFailed   CallOutcome = "failed"
)

// Lead is one phone contact targeted by a campaign.
type Lead struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	PhoneNumber   string
	DisplayName   string
	Status        LeadStatus
	AttemptCount  int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	LastOutcome   CallOutcome
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Eligible reports whether the lead may be dialed at the given instant: it
// must be pending and its retry delay, if any, must have elapsed.
func (l *Lead) Eligible(now time.Time) bool {
	if l.Status != LeadStatusPending {
		return false
	}
	return l.NextAttemptAt == nil || !l.NextAttemptAt.After(now)
}

// BeginAttempt moves the lead to Calling and records the attempt. It fails
// when the lead is not eligible, keeping the at-most-one-active-dial
// invariant enforceable at the state machine level.
func (l *Lead) BeginAttempt(now time.Time) error {
	if !l.Eligible(now) {
		return fmt.Errorf("lead %s: begin attempt in status %q", l.ID, l.Status)
	}
	l.Status = LeadStatusCalling
	l.AttemptCount++
	t := now
	l.LastAttemptAt = &t
	l.NextAttemptAt = nil
	l.UpdatedAt = now
	return nil
}

// ApplyOutcome finalizes an attempt. An answered call completes the lead.
// A retryable outcome returns it to Pending with a future NextAttemptAt while
// attempts remain below the retry ceiling, and finalizes it as Failed
// otherwise. The attempt count therefore never exceeds MaxRetryAttempts+1
// before the lead is terminal.
func (l *Lead) ApplyOutcome(outcome CallOutcome, pacing PacingPolicy, now time.Time) error {
	if l.Status != LeadStatusCalling {
		return fmt.Errorf("lead %s: outcome %q in status %q", l.ID, outcome, l.Status)
	}

	l.LastOutcome = outcome
	l.UpdatedAt = now

	if outcome == OutcomeAnswered {
		l.Status = LeadStatusCompleted
		return nil
	}

	if l.AttemptCount <= pacing.MaxRetryAttempts {
		next := now.Add(pacing.RetryInterval)
		l.Status = LeadStatusPending
		l.NextAttemptAt = &next
		return nil
	}

	l.Status = LeadStatusFailed
	return nil
}
