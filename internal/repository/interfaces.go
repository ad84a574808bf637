// Package repository defines the persistence contracts the core depends on.
// Postgres backs campaign, lead and agent metadata; Scylla backs the
// append-heavy call transcripts.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
	ApplyCounters(ctx context.Context, id uuid.UUID, delta domain.CampaignCounters) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// LeadRepository stores campaign leads and drives dial ordering.
type LeadRepository interface {
	BulkInsert(ctx context.Context, leads []domain.Lead) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	Update(ctx context.Context, lead *domain.Lead) error
	// ClaimNextEligible atomically claims the oldest pending lead whose
	// retry delay has elapsed, moving it to calling and counting the
	// attempt, or ErrNotFound when none qualifies right now.
	ClaimNextEligible(ctx context.Context, campaignID uuid.UUID, now time.Time) (*domain.Lead, error)
	// CountRemaining reports leads not yet in a terminal status.
	CountRemaining(ctx context.Context, campaignID uuid.UUID) (int64, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.LeadStatus]int64, error)
}

// AgentRepository resolves agent profiles for call sessions.
type AgentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.AgentProfile, error)
}

// TranscriptStore persists finished call transcripts, keyed by the
// telephony call id.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, callID string, accountID uuid.UUID, turns []domain.Turn) error
	Transcript(ctx context.Context, callID string) ([]domain.Turn, error)
}
