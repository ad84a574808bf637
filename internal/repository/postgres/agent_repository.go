package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/repository"
)

// AgentRepository implements repository.AgentRepository using PostgreSQL.
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository constructs a new repository.
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Get fetches an agent profile by id.
func (r *AgentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.AgentProfile, error) {
	q := `SELECT id, account_id, name, system_prompt, greeting,
		voice_id, voice_sample_rate, voice_encoding,
		allow_interruptions, active
	 FROM agents WHERE id = $1`

	var record agentRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("agent repo: get: %w", err)
	}

	agent := record.toDomain()
	return &agent, nil
}

type agentRecord struct {
	ID                 uuid.UUID `db:"id"`
	AccountID          uuid.UUID `db:"account_id"`
	Name               string    `db:"name"`
	SystemPrompt       string    `db:"system_prompt"`
	Greeting           string    `db:"greeting"`
	VoiceID            string    `db:"voice_id"`
	VoiceSampleRate    int       `db:"voice_sample_rate"`
	VoiceEncoding      string    `db:"voice_encoding"`
	AllowInterruptions bool      `db:"allow_interruptions"`
	Active             bool      `db:"active"`
}

func (r agentRecord) toDomain() domain.AgentProfile {
	return domain.AgentProfile{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Name:         r.Name,
		SystemPrompt: r.SystemPrompt,
		Greeting:     r.Greeting,
		Voice: domain.VoiceConfig{
			VoiceID:    r.VoiceID,
			SampleRate: r.VoiceSampleRate,
			Encoding:   r.VoiceEncoding,
		},
		AllowInterruptions: r.AllowInterruptions,
		Active:             r.Active,
	}
}
