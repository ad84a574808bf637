package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/repository"
)

// TranscriptStore persists finished call transcripts in Scylla. A call's
// turns live in a single partition keyed by the telephony call id, clustered
// by turn sequence so reads come back in conversation order.
type TranscriptStore struct {
	session *gocql.Session
}

// NewTranscriptStore creates a new transcript store.
func NewTranscriptStore(session *gocql.Session) *TranscriptStore {
	return &TranscriptStore{session: session}
}

// SaveTranscript writes the full conversation history for a finished call.
// The write is idempotent: replaying the same call id overwrites the same
// rows rather than duplicating them.
func (s *TranscriptStore) SaveTranscript(ctx context.Context, callID string, accountID uuid.UUID, turns []domain.Turn) error {
	now := time.Now().UTC()

	if err := s.session.Query(`INSERT INTO call_transcripts (call_id, account_id, turn_count, saved_at)
		VALUES (?, ?, ?, ?)`,
		callID, accountID.String(), len(turns), now,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript store: insert call_transcripts: %w", err)
	}

	// Logged batch keeps a partial transcript from ever becoming visible.
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for i, turn := range turns {
		batch.Query(`INSERT INTO call_turns (call_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			callID, i, string(turn.Role), turn.Content, turn.CreatedAt,
		)
	}
	if len(turns) > 0 {
		if err := s.session.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("transcript store: insert call_turns: %w", err)
		}
	}

	return nil
}

// Transcript returns the ordered turns recorded for a call.
func (s *TranscriptStore) Transcript(ctx context.Context, callID string) ([]domain.Turn, error) {
	var turnCount int
	if err := s.session.Query(`SELECT turn_count FROM call_transcripts WHERE call_id = ?`, callID).
		WithContext(ctx).Scan(&turnCount); err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("transcript store: fetch call_transcripts: %w", err)
	}

	iter := s.session.Query(`SELECT role, content, created_at FROM call_turns WHERE call_id = ?`, callID).
		WithContext(ctx).Iter()

	turns := make([]domain.Turn, 0, turnCount)
	var (
		role    string
		content string
		created time.Time
	)
	for iter.Scan(&role, &content, &created) {
		turns = append(turns, domain.Turn{
			Role:      domain.TurnRole(role),
			Content:   content,
			CreatedAt: created,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("transcript store: iter call_turns: %w", err)
	}

	return turns, nil
}
