package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/repository"
)

// LeadRepository implements repository.LeadRepository using PostgreSQL.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

const leadColumns = `id, campaign_id, phone_number, display_name, status,
	attempt_count, last_attempt_at, next_attempt_at, last_outcome, notes,
	created_at, updated_at`

// BulkInsert inserts a batch of leads atomically. Duplicate ids are ignored.
func (r *LeadRepository) BulkInsert(ctx context.Context, leads []domain.Lead) error {
	if len(leads) == 0 {
		return nil
	}

	q := `INSERT INTO leads (` + leadColumns + `) VALUES (
		:id, :campaign_id, :phone_number, :display_name, :status,
		:attempt_count, :last_attempt_at, :next_attempt_at, :last_outcome, :notes,
		:created_at, :updated_at
	) ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(leads))
	for i := range leads {
		rows = append(rows, leadParams(&leads[i]))
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, rows); err != nil {
			return fmt.Errorf("lead repo: bulk insert: %w", err)
		}
		return nil
	})
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`

	var record leadRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}

	lead := record.toDomain()
	return &lead, nil
}

// Update persists the lead's full mutable state.
func (r *LeadRepository) Update(ctx context.Context, lead *domain.Lead) error {
	q := `UPDATE leads SET
		status = :status,
		attempt_count = :attempt_count,
		last_attempt_at = :last_attempt_at,
		next_attempt_at = :next_attempt_at,
		last_outcome = :last_outcome,
		notes = :notes,
		updated_at = :updated_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, leadParams(lead))
	if err != nil {
		return fmt.Errorf("lead repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lead repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClaimNextEligible picks and claims the oldest pending lead whose retry
// delay has elapsed in one statement, so the SKIP LOCKED row lock spans the
// claim and concurrent schedulers can never take the same lead.
func (r *LeadRepository) ClaimNextEligible(ctx context.Context, campaignID uuid.UUID, now time.Time) (*domain.Lead, error) {
	q := `UPDATE leads SET
		status = 'calling',
		attempt_count = attempt_count + 1,
		last_attempt_at = $2,
		next_attempt_at = NULL,
		updated_at = $2
	 WHERE id = (
		SELECT id FROM leads
		WHERE campaign_id = $1
		  AND status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED)
	 RETURNING ` + leadColumns

	var record leadRecord
	if err := r.db.QueryRowxContext(ctx, q, campaignID, now.UTC()).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: claim next eligible: %w", err)
	}

	lead := record.toDomain()
	return &lead, nil
}

// CountRemaining reports leads not yet in a terminal status.
func (r *LeadRepository) CountRemaining(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var n int64
	q := `SELECT count(*) FROM leads WHERE campaign_id = $1 AND status NOT IN ('completed', 'failed')`
	if err := r.db.QueryRowxContext(ctx, q, campaignID).Scan(&n); err != nil {
		return 0, fmt.Errorf("lead repo: count remaining: %w", err)
	}
	return n, nil
}

// CountByStatus groups lead counts by status for campaign reporting.
func (r *LeadRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.LeadStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, count(*) AS n FROM leads WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("lead repo: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.LeadStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("lead repo: scan: %w", err)
		}
		out[domain.LeadStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lead repo: rows err: %w", err)
	}
	return out, nil
}

type leadRecord struct {
	ID            uuid.UUID  `db:"id"`
	CampaignID    uuid.UUID  `db:"campaign_id"`
	PhoneNumber   string     `db:"phone_number"`
	DisplayName   string     `db:"display_name"`
	Status        string     `db:"status"`
	AttemptCount  int        `db:"attempt_count"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LastOutcome   string     `db:"last_outcome"`
	Notes         string     `db:"notes"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r leadRecord) toDomain() domain.Lead {
	return domain.Lead{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		PhoneNumber:   r.PhoneNumber,
		DisplayName:   r.DisplayName,
		Status:        domain.LeadStatus(r.Status),
		AttemptCount:  r.AttemptCount,
		LastAttemptAt: r.LastAttemptAt,
		NextAttemptAt: r.NextAttemptAt,
		LastOutcome:   domain.CallOutcome(r.LastOutcome),
		Notes:         r.Notes,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func leadParams(l *domain.Lead) map[string]any {
	return map[string]any{
		"id":              l.ID,
		"campaign_id":     l.CampaignID,
		"phone_number":    l.PhoneNumber,
		"display_name":    l.DisplayName,
		"status":          l.Status,
		"attempt_count":   l.AttemptCount,
		"last_attempt_at": l.LastAttemptAt,
		"next_attempt_at": l.NextAttemptAt,
		"last_outcome":    string(l.LastOutcome),
		"notes":           l.Notes,
		"created_at":      l.CreatedAt,
		"updated_at":      l.UpdatedAt,
	}
}
