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

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, account_id, agent_id, name, from_number, time_zone, status,
	daily_call_limit, min_call_interval_ms, call_window_start, call_window_end,
	max_retry_attempts, retry_interval_ms,
	calls_completed, calls_successful, calls_failed,
	created_at, updated_at, started_at, completed_at`

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :account_id, :agent_id, :name, :from_number, :time_zone, :status,
		:daily_call_limit, :min_call_interval_ms, :call_window_start, :call_window_end,
		:max_retry_attempts, :retry_interval_ms,
		:calls_completed, :calls_successful, :calls_failed,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign)); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	var record campaignRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update persists campaign metadata, pacing and lifecycle timestamps.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		from_number = :from_number,
		time_zone = :time_zone,
		status = :status,
		daily_call_limit = :daily_call_limit,
		min_call_interval_ms = :min_call_interval_ms,
		call_window_start = :call_window_start,
		call_window_end = :call_window_end,
		max_retry_attempts = :max_retry_attempts,
		retry_interval_ms = :retry_interval_ms,
		started_at = :started_at,
		completed_at = :completed_at,
		updated_at = now()
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign))
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatus updates campaign status only.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ApplyCounters atomically increments the aggregate outcome counters.
func (r *CampaignRepository) ApplyCounters(ctx context.Context, id uuid.UUID, delta domain.CampaignCounters) error {
	q := `UPDATE campaigns SET
		calls_completed = calls_completed + $1,
		calls_successful = calls_successful + $2,
		calls_failed = calls_failed + $3,
		updated_at = now()
	 WHERE id = $4`
	if _, err := r.db.ExecContext(ctx, q, delta.CallsCompleted, delta.CallsSuccessful, delta.CallsFailed, id); err != nil {
		return fmt.Errorf("campaign repo: apply counters: %w", err)
	}
	return nil
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID                uuid.UUID  `db:"id"`
	AccountID         uuid.UUID  `db:"account_id"`
	AgentID           uuid.UUID  `db:"agent_id"`
	Name              string     `db:"name"`
	FromNumber        string     `db:"from_number"`
	TimeZone          string     `db:"time_zone"`
	Status            string     `db:"status"`
	DailyCallLimit    int        `db:"daily_call_limit"`
	MinCallIntervalMs int64      `db:"min_call_interval_ms"`
	CallWindowStart   int        `db:"call_window_start"`
	CallWindowEnd     int        `db:"call_window_end"`
	MaxRetryAttempts  int        `db:"max_retry_attempts"`
	RetryIntervalMs   int64      `db:"retry_interval_ms"`
	CallsCompleted    int64      `db:"calls_completed"`
	CallsSuccessful   int64      `db:"calls_successful"`
	CallsFailed       int64      `db:"calls_failed"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	StartedAt         *time.Time `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:         r.ID,
		AccountID:  r.AccountID,
		AgentID:    r.AgentID,
		Name:       r.Name,
		FromNumber: r.FromNumber,
		TimeZone:   r.TimeZone,
		Status:     domain.CampaignStatus(r.Status),
		Pacing: domain.PacingPolicy{
			DailyCallLimit:   r.DailyCallLimit,
			MinCallInterval:  time.Duration(r.MinCallIntervalMs) * time.Millisecond,
			CallWindowStart:  r.CallWindowStart,
			CallWindowEnd:    r.CallWindowEnd,
			MaxRetryAttempts: r.MaxRetryAttempts,
			RetryInterval:    time.Duration(r.RetryIntervalMs) * time.Millisecond,
		},
		Counters: domain.CampaignCounters{
			CallsCompleted:  r.CallsCompleted,
			CallsSuccessful: r.CallsSuccessful,
			CallsFailed:     r.CallsFailed,
		},
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func campaignParams(c *domain.Campaign) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"account_id":           c.AccountID,
		"agent_id":             c.AgentID,
		"name":                 c.Name,
		"from_number":          c.FromNumber,
		"time_zone":            c.TimeZone,
		"status":               c.Status,
		"daily_call_limit":     c.Pacing.DailyCallLimit,
		"min_call_interval_ms": c.Pacing.MinCallInterval.Milliseconds(),
		"call_window_start":    c.Pacing.CallWindowStart,
		"call_window_end":      c.Pacing.CallWindowEnd,
		"max_retry_attempts":   c.Pacing.MaxRetryAttempts,
		"retry_interval_ms":    c.Pacing.RetryInterval.Milliseconds(),
		"calls_completed":      c.Counters.CallsCompleted,
		"calls_successful":     c.Counters.CallsSuccessful,
		"calls_failed":         c.Counters.CallsFailed,
		"created_at":           c.CreatedAt,
		"updated_at":           c.UpdatedAt,
		"started_at":           c.StartedAt,
		"completed_at":         c.CompletedAt,
	}
}
