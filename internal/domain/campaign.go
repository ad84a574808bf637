package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// PacingPolicy defines the rate and retry constraints for a campaign.
type PacingPolicy struct {
	DailyCallLimit   int
	MinCallInterval  time.Duration
	CallWindowStart  int // minutes after local midnight
	CallWindowEnd    int // minutes after local midnight, exclusive
	MaxRetryAttempts int
	RetryInterval    time.Duration
}

// CampaignCounters aggregates campaign outcomes.
type CampaignCounters struct {
	CallsCompleted  int64
	CallsSuccessful int64
	CallsFailed     int64
}

// Campaign models an outbound dialing campaign.
type Campaign struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	AgentID     uuid.UUID
	Name        string
	FromNumber  string
	TimeZone    string
	Pacing      PacingPolicy
	Counters    CampaignCounters
	Status      CampaignStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CanTransition reports whether the campaign may move to the target status.
func (c *Campaign) CanTransition(target CampaignStatus) bool {
	switch c.Status {
	case CampaignStatusDraft:
		return target == CampaignStatusActive || target == CampaignStatusCancelled
	case CampaignStatusActive:
		return target == CampaignStatusPaused || target == CampaignStatusCompleted || target == CampaignStatusCancelled
	case CampaignStatusPaused:
		return target == CampaignStatusActive || target == CampaignStatusCancelled
	default:
		return false
	}
}

// WithinCallWindow reports whether now (in the campaign's timezone) falls
// inside the configured call window. A zero-width window means always open.
func (c *Campaign) WithinCallWindow(now time.Time) bool {
	start, end := c.Pacing.CallWindowStart, c.Pacing.CallWindowEnd
	if start == end {
		return true
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()

	if end < start {
		// window spans midnight
		return minuteOfDay >= start || minuteOfDay < end
	}
	return minuteOfDay >= start && minuteOfDay < end
}

// NextWindowOpen returns the next instant at or after now when the call
// window opens. If the window is already open (or unbounded), now is returned.
func (c *Campaign) NextWindowOpen(now time.Time) time.Time {
	if c.WithinCallWindow(now) {
		return now
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).
		Add(time.Duration(c.Pacing.CallWindowStart) * time.Minute)
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// StartOfNextDay returns local midnight plus the window start on the day
// after now, used when the daily limit is exhausted.
func (c *Campaign) StartOfNextDay(now time.Time) time.Time {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next.Add(time.Duration(c.Pacing.CallWindowStart) * time.Minute)
}

// DayKey returns the local calendar day identifier used for daily-limit
// counters, e.g. "2026-08-29".
func (c *Campaign) DayKey(now time.Time) string {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}
