// Package dialer paces outbound campaigns: it decides when the next call
// attempt for each campaign may be placed and hands the attempt to the dial
// pipeline. Pacing state is in-memory; a restarted scheduler re-arms from
// persisted campaign and lead state.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/queue"
	"github.com/acme/voice-agent-platform/internal/repository"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Campaign lifecycle notification channels.
const (
	ChannelCampaignStarted   = "campaign:started"
	ChannelCampaignPaused    = "campaign:paused"
	ChannelCampaignCancelled = "campaign:cancelled"
	ChannelCampaignCompleted = "campaign:completed"
)

// Dispatcher hands one dial instruction to the dial pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg queue.DialMessage) error
}

// Quota gates attempts against the daily campaign limit and the account
// usage cap.
type Quota interface {
	// DailyAttempts returns today's attempt count for the campaign, using
	// the campaign's local calendar day.
	DailyAttempts(ctx context.Context, campaign *domain.Campaign, now time.Time) (int64, error)
	// CheckAccount returns ErrQuotaExceeded when the account is out of
	// call budget.
	CheckAccount(ctx context.Context, accountID uuid.UUID, now time.Time) error
	// RecordAttempt counts one placed attempt against both budgets.
	RecordAttempt(ctx context.Context, campaign *domain.Campaign, now time.Time) error
}

// Notifier mirrors campaign lifecycle events to observers, fire-and-forget.
type Notifier interface {
	Publish(ctx context.Context, accountID uuid.UUID, channel string, payload any)
}

// Scheduler runs the per-campaign pacing loop. Each active campaign has at
// most one pending tick in the job queue; the tick either dispatches one
// attempt and re-arms, or re-arms further out when pacing defers.
type Scheduler struct {
	campaigns repository.CampaignRepository
	leads     repository.LeadRepository
	agents    repository.AgentRepository
	jobs      queue.JobQueue
	dispatch  Dispatcher
	quota     Quota
	notifier  Notifier
	cfg       config.DialerConfig
	log       *logger.Logger
	now       func() time.Time
}

// New wires a scheduler.
func New(
	campaigns repository.CampaignRepository,
	leads repository.LeadRepository,
	agents repository.AgentRepository,
	jobs queue.JobQueue,
	dispatch Dispatcher,
	quota Quota,
	notifier Notifier,
	cfg config.DialerConfig,
	log *logger.Logger,
) *Scheduler {
	if cfg.OffWindowBackoff <= 0 {
		cfg.OffWindowBackoff = 5 * time.Minute
	}
	if cfg.EmptyPollBackoff <= 0 {
		cfg.EmptyPollBackoff = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		campaigns: campaigns,
		leads:     leads,
		agents:    agents,
		jobs:      jobs,
		dispatch:  dispatch,
		quota:     quota,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.Named("dialer"),
		now:       time.Now,
	}
}

// Start activates a draft or paused campaign and arms its first tick. The
// campaign must have an active agent and at least one lead left to dial.
func (s *Scheduler) Start(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == domain.CampaignStatusActive {
		return fmt.Errorf("%w: campaign %s already active", apperrors.ErrConflict, campaignID)
	}
	if !campaign.CanTransition(domain.CampaignStatusActive) {
		return fmt.Errorf("%w: campaign %s cannot start from %q", apperrors.ErrValidation, campaignID, campaign.Status)
	}

	agent, err := s.agents.Get(ctx, campaign.AgentID)
	if err != nil {
		return err
	}
	if !agent.Active {
		return fmt.Errorf("%w: agent %s is inactive", apperrors.ErrValidation, campaign.AgentID)
	}
	remaining, err := s.leads.CountRemaining(ctx, campaignID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return fmt.Errorf("%w: campaign %s has no leads left to dial", apperrors.ErrValidation, campaignID)
	}

	campaign.Status = domain.CampaignStatusActive
	if campaign.StartedAt == nil {
		t := s.now().UTC()
		campaign.StartedAt = &t
	}
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		return err
	}

	s.notifier.Publish(ctx, campaign.AccountID, ChannelCampaignStarted, campaignEvent(campaign))
	s.log.Info("campaign started", zap.String("campaign_id", campaignID.String()))
	s.arm(campaignID, 0)
	return nil
}

// Pause suspends an active campaign and drops its pending ticks. Leads
// already handed to the dial pipeline complete normally.
func (s *Scheduler) Pause(ctx context.Context, campaignID uuid.UUID) error {
	return s.halt(ctx, campaignID, domain.CampaignStatusPaused, ChannelCampaignPaused)
}

// Cancel terminally stops a campaign.
func (s *Scheduler) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	return s.halt(ctx, campaignID, domain.CampaignStatusCancelled, ChannelCampaignCancelled)
}

func (s *Scheduler) halt(ctx context.Context, campaignID uuid.UUID, target domain.CampaignStatus, channel string) error {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if !campaign.CanTransition(target) {
		return fmt.Errorf("%w: campaign %s cannot move to %q from %q", apperrors.ErrValidation, campaignID, target, campaign.Status)
	}

	campaign.Status = target
	if target == domain.CampaignStatusCancelled {
		t := s.now().UTC()
		campaign.CompletedAt = &t
	}
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		return err
	}

	s.jobs.CancelAll(campaignID.String())
	s.notifier.Publish(ctx, campaign.AccountID, channel, campaignEvent(campaign))
	s.log.Info("campaign halted",
		zap.String("campaign_id", campaignID.String()),
		zap.String("status", string(target)),
	)
	return nil
}

// Reconcile re-arms ticks for every campaign persisted as active. Called on
// process start, because pending ticks do not survive a restart.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	active, err := s.campaigns.ListByStatus(ctx, domain.CampaignStatusActive, 1000)
	if err != nil {
		return fmt.Errorf("dialer: reconcile: %w", err)
	}
	for _, c := range active {
		s.arm(c.ID, 0)
	}
	s.log.Info("reconciled active campaigns", zap.Int("count", len(active)))
	return nil
}

func (s *Scheduler) arm(campaignID uuid.UUID, delay time.Duration) {
	s.jobs.Enqueue(queue.Job{
		Tag: campaignID.String(),
		Run: func(ctx context.Context) { s.tick(ctx, campaignID) },
	}, delay)
}

// tick evaluates pacing for one campaign and dispatches at most one attempt.
// Order of checks: campaign still active, call window, daily limit, account
// quota, lead availability.
func (s *Scheduler) tick(ctx context.Context, campaignID uuid.UUID) {
	tracer := otel.Tracer("voiceagent.dialer")
	ctx, span := tracer.Start(ctx, "dialer.tick")
	span.SetAttributes(attribute.String("campaign.id", campaignID.String()))
	defer span.End()

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		s.log.Error("tick: load campaign", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.arm(campaignID, s.cfg.EmptyPollBackoff)
		}
		return
	}
	if campaign.Status != domain.CampaignStatusActive {
		// Paused or terminal since the tick was armed; let the chain die.
		return
	}

	now := s.now()

	if !campaign.WithinCallWindow(now) {
		delay := campaign.NextWindowOpen(now).Sub(now)
		if delay < s.cfg.OffWindowBackoff {
			delay = s.cfg.OffWindowBackoff
		}
		s.log.Debug("tick: outside call window",
			zap.String("campaign_id", campaignID.String()),
			zap.Duration("re_arm_in", delay),
		)
		s.arm(campaignID, delay)
		return
	}

	if limit := campaign.Pacing.DailyCallLimit; limit > 0 {
		used, err := s.quota.DailyAttempts(ctx, campaign, now)
		if err != nil {
			span.RecordError(err)
			s.log.Error("tick: daily counter", zap.String("campaign_id", campaignID.String()), zap.Error(err))
			s.arm(campaignID, s.cfg.EmptyPollBackoff)
			return
		}
		if used >= int64(limit) {
			delay := campaign.StartOfNextDay(now).Sub(now)
			s.log.Info("tick: daily limit reached",
				zap.String("campaign_id", campaignID.String()),
				zap.Int64("used", used),
				zap.Duration("re_arm_in", delay),
			)
			s.arm(campaignID, delay)
			return
		}
	}

	if err := s.quota.CheckAccount(ctx, campaign.AccountID, now); err != nil {
		if errors.Is(err, apperrors.ErrQuotaExceeded) {
			s.log.Warn("tick: account quota exhausted, pausing campaign",
				zap.String("campaign_id", campaignID.String()),
				zap.String("account_id", campaign.AccountID.String()),
			)
			if herr := s.halt(ctx, campaignID, domain.CampaignStatusPaused, ChannelCampaignPaused); herr != nil {
				s.log.Error("tick: pause on quota", zap.Error(herr))
			}
			return
		}
		span.RecordError(err)
		s.arm(campaignID, s.cfg.EmptyPollBackoff)
		return
	}

	lead, err := s.leads.ClaimNextEligible(ctx, campaignID, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.finishOrWait(ctx, campaign)
			return
		}
		span.RecordError(err)
		s.log.Error("tick: next lead", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		s.arm(campaignID, s.cfg.EmptyPollBackoff)
		return
	}

	if err := s.placeAttempt(ctx, campaign, lead, now); err != nil {
		span.RecordError(err)
		s.log.Error("tick: place attempt",
			zap.String("campaign_id", campaignID.String()),
			zap.String("lead_id", lead.ID.String()),
			zap.Error(err),
		)
		s.arm(campaignID, s.cfg.EmptyPollBackoff)
		return
	}

	s.arm(campaignID, campaign.Pacing.MinCallInterval)
}

// finishOrWait completes the campaign when no undone leads remain, or waits
// for retry delays to elapse otherwise.
func (s *Scheduler) finishOrWait(ctx context.Context, campaign *domain.Campaign) {
	remaining, err := s.leads.CountRemaining(ctx, campaign.ID)
	if err != nil {
		s.log.Error("tick: count remaining", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		s.arm(campaign.ID, s.cfg.EmptyPollBackoff)
		return
	}
	if remaining > 0 {
		s.arm(campaign.ID, s.cfg.EmptyPollBackoff)
		return
	}

	campaign.Status = domain.CampaignStatusCompleted
	t := s.now().UTC()
	campaign.CompletedAt = &t
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		s.log.Error("tick: complete campaign", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		s.arm(campaign.ID, s.cfg.EmptyPollBackoff)
		return
	}
	s.notifier.Publish(ctx, campaign.AccountID, ChannelCampaignCompleted, campaignEvent(campaign))
	s.log.Info("campaign completed", zap.String("campaign_id", campaign.ID.String()))
}

// placeAttempt counts the already-claimed attempt and publishes the dial
// instruction. A dispatch failure releases the lead for a later retry.
func (s *Scheduler) placeAttempt(ctx context.Context, campaign *domain.Campaign, lead *domain.Lead, now time.Time) error {
	if err := s.quota.RecordAttempt(ctx, campaign, now); err != nil {
		s.log.Warn("record attempt counters", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
	}

	msg := queue.DialMessage{
		CallID:      uuid.New(),
		CampaignID:  campaign.ID,
		LeadID:      lead.ID,
		AccountID:   campaign.AccountID,
		AgentID:     campaign.AgentID,
		PhoneNumber: lead.PhoneNumber,
		FromNumber:  campaign.FromNumber,
		Attempt:     lead.AttemptCount,
		EnqueuedAt:  now.UTC(),
	}
	if err := s.dispatch.Dispatch(ctx, msg); err != nil {
		// Roll the claim back so the lead is picked up again.
		next := now.Add(campaign.Pacing.RetryInterval)
		lead.Status = domain.LeadStatusPending
		lead.NextAttemptAt = &next
		if uerr := s.leads.Update(ctx, lead); uerr != nil {
			s.log.Error("release lead after dispatch failure", zap.String("lead_id", lead.ID.String()), zap.Error(uerr))
		}
		return fmt.Errorf("dispatch: %w", err)
	}

	s.log.Info("dial dispatched",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("lead_id", lead.ID.String()),
		zap.String("call_id", msg.CallID.String()),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

func campaignEvent(c *domain.Campaign) map[string]string {
	return map[string]string{
		"campaign_id": c.ID.String(),
		"status":      string(c.Status),
	}
}
