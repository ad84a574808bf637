// Package status consumes call outcome events and applies lead and campaign
// transitions: answered completes the lead, retryable outcomes requeue it
// with a future attempt time, exhausted retries finalize it as failed.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/queue"
	"github.com/acme/voice-agent-platform/internal/repository"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Reader is the narrowed kafka consumer surface.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker is the status pipeline consumer.
type Worker struct {
	reader    Reader
	leads     repository.LeadRepository
	campaigns repository.CampaignRepository
	log       *logger.Logger
	now       func() time.Time
}

// New wires a status worker.
func New(reader Reader, leads repository.LeadRepository, campaigns repository.CampaignRepository, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{
		reader:    reader,
		leads:     leads,
		campaigns: campaigns,
		log:       log.Named("statusworker"),
		now:       time.Now,
	}
}

// Run consumes status messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("fetch message", zap.Error(err))
			continue
		}

		var msg queue.CallStatusMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			w.log.Error("discard malformed status message", zap.Error(err))
			_ = w.reader.CommitMessages(ctx, m)
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			w.log.Error("process status message",
				zap.String("call_id", msg.CallID.String()),
				zap.String("lead_id", msg.LeadID.String()),
				zap.Error(err),
			)
		}

		if err := w.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("commit message", zap.Error(err))
		}
	}
}

// process finalizes one attempt against the lead state machine and rolls the
// result into the campaign counters.
func (w *Worker) process(ctx context.Context, msg queue.CallStatusMessage) error {
	tracer := otel.Tracer("voiceagent.statusworker")
	ctx, span := tracer.Start(ctx, "dial.status", trace.WithAttributes(
		attribute.String("call.id", msg.CallID.String()),
		attribute.String("lead.id", msg.LeadID.String()),
		attribute.String("outcome", string(msg.Outcome)),
	))
	defer span.End()

	campaign, err := w.campaigns.Get(ctx, msg.CampaignID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	lead, err := w.leads.Get(ctx, msg.LeadID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := lead.ApplyOutcome(msg.Outcome, campaign.Pacing, w.now().UTC()); err != nil {
		// Duplicate delivery or a stale message; the lead already moved on.
		w.log.Warn("ignoring stale outcome",
			zap.String("lead_id", lead.ID.String()),
			zap.String("status", string(lead.Status)),
			zap.String("outcome", string(msg.Outcome)),
		)
		return nil
	}
	if err := w.leads.Update(ctx, lead); err != nil {
		span.RecordError(err)
		return err
	}

	delta := domain.CampaignCounters{CallsCompleted: 1}
	switch lead.Status {
	case domain.LeadStatusCompleted:
		delta.CallsSuccessful = 1
	case domain.LeadStatusFailed:
		delta.CallsFailed = 1
	}
	if err := w.campaigns.ApplyCounters(ctx, campaign.ID, delta); err != nil {
		span.RecordError(err)
		w.log.Error("apply campaign counters", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
	}

	w.log.Info("outcome applied",
		zap.String("lead_id", lead.ID.String()),
		zap.String("outcome", string(msg.Outcome)),
		zap.String("lead_status", string(lead.Status)),
		zap.Int("attempts", lead.AttemptCount),
	)
	return nil
}
