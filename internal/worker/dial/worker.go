// Package dial consumes dial instructions and places the calls through the
// telephony provider. Synchronously resolved outcomes (provider errors, the
// mock provider's simulated dispositions) are fed straight back into the
// status pipeline; real providers report through the status webhook instead.
package dial

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/queue"
	"github.com/acme/voice-agent-platform/internal/telephony"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// StatusSink publishes attempt outcomes for the status worker.
type StatusSink interface {
	Publish(ctx context.Context, msg queue.CallStatusMessage) error
}

// Reader is the narrowed kafka consumer surface.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config carries the worker's endpoint settings.
type Config struct {
	// StreamURL is the media server's websocket endpoint, e.g.
	// wss://media.example.com/stream.
	StreamURL string
	// CallbackBaseURL prefixes the status webhook, e.g.
	// https://api.example.com.
	CallbackBaseURL string
	// PlaceTimeout bounds one PlaceCall.
	PlaceTimeout time.Duration
	// RingTimeout is passed to the provider, in seconds.
	RingTimeout int
}

// Worker is the dial pipeline consumer.
type Worker struct {
	reader   Reader
	provider telephony.Provider
	status   StatusSink
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New wires a dial worker.
func New(reader Reader, provider telephony.Provider, status StatusSink, cfg Config, log *logger.Logger) *Worker {
	if cfg.PlaceTimeout <= 0 {
		cfg.PlaceTimeout = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{
		reader:   reader,
		provider: provider,
		status:   status,
		cfg:      cfg,
		log:      log.Named("dialworker"),
		now:      time.Now,
	}
}

// Run consumes dial messages until the context is cancelled.
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

		var msg queue.DialMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			w.log.Error("discard malformed dial message", zap.Error(err))
			_ = w.reader.CommitMessages(ctx, m)
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			w.log.Error("process dial message",
				zap.String("call_id", msg.CallID.String()),
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

// process places one call. Only an unresolved async attempt ends silently;
// every other path publishes a status message.
func (w *Worker) process(ctx context.Context, msg queue.DialMessage) error {
	tracer := otel.Tracer("voiceagent.dialworker")
	ctx, span := tracer.Start(ctx, "dial.place", trace.WithAttributes(
		attribute.String("call.id", msg.CallID.String()),
		attribute.String("campaign.id", msg.CampaignID.String()),
		attribute.Int("attempt", msg.Attempt),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.PlaceTimeout)
	result, err := w.provider.PlaceCall(callCtx, telephony.PlaceCallParams{
		To:                msg.PhoneNumber,
		From:              msg.FromNumber,
		StreamURL:         w.cfg.StreamURL,
		StatusCallbackURL: w.callbackURL(msg),
		CustomParams: map[string]string{
			"call_id":    msg.CallID.String(),
			"agent_id":   msg.AgentID.String(),
			"account_id": msg.AccountID.String(),
		},
		RingTimeout: w.cfg.RingTimeout,
	})
	cancel()

	if err != nil {
		span.RecordError(err)
		return w.publishOutcome(ctx, msg, domain.OutcomeFailed, 0, err.Error())
	}

	w.log.Info("call placed",
		zap.String("call_id", msg.CallID.String()),
		zap.String("provider_call_id", result.ProviderCallID),
		zap.String("to", msg.PhoneNumber),
	)

	if result.Outcome == nil {
		// Disposition arrives on the status webhook.
		return nil
	}
	return w.publishOutcome(ctx, msg, *result.Outcome, result.DurationMs, "")
}

func (w *Worker) publishOutcome(ctx context.Context, msg queue.DialMessage, outcome domain.CallOutcome, durationMs int64, errText string) error {
	status := queue.CallStatusMessage{
		CallID:      msg.CallID,
		CampaignID:  msg.CampaignID,
		LeadID:      msg.LeadID,
		AccountID:   msg.AccountID,
		PhoneNumber: msg.PhoneNumber,
		Outcome:     outcome,
		DurationMs:  durationMs,
		Error:       errText,
		OccurredAt:  w.now().UTC(),
	}
	if err := w.status.Publish(ctx, status); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// callbackURL embeds the attempt identifiers so the webhook can route the
// provider's disposition back onto the right lead.
func (w *Worker) callbackURL(msg queue.DialMessage) string {
	if w.cfg.CallbackBaseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("call_id", msg.CallID.String())
	q.Set("campaign_id", msg.CampaignID.String())
	q.Set("lead_id", msg.LeadID.String())
	q.Set("account_id", msg.AccountID.String())
	return strings.TrimRight(w.cfg.CallbackBaseURL, "/") + "/callbacks/call-status?" + q.Encode()
}
