package dial

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/queue"
	"github.com/acme/voice-agent-platform/internal/telephony"
)

type scriptedProvider struct {
	mu     sync.Mutex
	params []telephony.PlaceCallParams
	result telephony.Result
	err    error
}

func (p *scriptedProvider) PlaceCall(_ context.Context, params telephony.PlaceCallParams) (telephony.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = append(p.params, params)
	if p.err != nil {
		return telephony.Result{}, p.err
	}
	return p.result, nil
}

type capturedSink struct {
	mu   sync.Mutex
	msgs []queue.CallStatusMessage
}

func (s *capturedSink) Publish(_ context.Context, msg queue.CallStatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func dialMsg() queue.DialMessage {
	return queue.DialMessage{
		CallID:      uuid.New(),
		CampaignID:  uuid.New(),
		LeadID:      uuid.New(),
		AccountID:   uuid.New(),
		AgentID:     uuid.New(),
		PhoneNumber: "+15550101",
		FromNumber:  "+15550100",
		Attempt:     1,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func newWorker(p telephony.Provider, s StatusSink) *Worker {
	return New(nil, p, s, Config{
		StreamURL:       "wss://media.example.com/stream",
		CallbackBaseURL: "https://api.example.com",
		RingTimeout:     25,
	}, nil)
}

func TestAsyncPlacementPublishesNothing(t *testing.T) {
	provider := &scriptedProvider{result: telephony.Result{ProviderCallID: "CA1"}}
	sink := &capturedSink{}
	w := newWorker(provider, sink)

	msg := dialMsg()
	if err := w.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("published %d statuses for pending call", len(sink.msgs))
	}

	params := provider.params[0]
	if params.To != "+15550101" || params.From != "+15550100" {
		t.Fatalf("params = %+v", params)
	}
	if params.CustomParams["call_id"] != msg.CallID.String() {
		t.Fatalf("custom params = %v", params.CustomParams)
	}
	for _, want := range []string{"call_id=", "lead_id=", "campaign_id=", "account_id="} {
		if !strings.Contains(params.StatusCallbackURL, want) {
			t.Fatalf("callback url %q missing %s", params.StatusCallbackURL, want)
		}
	}
}

func TestProviderErrorPublishesFailedOutcome(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("carrier rejected")}
	sink := &capturedSink{}
	w := newWorker(provider, sink)

	msg := dialMsg()
	if err := w.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(sink.msgs) != 1 {
		t.Fatalf("published %d statuses", len(sink.msgs))
	}
	got := sink.msgs[0]
	if got.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %q", got.Outcome)
	}
	if got.LeadID != msg.LeadID || got.Error != "carrier rejected" {
		t.Fatalf("status = %+v", got)
	}
}

func TestSynchronousOutcomeIsForwarded(t *testing.T) {
	outcome := domain.OutcomeBusy
	provider := &scriptedProvider{result: telephony.Result{
		ProviderCallID: "MOCK1",
		Outcome:        &outcome,
		DurationMs:     700,
	}}
	sink := &capturedSink{}
	w := newWorker(provider, sink)

	if err := w.process(context.Background(), dialMsg()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sink.msgs) != 1 || sink.msgs[0].Outcome != domain.OutcomeBusy {
		t.Fatalf("statuses = %+v", sink.msgs)
	}
	if sink.msgs[0].DurationMs != 700 {
		t.Fatalf("duration = %d", sink.msgs[0].DurationMs)
	}
}
