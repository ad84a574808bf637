// Package session implements the per-call voice conversation orchestrator:
// a stateful loop that feeds inbound audio to a speech recognizer, streams
// recognized utterances through a language model, dispatches completed
// sentences to speech synthesis, and supports caller interruption while the
// agent is speaking.
package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Config is the immutable configuration snapshot for one call session.
type Config struct {
	CallID    string
	StreamID  string
	AccountID uuid.UUID
	Agent     domain.AgentProfile
	Format    AudioFormat

	// StageTimeout bounds any single generation or synthesis call so a
	// stalled provider cannot wedge the session.
	StageTimeout time.Duration

	// UtterancePause is the fallback flush delay after a final transcript
	// fragment when the recognizer never signals an utterance boundary.
	UtterancePause time.Duration

	EventBuffer int
}

// Deps are the external collaborators, injected at construction.
type Deps struct {
	Recognizer  Recognizer
	Responder   Responder
	Synthesizer Synthesizer
	Logger      *logger.Logger
}

// Orchestrator drives one call's conversation loop. It owns the session
// state exclusively for the call's lifetime.
type Orchestrator struct {
	cfg  Config
	deps Deps

	stream  RecognizerStream
	events  chan Event
	latency *Tracker

	state atomic.Int32
	// genID identifies the reply generation currently allowed to emit
	// audio. A barge-in bumps it, orphaning any in-flight segments.
	genID atomic.Int64

	utterMu    sync.Mutex
	utterance  strings.Builder
	pauseTimer *time.Timer

	histMu  sync.Mutex
	history []domain.Turn

	turnReady chan string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopped   atomic.Bool
	startedAt time.Time
}

// New builds an orchestrator. The session is inert until Start.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.UtterancePause <= 0 {
		cfg.UtterancePause = 1200 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		events:    make(chan Event, cfg.EventBuffer),
		latency:   NewTracker(),
		turnReady: make(chan string, 4),
	}
	o.state.Store(int32(StateListening))
	return o
}

// CallID returns the call identifier.
func (o *Orchestrator) CallID() string { return o.cfg.CallID }

// StreamID returns the transport-assigned stream identifier.
func (o *Orchestrator) StreamID() string { return o.cfg.StreamID }

// AccountID returns the owning account.
func (o *Orchestrator) AccountID() uuid.UUID { return o.cfg.AccountID }

// State returns the current conversation state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Events returns the tagged output stream consumed by the transport
// adapter. It closes after Stop.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Latency exposes the per-turn latency tracker.
func (o *Orchestrator) Latency() *Tracker { return o.latency }

// Start opens the recognizer stream and begins the conversation loop,
// speaking the configured greeting if any. An error here is fatal for the
// session: the caller must close the transport and never register the
// session as active.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.startedAt = time.Now().UTC()

	stream, err := o.deps.Recognizer.OpenStream(o.ctx, o.cfg.Format)
	if err != nil {
		o.cancel()
		return fmt.Errorf("%w: open recognizer stream: %v", apperrors.ErrStartup, err)
	}
	o.stream = stream

	o.wg.Add(2)
	go o.resultLoop()
	go o.turnLoop()
	return nil
}

// ProcessAudio forwards a raw inbound audio frame to the recognizer. It
// never blocks beyond the recognizer client's own buffering.
func (o *Orchestrator) ProcessAudio(frame []byte) {
	if o.stopped.Load() || len(frame) == 0 {
		return
	}
	o.latency.Mark(MarkAudioReceived)
	if err := o.stream.Send(frame); err != nil {
		o.deps.Logger.Warn("session: recognizer send", zap.String("call_id", o.cfg.CallID), zap.Error(err))
	}
}

// Stop finalizes the recognizer connection, releases all resources and
// returns the full ordered conversation history for persistence. A session
// with no flushed utterances returns an empty transcript, not an error.
func (o *Orchestrator) Stop() []domain.Turn {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		if o.cancel != nil {
			o.cancel()
		}
		o.utterMu.Lock()
		if o.pauseTimer != nil {
			o.pauseTimer.Stop()
		}
		o.utterMu.Unlock()
		if o.stream != nil {
			_ = o.stream.Close()
		}
		o.wg.Wait()
		o.state.Store(int32(StateClosed))

		o.histMu.Lock()
		turns := len(o.history)
		o.histMu.Unlock()
		select {
		case o.events <- EndedEvent{Turns: turns, Duration: time.Since(o.startedAt)}:
		default:
		}
		close(o.events)
	})
	return o.Transcript()
}

// Transcript returns a copy of the conversation history so far.
func (o *Orchestrator) Transcript() []domain.Turn {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	out := make([]domain.Turn, len(o.history))
	copy(out, o.history)
	return out
}

// resultLoop consumes recognizer events in arrival order.
func (o *Orchestrator) resultLoop() {
	defer o.wg.Done()

	for res := range o.stream.Results() {
		if res.Err != nil {
			o.stageFailure("recognizer", res.Err)
			continue
		}

		if res.Text != "" {
			o.send(TranscriptEvent{Role: domain.RoleUser, Text: res.Text, Final: res.IsFinal})

			if res.IsFinal {
				o.latency.Mark(MarkTranscriptReady)
				o.appendUtterance(res.Text)
			} else if o.State() == StateSpeaking {
				o.bargeIn()
			}
		}

		if res.UtteranceEnd {
			o.flushUtterance()
		}
	}
}

// appendUtterance accumulates a final fragment and arms the pause-flush
// fallback for recognizers that never send an explicit boundary.
func (o *Orchestrator) appendUtterance(text string) {
	o.utterMu.Lock()
	defer o.utterMu.Unlock()

	if o.utterance.Len() > 0 {
		o.utterance.WriteByte(' ')
	}
	o.utterance.WriteString(text)

	if o.pauseTimer != nil {
		o.pauseTimer.Stop()
	}
	o.pauseTimer = time.AfterFunc(o.cfg.UtterancePause, o.flushUtterance)
}

// flushUtterance hands the accumulated buffer to the response generator as
// one user turn. An empty buffer is ignored.
func (o *Orchestrator) flushUtterance() {
	o.utterMu.Lock()
	if o.pauseTimer != nil {
		o.pauseTimer.Stop()
		o.pauseTimer = nil
	}
	text := strings.TrimSpace(o.utterance.String())
	o.utterance.Reset()
	o.utterMu.Unlock()

	if text == "" || o.stopped.Load() {
		return
	}

	o.histMu.Lock()
	o.history = append(o.history, domain.Turn{Role: domain.RoleUser, Content: text, CreatedAt: time.Now().UTC()})
	o.histMu.Unlock()

	select {
	case o.turnReady <- text:
	default:
		o.deps.Logger.Warn("session: turn queue full, dropping utterance", zap.String("call_id", o.cfg.CallID))
	}
}

// turnLoop serializes the agent's speech: the greeting first, then one reply
// turn at a time, so greeting and reply audio never interleave.
func (o *Orchestrator) turnLoop() {
	defer o.wg.Done()
	if greeting := o.cfg.Agent.Greeting; greeting != "" {
		o.speakGreeting(greeting)
	}
	for {
		select {
		case <-o.ctx.Done():
			return
		case text := <-o.turnReady:
			o.runTurn(text)
		}
	}
}

// runTurn streams one reply: tokens are segmented into sentences and each
// completed sentence goes to synthesis immediately, overlapping generation
// latency with synthesis latency.
func (o *Orchestrator) runTurn(userText string) {
	gen := o.genID.Load()
	o.setState(StateProcessing)

	genCtx, cancel := context.WithTimeout(o.ctx, o.cfg.StageTimeout)
	defer cancel()

	tokens, err := o.deps.Responder.StreamCompletion(genCtx, o.cfg.Agent.SystemPrompt, o.Transcript())
	if err != nil {
		o.stageFailure("generator", err)
		o.latency.Reset()
		o.setStateIfCurrent(gen, StateListening)
		return
	}

	sentences := NewSentenceStream(tokens)
	defer sentences.Abandon()

	var reply strings.Builder
	for {
		seg, err := sentences.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			o.stageFailure("generator", err)
			break
		}

		reply.WriteString(seg)

		if o.genID.Load() != gen {
			// Interrupted: the remainder of this reply is abandoned and its
			// audio is never transmitted.
			break
		}

		if sentences.Drained() {
			// Generation is over; time spent on this last segment from
			// here on is synthesis.
			o.latency.Mark(MarkLLMComplete)
		}
		o.setStateIfCurrent(gen, StateSpeaking)
		o.speakSegment(gen, seg)
	}

	o.latency.Mark(MarkLLMComplete)

	if text := strings.TrimSpace(reply.String()); text != "" {
		o.histMu.Lock()
		o.history = append(o.history, domain.Turn{Role: domain.RoleAssistant, Content: text, CreatedAt: time.Now().UTC()})
		o.histMu.Unlock()
		o.send(TranscriptEvent{Role: domain.RoleAssistant, Text: text, Final: true})
	}

	o.send(LatencyEvent{Stages: o.latency.Snapshot()})
	o.latency.Reset()
	o.setStateIfCurrent(gen, StateListening)
}

// speakSegment synthesizes one sentence and emits its audio unless the
// generation was interrupted meanwhile. Synthesis failure skips only this
// segment; later segments still play.
func (o *Orchestrator) speakSegment(gen int64, segment string) {
	text := strings.TrimSpace(segment)
	if text == "" {
		return
	}

	synthCtx, cancel := context.WithTimeout(o.ctx, o.cfg.StageTimeout)
	audio, err := o.deps.Synthesizer.Synthesize(synthCtx, text, o.cfg.Agent.Voice)
	cancel()
	if err != nil {
		o.stageFailure("synthesizer", err)
		return
	}

	if o.genID.Load() != gen {
		return
	}
	o.latency.MarkLatest(MarkAudioSent)
	o.send(AudioEvent{Audio: audio, Segment: segment})
}

func (o *Orchestrator) speakGreeting(greeting string) {
	gen := o.genID.Load()
	o.setStateIfCurrent(gen, StateSpeaking)
	o.speakSegment(gen, greeting)

	o.histMu.Lock()
	o.history = append(o.history, domain.Turn{Role: domain.RoleAssistant, Content: greeting, CreatedAt: time.Now().UTC()})
	o.histMu.Unlock()

	o.latency.Reset()
	o.setStateIfCurrent(gen, StateListening)
}

// bargeIn handles caller speech detected while the agent is speaking. The
// compare-and-swap guarantees exactly one clear signal per interruption.
func (o *Orchestrator) bargeIn() {
	if !o.cfg.Agent.AllowInterruptions {
		return
	}
	if !o.state.CompareAndSwap(int32(StateSpeaking), int32(StateListening)) {
		return
	}
	o.genID.Add(1)
	o.send(ClearEvent{})
	o.send(StateEvent{State: StateListening})
}

// setStateIfCurrent transitions state only when the generation has not been
// interrupted, so a barge-in's Listening state is never clobbered by the
// abandoned turn winding down.
func (o *Orchestrator) setStateIfCurrent(gen int64, s State) {
	if o.genID.Load() != gen {
		return
	}
	o.setState(s)
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) != s {
		o.send(StateEvent{State: s})
	}
}

// stageFailure reports a recovered mid-call error. The pipeline degrades
// and continues; only startup failures end the session.
func (o *Orchestrator) stageFailure(stage string, err error) {
	o.deps.Logger.Warn("session: stage failure",
		zap.String("call_id", o.cfg.CallID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	o.send(StageErrorEvent{Stage: stage, Err: err})
}

// send enqueues an event without ever blocking the conversation loop; a
// slow consumer loses events rather than stalling the call.
func (o *Orchestrator) send(e Event) {
	if o.stopped.Load() {
		return
	}
	select {
	case o.events <- e:
	default:
		o.deps.Logger.Debug("session: event dropped", zap.String("call_id", o.cfg.CallID))
	}
}
