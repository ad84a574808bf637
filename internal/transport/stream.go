package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/session"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Notification channel names. The notifier scopes them per account.
const (
	ChannelTranscript  = "transcript"
	ChannelLatency     = "latency_metrics"
	ChannelCallStarted = "call_started"
	ChannelCallEnded   = "call_ended"
)

// SessionFactory builds a ready-to-start session for an opening stream. It
// resolves the agent profile named in the start frame's custom parameters.
type SessionFactory func(ctx context.Context, start StartPayload) (*session.Orchestrator, error)

// TranscriptStore persists a finished call's conversation history.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, callID string, accountID uuid.UUID, turns []domain.Turn) error
}

// Notifier fans session events out to observers. Implementations must be
// fire-and-forget: a slow or failed publish never blocks the caller.
type Notifier interface {
	Publish(ctx context.Context, accountID uuid.UUID, channel string, payload any)
}

// TranscriptNotice mirrors a transcript fragment to observers.
type TranscriptNotice struct {
	CallID string `json:"call_id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
	Final  bool   `json:"final"`
}

// LatencyNotice reports one turn's stage timings.
type LatencyNotice struct {
	CallID string                 `json:"call_id"`
	Stages session.StageDurations `json:"stages"`
}

// CallEndedNotice reports a finished call.
type CallEndedNotice struct {
	CallID   string `json:"call_id"`
	Turns    int    `json:"turns"`
	Duration string `json:"duration"`
}

// Handler accepts media-stream WebSocket connections and runs one call
// session per connection for its lifetime.
type Handler struct {
	registry *session.Registry
	factory  SessionFactory
	store    TranscriptStore
	notifier Notifier
	agg      *session.Aggregator
	log      *logger.Logger
	upgrader websocket.Upgrader

	saveTimeout time.Duration
}

// NewHandler wires the stream handler.
func NewHandler(cfg config.MediaConfig, registry *session.Registry, factory SessionFactory, store TranscriptStore, notifier Notifier, agg *session.Aggregator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	readBuf, writeBuf := cfg.ReadBufferSize, cfg.WriteBufferSize
	if readBuf <= 0 {
		readBuf = 4096
	}
	if writeBuf <= 0 {
		writeBuf = 4096
	}
	return &Handler{
		registry: registry,
		factory:  factory,
		store:    store,
		notifier: notifier,
		agg:      agg,
		log:      log.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		saveTimeout: 10 * time.Second,
	}
}

// ServeHTTP upgrades the connection and serves it until the stream stops or
// the socket drops. Both paths tear the session down the same way.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sc := &streamConn{handler: h, ws: ws, log: h.log}
	sc.run()
}

// streamConn is the per-connection state. The pump goroutine is the only
// writer on the socket; the run loop only reads.
type streamConn struct {
	handler *Handler
	ws      *websocket.Conn
	log     *logger.Logger

	sess      *session.Orchestrator
	streamSID string
	writeMu   sync.Mutex
	pumpDone  chan struct{}
	markSeq   int
}

func (sc *streamConn) run() {
	defer sc.finish()

	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.log.Debug("media socket read", zap.Error(err))
			}
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			sc.log.Debug("discarding malformed frame", zap.Error(err))
			continue
		}

		switch env.Event {
		case EventConnected:
			// Handshake preamble, nothing to do yet.

		case EventStart:
			if env.Start == nil {
				sc.log.Warn("start frame missing payload")
				return
			}
			if err := sc.begin(*env.Start); err != nil {
				sc.log.Error("session start rejected",
					zap.String("call_id", env.Start.CallSID), zap.Error(err))
				return
			}

		case EventMedia:
			if sc.sess == nil || env.Media == nil {
				continue
			}
			audio, err := env.Media.Audio()
			if err != nil {
				sc.log.Debug("bad media payload", zap.Error(err))
				continue
			}
			sc.sess.ProcessAudio(audio)

		case EventMark:
			// Playback checkpoint echo; useful when tracing audio delivery.
			if env.Mark != nil {
				sc.log.Debug("mark played", zap.String("name", env.Mark.Name))
			}

		case EventStop:
			return
		}
	}
}

// begin builds, starts and registers the session for the opening stream. A
// failure leaves nothing registered.
func (sc *streamConn) begin(start StartPayload) error {
	if sc.sess != nil {
		return fmt.Errorf("duplicate start frame on stream %s", start.StreamSID)
	}

	sess, err := sc.handler.factory(context.Background(), start)
	if err != nil {
		return err
	}
	if err := sess.Start(context.Background()); err != nil {
		// Startup failure is fatal for the call; the session is never
		// registered as active.
		return err
	}

	if err := sc.handler.registry.Add(sess); err != nil {
		sess.Stop()
		return err
	}

	sc.sess = sess
	sc.streamSID = start.StreamSID
	sc.pumpDone = make(chan struct{})
	go sc.pumpEvents()

	sc.handler.notifier.Publish(context.Background(), sess.AccountID(), ChannelCallStarted,
		map[string]string{"call_id": sess.CallID(), "stream_id": start.StreamSID})

	sc.log.Info("stream started",
		zap.String("call_id", sess.CallID()),
		zap.String("stream_id", start.StreamSID),
	)
	return nil
}

// pumpEvents translates session events into outbound frames and observer
// notifications until the session's event channel closes.
func (sc *streamConn) pumpEvents() {
	defer close(sc.pumpDone)
	sess := sc.sess
	ctx := context.Background()

	for e := range sess.Events() {
		switch ev := e.(type) {
		case session.AudioEvent:
			sc.writeFrame(MediaFrame(sc.streamSID, ev.Audio))
			sc.markSeq++
			sc.writeFrame(MarkFrame(sc.streamSID, fmt.Sprintf("seg-%d", sc.markSeq)))

		case session.ClearEvent:
			sc.writeFrame(ClearFrame(sc.streamSID))

		case session.TranscriptEvent:
			sc.handler.notifier.Publish(ctx, sess.AccountID(), ChannelTranscript, TranscriptNotice{
				CallID: sess.CallID(),
				Role:   string(ev.Role),
				Text:   ev.Text,
				Final:  ev.Final,
			})

		case session.LatencyEvent:
			if sc.handler.agg != nil {
				sc.handler.agg.Record(ev.Stages)
			}
			sc.handler.notifier.Publish(ctx, sess.AccountID(), ChannelLatency, LatencyNotice{
				CallID: sess.CallID(),
				Stages: ev.Stages,
			})

		case session.EndedEvent:
			sc.handler.notifier.Publish(ctx, sess.AccountID(), ChannelCallEnded, CallEndedNotice{
				CallID:   sess.CallID(),
				Turns:    ev.Turns,
				Duration: ev.Duration.Round(time.Millisecond).String(),
			})
		}
	}
}

func (sc *streamConn) writeFrame(frame map[string]any) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.ws.WriteJSON(frame); err != nil {
		sc.log.Debug("media socket write", zap.Error(err))
	}
}

// finish tears the session down exactly once: deregister, stop, persist the
// transcript, close the socket.
func (sc *streamConn) finish() {
	defer func() { _ = sc.ws.Close() }()

	sess := sc.sess
	if sess == nil {
		return
	}
	sc.handler.registry.Remove(sess.CallID())

	turns := sess.Stop()
	<-sc.pumpDone

	ctx, cancel := context.WithTimeout(context.Background(), sc.handler.saveTimeout)
	defer cancel()
	if err := sc.handler.store.SaveTranscript(ctx, sess.CallID(), sess.AccountID(), turns); err != nil {
		sc.log.Error("persist transcript",
			zap.String("call_id", sess.CallID()),
			zap.Int("turns", len(turns)),
			zap.Error(err),
		)
	}

	sc.log.Info("stream closed",
		zap.String("call_id", sess.CallID()),
		zap.Int("turns", len(turns)),
	)
}
