// Package asr provides a streaming speech-recognition client speaking the
// Deepgram live-transcription websocket protocol.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/session"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Client opens live-transcription streams against a Deepgram-compatible
// endpoint.
type Client struct {
	cfg    config.ASRConfig
	dialer *websocket.Dialer
	log    *logger.Logger
}

// NewClient builds a client. The API key is required.
func NewClient(cfg config.ASRConfig, log *logger.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("asr: %w: api key is required", apperrors.ErrValidation)
	}
	if cfg.URL == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.UtteranceEndMs <= 0 {
		cfg.UtteranceEndMs = 1000
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
		log: log,
	}, nil
}

// OpenStream dials the recognizer for one call's audio format.
func (c *Client) OpenStream(ctx context.Context, format session.AudioFormat) (session.RecognizerStream, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("asr: parse url: %w", err)
	}

	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("encoding", format.Encoding)
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(c.cfg.UtteranceEndMs))
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("asr: %w: dial failed with status %d: %v", apperrors.ErrUnavailable, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("asr: %w: dial failed: %v", apperrors.ErrUnavailable, err)
	}

	st := &stream{
		conn:    conn,
		results: make(chan session.RecognitionResult, 32),
		log:     c.log,
	}
	go st.readLoop()
	return st, nil
}

type stream struct {
	conn    *websocket.Conn
	results chan session.RecognitionResult
	log     *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// transcriptMessage is the wire shape of a live-transcription event.
type transcriptMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *stream) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("asr: send frame: %w", err)
	}
	return nil
}

func (s *stream) Results() <-chan session.RecognitionResult {
	return s.results
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		// Tell the recognizer to flush and finish before tearing down.
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// readLoop turns wire messages into recognition results until the connection
// drops. The results channel closes when the loop exits.
func (s *stream) readLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.results <- session.RecognitionResult{Err: fmt.Errorf("asr: read: %w", err)}
			}
			return
		}

		var msg transcriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("asr: malformed message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			s.results <- session.RecognitionResult{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal,
				Confidence: alt.Confidence,
			}
		case "UtteranceEnd":
			s.results <- session.RecognitionResult{UtteranceEnd: true}
		}
	}
}
