package asr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/session"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// recognizerServer upgrades one connection and replays scripted transcript
// messages after the first audio frame arrives.
func recognizerServer(t *testing.T, script []string, gotFrames chan<- []byte, gotQuery chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("authorization header = %q", got)
		}
		if gotQuery != nil {
			gotQuery <- r.URL.RawQuery
		}

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && strings.Contains(string(data), "CloseStream") {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if gotFrames != nil {
				gotFrames <- data
			}
			for _, msg := range script {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
			script = nil
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextResult(t *testing.T, st session.RecognizerStream) session.RecognitionResult {
	t.Helper()
	select {
	case res, ok := <-st.Results():
		if !ok {
			t.Fatal("results channel closed early")
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recognition result")
	}
	return session.RecognitionResult{}
}

func TestOpenStreamNegotiatesFormat(t *testing.T) {
	queries := make(chan string, 1)
	srv := recognizerServer(t, nil, nil, queries)
	defer srv.Close()

	client, err := NewClient(config.ASRConfig{URL: wsURL(srv), APIKey: "test-key", Model: "test-model", UtteranceEndMs: 800}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	st, err := client.OpenStream(context.Background(), session.AudioFormat{Encoding: "mulaw", SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	query := <-queries
	for _, want := range []string{"model=test-model", "encoding=mulaw", "sample_rate=8000", "channels=1", "utterance_end_ms=800", "interim_results=true"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}
}

func TestStreamDeliversTranscriptsAndBoundary(t *testing.T) {
	script := []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.93}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"UtteranceEnd"}`,
	}
	frames := make(chan []byte, 1)
	srv := recognizerServer(t, script, frames, nil)
	defer srv.Close()

	client, err := NewClient(config.ASRConfig{URL: wsURL(srv), APIKey: "test-key"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	st, err := client.OpenStream(context.Background(), session.AudioFormat{Encoding: "mulaw", SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	if err := st.Send([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := <-frames; len(got) != 3 {
		t.Errorf("server received frame of %d bytes", len(got))
	}

	interim := nextResult(t, st)
	if interim.Text != "hel" || interim.IsFinal {
		t.Errorf("interim = %+v", interim)
	}

	final := nextResult(t, st)
	if final.Text != "hello there" || !final.IsFinal || final.Confidence != 0.93 {
		t.Errorf("final = %+v", final)
	}

	// The empty-transcript result is dropped; next event is the boundary.
	boundary := nextResult(t, st)
	if !boundary.UtteranceEnd {
		t.Errorf("expected utterance end, got %+v", boundary)
	}
}

func TestCloseEndsResultStream(t *testing.T) {
	srv := recognizerServer(t, nil, nil, nil)
	defer srv.Close()

	client, err := NewClient(config.ASRConfig{URL: wsURL(srv), APIKey: "test-key"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	st, err := client.OpenStream(context.Background(), session.AudioFormat{Encoding: "mulaw", SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-st.Results():
		if ok {
			// an error result may precede the close; drain once more
			if _, ok := <-st.Results(); ok {
				t.Fatal("results channel still open after Close")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("results channel not closed after Close")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(config.ASRConfig{}, nil); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
