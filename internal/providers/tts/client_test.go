package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

func TestSynthesizeReturnsAudio(t *testing.T) {
	audio := []byte{0x7f, 0x7f, 0xff, 0x00}
	var gotPath, gotKey, gotText, gotModel, gotFormat string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")

		var req synthesisRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotText, gotModel = req.Text, req.ModelID

		w.Write(audio)
	}))
	defer srv.Close()

	client, err := NewClient(config.TTSConfig{URL: srv.URL, APIKey: "test-key", Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	voice := domain.VoiceConfig{VoiceID: "voice-a", SampleRate: 8000, Encoding: "mulaw"}
	got, err := client.Synthesize(context.Background(), "Good morning.", voice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio = %v, want %v", got, audio)
	}

	if gotPath != "/v1/text-to-speech/voice-a/stream" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotText != "Good morning." || gotModel != "test-model" {
		t.Errorf("request = text %q model %q", gotText, gotModel)
	}
	if gotFormat != "ulaw_8000" {
		t.Errorf("output_format = %q", gotFormat)
	}
}

func TestSynthesizeSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "voice not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(config.TTSConfig{URL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.Synthesize(context.Background(), "hello", domain.VoiceConfig{VoiceID: "x"}); !apperrors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestOutputFormatMapping(t *testing.T) {
	cases := []struct {
		voice domain.VoiceConfig
		want  string
	}{
		{domain.VoiceConfig{Encoding: "mulaw", SampleRate: 8000}, "ulaw_8000"},
		{domain.VoiceConfig{Encoding: "audio/x-mulaw"}, "ulaw_8000"},
		{domain.VoiceConfig{Encoding: "pcm", SampleRate: 24000}, "pcm_24000"},
		{domain.VoiceConfig{Encoding: "linear16"}, "pcm_16000"},
		{domain.VoiceConfig{}, "ulaw_8000"},
	}
	for _, tc := range cases {
		if got := outputFormat(tc.voice); got != tc.want {
			t.Errorf("outputFormat(%+v) = %q, want %q", tc.voice, got, tc.want)
		}
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(config.TTSConfig{}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
