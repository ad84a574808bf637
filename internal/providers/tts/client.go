// Package tts provides a speech-synthesis client speaking the ElevenLabs
// API shape.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

// Client converts text segments to audio via an ElevenLabs-compatible
// endpoint.
type Client struct {
	cfg    config.TTSConfig
	client *http.Client
}

// NewClient builds a client. The API key is required.
func NewClient(cfg config.TTSConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tts: %w: api key is required", apperrors.ErrValidation)
	}
	if cfg.URL == "" {
		cfg.URL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_turbo_v2_5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize renders one text segment with the given voice. The response
// body is the raw audio in the requested output format.
func (c *Client) Synthesize(ctx context.Context, text string, voice domain.VoiceConfig) ([]byte, error) {
	body, err := json.Marshal(synthesisRequest{Text: text, ModelID: c.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		strings.TrimRight(c.cfg.URL, "/"), voice.VoiceID, outputFormat(voice))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: %w: request failed: %v", apperrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts: %w: status %d: %s", apperrors.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	return audio, nil
}

// outputFormat maps the session's negotiated media framing to the provider's
// output format name. Telephony streams use 8kHz mulaw.
func outputFormat(voice domain.VoiceConfig) string {
	switch voice.Encoding {
	case "mulaw", "audio/x-mulaw":
		return fmt.Sprintf("ulaw_%d", rate(voice, 8000))
	case "pcm", "linear16":
		return fmt.Sprintf("pcm_%d", rate(voice, 16000))
	default:
		return "ulaw_8000"
	}
}

func rate(voice domain.VoiceConfig, fallback int) int {
	if voice.SampleRate > 0 {
		return voice.SampleRate
	}
	return fallback
}
