// Package llm provides a streaming chat-completion client speaking the
// OpenAI API shape.
package llm

import (
	"bufio"
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
	"github.com/acme/voice-agent-platform/internal/session"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient builds a client. The API key is required.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: %w: api key is required", apperrors.ErrValidation)
	}
	if cfg.URL == "" {
		cfg.URL = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamCompletion opens a server-sent-events completion for the given
// conversation. The returned stream yields content deltas.
func (c *Client) StreamCompletion(ctx context.Context, systemPrompt string, history []domain.Turn) (session.TokenStream, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: %w: request failed: %v", apperrors.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm: %w: status %d: %s", apperrors.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return &tokenStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

// tokenStream reads SSE lines off the response body on demand.
type tokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (t *tokenStream) Next() (string, error) {
	for t.scanner.Scan() {
		line := strings.TrimSpace(t.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("llm: decode chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			return choice.Delta.Content, nil
		}
		if choice.FinishReason != nil {
			return "", io.EOF
		}
	}
	if err := t.scanner.Err(); err != nil {
		return "", fmt.Errorf("llm: read stream: %w", err)
	}
	return "", io.EOF
}

func (t *tokenStream) Close() error {
	return t.body.Close()
}
