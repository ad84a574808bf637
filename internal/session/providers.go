package session

import (
	"context"

	"github.com/acme/voice-agent-platform/internal/domain"
)

// AudioFormat describes the inbound media framing negotiated by the
// transport.
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// RecognitionResult is one event from the recognizer stream.
type RecognitionResult struct {
	Text         string
	IsFinal      bool
	Confidence   float64
	UtteranceEnd bool
	Err          error
}

// RecognizerStream is an open speech-recognition connection for one call.
type RecognizerStream interface {
	// Send forwards one raw audio frame. It must not block beyond the
	// recognizer client's own buffering.
	Send(frame []byte) error
	// Results yields transcript fragments, utterance boundaries and errors
	// in arrival order. The channel closes when the stream closes.
	Results() <-chan RecognitionResult
	Close() error
}

// Recognizer opens streaming speech-recognition connections.
type Recognizer interface {
	OpenStream(ctx context.Context, format AudioFormat) (RecognizerStream, error)
}

// TokenStream is a pull-based stream of generated text. Next returns io.EOF
// when the stream is drained; Close abandons it early.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// Responder generates streamed replies from conversation history.
type Responder interface {
	StreamCompletion(ctx context.Context, systemPrompt string, history []domain.Turn) (TokenStream, error)
}

// Synthesizer converts one text segment to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice domain.VoiceConfig) ([]byte, error)
}
