// Package transport bridges media-stream WebSocket connections to call
// sessions. The wire protocol is the Twilio Media Streams JSON framing:
// inbound start/media/mark/stop events, outbound media/mark/clear.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// Envelope is the inbound frame. Exactly one payload field is set,
// matching the Event discriminator.
type Envelope struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
}

// StartPayload opens a stream: it binds the WebSocket to a call and carries
// the custom parameters (agent id, account id) set when the call was placed.
type StartPayload struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  MediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

// MediaFormat describes the audio codec negotiated for the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64-encoded audio frame.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Audio decodes the base64 payload.
func (m *MediaPayload) Audio() ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return audio, nil
}

// MarkPayload echoes a previously sent mark once its audio finished playing.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload closes the stream.
type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// ParseEnvelope decodes one inbound frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode media frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("media frame missing event")
	}
	return &env, nil
}

// Outbound frames. These are built as plain maps so the encoder emits only
// the fields the peer expects per event type.

// MediaFrame wraps synthesized audio for transmission.
func MediaFrame(streamSID string, audio []byte) map[string]any {
	return map[string]any{
		"event":     EventMedia,
		"streamSid": streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	}
}

// MarkFrame requests a playback notification for the named checkpoint.
func MarkFrame(streamSID, name string) map[string]any {
	return map[string]any{
		"event":     EventMark,
		"streamSid": streamSID,
		"mark": map[string]string{
			"name": name,
		},
	}
}

// ClearFrame discards all audio buffered on the peer. Sent on barge-in.
func ClearFrame(streamSID string) map[string]any {
	return map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
	}
}
