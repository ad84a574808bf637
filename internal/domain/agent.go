package domain

import "github.com/google/uuid"

// VoiceConfig selects the synthesis voice for an agent.
type VoiceConfig struct {
	VoiceID    string
	SampleRate int
	Encoding   string
}

// AgentProfile is the conversational configuration snapshot bound to a call
// session for its lifetime.
type AgentProfile struct {
	ID                 uuid.UUID
	AccountID          uuid.UUID
	Name               string
	SystemPrompt       string
	Greeting           string
	Voice              VoiceConfig
	AllowInterruptions bool
	Active             bool
}
