package turn

import (
	"time"
)

// State is the conversation's turn state. Exactly one is active at a time.
type State int

const (
	Idle State = iota
	UserSpeaking
	Thinking
	AgentSpeaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case Thinking:
		return "thinking"
	case AgentSpeaking:
		return "agent_speaking"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition reasons.
const (
	ReasonSpeechStarted    = "speech_started"
	ReasonBargeIn          = "barge_in"
	ReasonFinalTranscript  = "final_transcript"
	ReasonEmptyTranscript  = "empty_transcript"
	ReasonFirstAudio       = "first_audio"
	ReasonPlaybackComplete = "playback_complete"
	ReasonThinkingTimeout  = "thinking_timeout"
	ReasonReplyFailed      = "reply_failed"
	ReasonPlaybackStalled  = "playback_stalled"
	ReasonOpening          = "opening"
	ReasonFallback         = "fallback"
)

// Transition is one entry of the transition log.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}
