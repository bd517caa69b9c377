// Package protocol defines the bus subjects and message shapes the
// engine exposes to a host application.
package protocol

import "time"

// SpeakRequest asks the engine to narrate the given surface fragments.
// Fragments carry the surface's addressable text-bearing units in
// document order.
type SpeakRequest struct {
	SessionID string         `json:"session_id"`
	Voice     string         `json:"voice,omitempty"`
	Fragments []FragmentText `json:"fragments"`
}

// FragmentText is one addressable unit of the host's rendering surface.
type FragmentText struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Control actions accepted on the control subject.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// ControlRequest drives a live narration session.
type ControlRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

// FragmentRegion addresses a highlightable slice of one fragment.
type FragmentRegion struct {
	FragmentID string `json:"fragment_id"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// HighlightEvent reports that a word was reached, carrying the
// coordinates the host surface should highlight. Clear instructs the
// host to remove any visible highlight instead; no further highlight
// events follow for the utterance.
type HighlightEvent struct {
	SessionID  string           `json:"session_id"`
	WordIndex  int              `json:"word_index"`
	CharOffset int              `json:"char_offset"`
	Length     int              `json:"length"`
	Clear      bool             `json:"clear,omitempty"`
	Regions    []FragmentRegion `json:"regions,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// StateEvent reports a session state transition.
type StateEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Progress  *float64  `json:"progress,omitempty"`
	Estimated bool      `json:"estimated_timing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports an utterance-fatal failure.
type ErrorEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeakRequest   = "narrate.session.speak"
	SubjectControlRequest = "narrate.session.control"
	SubjectWordHighlight  = "narrate.highlight.word"
	SubjectSessionState   = "narrate.session.state"
	SubjectSessionError   = "narrate.session.error"
)
