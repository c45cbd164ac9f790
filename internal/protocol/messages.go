package protocol

import "time"

// Transcript is broadcast on the bus whenever the assembled text changes.
type Transcript struct {
	SessionID   string    `json:"session_id"`
	Mode        string    `json:"mode"`
	Text        string    `json:"text"`
	DisplayText string    `json:"display_text"`
	Partial     bool      `json:"partial"`
	Segment     int       `json:"segment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// StateChange is broadcast when the connection or recording state moves.
type StateChange struct {
	SessionID string    `json:"session_id,omitempty"`
	Scope     string    `json:"scope"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "asr.text.partial"
	SubjectTranscriptFinal   = "asr.text.final"
	SubjectStatePrefix       = "asr.state"
)
