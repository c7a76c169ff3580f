package model

import "time"

// FeedbackKind is the sentiment attached to an Interaction by a user.
type FeedbackKind string

const (
	FeedbackPositive FeedbackKind = "positive"
	FeedbackNegative FeedbackKind = "negative"
)

// Feedback is appended to an Interaction via Tracker.Update; it is never
// present on a freshly tracked Interaction.
type Feedback struct {
	Kind       FeedbackKind `json:"kind"`
	Comment    *string      `json:"comment,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Interaction is one recorded (user input, AI output) pair, created once by
// Tracker.Track and optionally updated once by Tracker.Update.
type Interaction struct {
	InteractionID     string            `json:"interaction_id"`
	UserID            string            `json:"user_id"`
	SessionID         *string           `json:"session_id,omitempty"`
	ServiceName       string            `json:"service_name"`
	UserInput         *string           `json:"user_input,omitempty"`
	AIOutput          string            `json:"ai_output"`
	Timestamp         time.Time         `json:"timestamp"`
	Feedback          *Feedback         `json:"feedback,omitempty"`
	Context           map[string]string `json:"context"`
	ResponseTimeSecs  *float64          `json:"response_time_seconds,omitempty"`

	// PrevHash/Hash form the tamper-evident chain across this interaction's
	// track+update pair.
	PrevHash string `json:"-"`
	Hash     string `json:"-"`
}
