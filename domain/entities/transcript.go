package entities

import (
	"strings"
	"time"
)

// RecognitionResult is one hypothesis produced by a speech recognizer.
// Offset is the end of the recognized audio relative to the start of the
// recognition stream that produced it.
type RecognitionResult struct {
	Text      string        `json:"text"`
	IsFinal   bool          `json:"is_final"`
	Offset    time.Duration `json:"offset"`
	Timestamp time.Time     `json:"timestamp"`
	SpeakerID string        `json:"speaker_id"`
}

// Blank reports whether the result carries no text worth showing
func (r RecognitionResult) Blank() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Utterance is a finalized entry of the meeting Q&A transcript
type Utterance struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Speaker   string    `json:"speaker" bson:"speaker"`
	Text      string    `json:"text" bson:"text"`
}

// ParticipantState tracks a connected participant's microphone
type ParticipantState struct {
	ClientID  string `json:"id"`
	MicOn     bool   `json:"status"`
	Connected bool   `json:"connected"`
}
