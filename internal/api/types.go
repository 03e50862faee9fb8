package api

import (
	"time"

	"github.com/satriahrh/rapat/domain/entities"
)

// ReserveRequest represents the request payload for reserving a meeting
type ReserveRequest struct {
	Name      string              `json:"name"`
	StartTime time.Time           `json:"start_time"`
	EndTime   time.Time           `json:"end_time"`
	Room      string              `json:"room"`
	Subject   string              `json:"subject"`
	Topic     string              `json:"topic"`
	Attendees []entities.Attendee `json:"attendees"`
}

// AttendRequest represents the request payload for joining a meeting
type AttendRequest struct {
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
}

// UtteranceRequest is one dialogue line to summarize. Timestamp is unix seconds.
type UtteranceRequest struct {
	Timestamp int64  `json:"timestamp"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// SummaryResponse represents a generated summary
type SummaryResponse struct {
	Summary string `json:"summary"`
}

// CategoryResponse is the topic a dialogue was filed under
type CategoryResponse struct {
	Category string `json:"category"`
}

// TranscriptResponse represents the meeting transcript
type TranscriptResponse struct {
	Items []entities.Utterance `json:"items"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
