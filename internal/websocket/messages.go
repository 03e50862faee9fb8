package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/rapat/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types
const (
	MessageTypeTranscript    MessageType = "transcript"
	MessageTypeMic           MessageType = "mic"
	MessageTypeMicStatus     MessageType = "mic_status"
	MessageTypeQnA           MessageType = "qna"
	MessageTypeMeetingStatus MessageType = "meeting_status"
	MessageTypeChat          MessageType = "chat"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeError         MessageType = "error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// TranscriptMessage carries an interim or final result of one speaker
type TranscriptMessage struct {
	BaseMessage
	SpeakerID string `json:"speakerId"`
	IsDone    bool   `json:"isDone"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Message   string `json:"message"`
}

// MicMessage is both the inbound mic toggle and the outbound mic change event
type MicMessage struct {
	BaseMessage
	ID     string `json:"id,omitempty"`
	Status *bool  `json:"status"`
}

// MicStatusMessage is the mic snapshot sent to a newly connected client
type MicStatusMessage struct {
	BaseMessage
	Statuses map[string]bool `json:"statuses"`
}

// QnAMessage is the transcript snapshot sent to a newly connected client
type QnAMessage struct {
	BaseMessage
	Items []entities.Utterance `json:"items"`
}

// MeetingStatusMessage announces a meeting phase change
type MeetingStatusMessage struct {
	BaseMessage
	Status string `json:"status"`
}

// ChatMessage is typed text entered by a participant. Only messages marked
// done are committed to the transcript.
type ChatMessage struct {
	BaseMessage
	Message string `json:"message"`
	IsDone  bool   `json:"isDone"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for inbound WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeMic:
		var msg MicMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid mic message: %w", err)
		}
		if msg.Status == nil {
			return nil, fmt.Errorf("status is required")
		}
		return &msg, nil

	case MessageTypeChat:
		var msg ChatMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat message: %w", err)
		}
		if msg.IsDone && strings.TrimSpace(msg.Message) == "" {
			return nil, fmt.Errorf("message is required")
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case "":
		return nil, fmt.Errorf("message missing type field")

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// NewTranscriptMessage builds the event for a recognition result
func NewTranscriptMessage(speakerID string, result entities.RecognitionResult) *TranscriptMessage {
	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &TranscriptMessage{
		BaseMessage: BaseMessage{Type: MessageTypeTranscript},
		SpeakerID:   speakerID,
		IsDone:      result.IsFinal,
		Timestamp:   ts.UnixMilli(),
		Message:     result.Text,
	}
}

// NewMicMessage builds a mic change event
func NewMicMessage(clientID string, on bool) *MicMessage {
	return &MicMessage{
		BaseMessage: BaseMessage{Type: MessageTypeMic},
		ID:          clientID,
		Status:      &on,
	}
}

// NewMeetingStatusMessage builds a meeting phase event
func NewMeetingStatusMessage(status string) *MeetingStatusMessage {
	return &MeetingStatusMessage{
		BaseMessage: BaseMessage{Type: MessageTypeMeetingStatus},
		Status:      status,
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{Type: MessageTypeError},
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: BaseMessage{Type: MessageTypePong},
		Data:        data,
	}
}
