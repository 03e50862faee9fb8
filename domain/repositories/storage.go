package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/rapat/domain/entities"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// MeetingRepository defines durable storage for meetings and their records
type MeetingRepository interface {
	Create(ctx context.Context, meeting *entities.Meeting, attendees []entities.Attendee) error
	GetLatest(ctx context.Context) (*entities.Meeting, error)
	ListAttendees(ctx context.Context, meetingID string) ([]entities.Attendee, error)
	UpdateStatus(ctx context.Context, meetingID string, status entities.MeetingStatus) error
	// MarkAttendance records that an attendee joined and which client id they speak as
	MarkAttendance(ctx context.Context, meetingID, name, clientID string, at time.Time) error
	AppendUtterances(ctx context.Context, meetingID string, utterances []entities.Utterance) error
	ListUtterances(ctx context.Context, meetingID string) ([]entities.Utterance, error)
	SaveSummary(ctx context.Context, meetingID, summary string) error
}

// SpeakerDirectory resolves raw speaker ids to display names
type SpeakerDirectory interface {
	DisplayName(ctx context.Context, speakerID string) (string, error)
}
