package entities

import (
	"errors"
	"strings"
	"time"
)

// MeetingStatus represents the phase a meeting is in
type MeetingStatus string

const (
	MeetingStatusReserved   MeetingStatus = "reserved"
	MeetingStatusInProgress MeetingStatus = "in_progress"
	MeetingStatusEnded      MeetingStatus = "ended"
)

// Meeting represents a reserved meeting
type Meeting struct {
	ID        string        `json:"id" bson:"_id"`
	Name      string        `json:"name" bson:"name"`
	StartTime time.Time     `json:"start_time" bson:"start_time"`
	EndTime   time.Time     `json:"end_time" bson:"end_time"`
	Room      string        `json:"room" bson:"room"`
	Subject   string        `json:"subject" bson:"subject"`
	Topic     string        `json:"topic" bson:"topic"`
	Status    MeetingStatus `json:"status" bson:"status"`
	Summary   string        `json:"summary,omitempty" bson:"summary,omitempty"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

// Attendee represents a person on the meeting roster
type Attendee struct {
	MeetingID       string     `json:"meeting_id" bson:"meeting_id"`
	Name            string     `json:"name" bson:"name"`
	Group           string     `json:"group" bson:"group"`
	Position        string     `json:"position" bson:"position"`
	Email           string     `json:"email_address" bson:"email_address"`
	Role            string     `json:"role" bson:"role"`
	ClientID        string     `json:"client_id,omitempty" bson:"client_id,omitempty"`
	Attended        bool       `json:"attendance_status" bson:"attendance_status"`
	FirstAttendedAt *time.Time `json:"initial_attendance_time,omitempty" bson:"initial_attendance_time,omitempty"`
}

// Domain validation methods
func (m *Meeting) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("name is required")
	}
	if !m.EndTime.IsZero() && m.EndTime.Before(m.StartTime) {
		return errors.New("end_time must not be before start_time")
	}
	return nil
}

func (a *Attendee) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("attendee name is required")
	}
	return nil
}

// ValidMeetingStatus reports whether s is a known meeting phase
func ValidMeetingStatus(s MeetingStatus) bool {
	switch s {
	case MeetingStatusReserved, MeetingStatusInProgress, MeetingStatusEnded:
		return true
	}
	return false
}
