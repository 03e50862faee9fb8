package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
)

// MeetingRepository is an in-memory implementation of MeetingRepository and
// SpeakerDirectory, used when no database is configured
type MeetingRepository struct {
	mu        sync.RWMutex
	meetings  map[string]*entities.Meeting    // id -> meeting
	order     []string                        // meeting ids by creation
	attendees map[string][]*entities.Attendee // meeting id -> roster
	qna       map[string][]entities.Utterance // meeting id -> archive
	speakers  map[string]string               // client id -> attendee name
	now       func() time.Time
}

var (
	_ repositories.MeetingRepository = (*MeetingRepository)(nil)
	_ repositories.SpeakerDirectory  = (*MeetingRepository)(nil)
)

// NewMeetingRepository creates a new in-memory meeting repository
func NewMeetingRepository() *MeetingRepository {
	return &MeetingRepository{
		meetings:  make(map[string]*entities.Meeting),
		attendees: make(map[string][]*entities.Attendee),
		qna:       make(map[string][]entities.Utterance),
		speakers:  make(map[string]string),
		now:       time.Now,
	}
}

// Create implements MeetingRepository interface
func (m *MeetingRepository) Create(ctx context.Context, meeting *entities.Meeting, attendees []entities.Attendee) error {
	if meeting == nil {
		return errors.New("meeting cannot be nil")
	}
	if err := meeting.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if meeting.ID == "" {
		meeting.ID = uuid.New().String()
	}
	if _, exists := m.meetings[meeting.ID]; exists {
		return errors.New("meeting with this id already exists")
	}
	if meeting.Status == "" {
		meeting.Status = entities.MeetingStatusReserved
	}
	now := m.now()
	meeting.CreatedAt = now
	meeting.UpdatedAt = now

	meetingCopy := *meeting
	m.meetings[meeting.ID] = &meetingCopy
	m.order = append(m.order, meeting.ID)

	roster := make([]*entities.Attendee, 0, len(attendees))
	for _, a := range attendees {
		a := a
		a.MeetingID = meeting.ID
		roster = append(roster, &a)
	}
	m.attendees[meeting.ID] = roster

	return nil
}

// GetLatest implements MeetingRepository interface
func (m *MeetingRepository) GetLatest(ctx context.Context) (*entities.Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.order) == 0 {
		return nil, repositories.ErrNotFound
	}

	meetingCopy := *m.meetings[m.order[len(m.order)-1]]
	return &meetingCopy, nil
}

// ListAttendees implements MeetingRepository interface
func (m *MeetingRepository) ListAttendees(ctx context.Context, meetingID string) ([]entities.Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.meetings[meetingID]; !exists {
		return nil, repositories.ErrNotFound
	}

	roster := m.attendees[meetingID]
	result := make([]entities.Attendee, len(roster))
	for i, a := range roster {
		result[i] = *a
	}
	return result, nil
}

// UpdateStatus implements MeetingRepository interface
func (m *MeetingRepository) UpdateStatus(ctx context.Context, meetingID string, status entities.MeetingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meeting, exists := m.meetings[meetingID]
	if !exists {
		return repositories.ErrNotFound
	}
	meeting.Status = status
	meeting.UpdatedAt = m.now()
	return nil
}

// SaveSummary implements MeetingRepository interface
func (m *MeetingRepository) SaveSummary(ctx context.Context, meetingID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meeting, exists := m.meetings[meetingID]
	if !exists {
		return repositories.ErrNotFound
	}
	meeting.Summary = summary
	meeting.UpdatedAt = m.now()
	return nil
}

// MarkAttendance implements MeetingRepository interface
func (m *MeetingRepository) MarkAttendance(ctx context.Context, meetingID, name, clientID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attendees[meetingID] {
		if a.Name != name {
			continue
		}
		a.Attended = true
		a.ClientID = clientID
		if a.FirstAttendedAt == nil {
			t := at
			a.FirstAttendedAt = &t
		}
		if clientID != "" {
			m.speakers[clientID] = name
		}
		return nil
	}

	return repositories.ErrNotFound
}

// AppendUtterances implements MeetingRepository interface
func (m *MeetingRepository) AppendUtterances(ctx context.Context, meetingID string, utterances []entities.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.meetings[meetingID]; !exists {
		return repositories.ErrNotFound
	}
	m.qna[meetingID] = append(m.qna[meetingID], utterances...)
	return nil
}

// ListUtterances implements MeetingRepository interface
func (m *MeetingRepository) ListUtterances(ctx context.Context, meetingID string) ([]entities.Utterance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.meetings[meetingID]; !exists {
		return nil, repositories.ErrNotFound
	}
	return append([]entities.Utterance(nil), m.qna[meetingID]...), nil
}

// DisplayName implements SpeakerDirectory interface
func (m *MeetingRepository) DisplayName(ctx context.Context, speakerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, exists := m.speakers[speakerID]
	if !exists {
		return "", repositories.ErrNotFound
	}
	return name, nil
}
