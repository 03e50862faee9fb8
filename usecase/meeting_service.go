package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/saga"
	"github.com/satriahrh/rapat/internal/transcript"
)

var (
	// ErrInvalidStatus is returned for an unknown meeting phase
	ErrInvalidStatus = errors.New("invalid meeting status")
	// ErrMeetingEnded is returned when ending a meeting that already ended
	ErrMeetingEnded = errors.New("meeting already ended")
	// ErrInvalidInput wraps request validation failures
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported is returned when the summarizer cannot categorize
	ErrUnsupported = errors.New("not supported by the configured model")
)

const endMeetingTimeout = 2 * time.Minute

// Saga data keys of the closing workflow
const (
	dataMeeting        = "meeting"
	dataPreviousStatus = "previous_status"
	dataSummary        = "summary"
	dataArchived       = "archived"
)

// Broadcaster is the part of the hub the meeting workflow talks to
type Broadcaster interface {
	AnnounceMeetingStatus(status entities.MeetingStatus)
	DrainTranscript() []entities.Utterance
}

// TranscriptSource exposes the live transcript
type TranscriptSource interface {
	Snapshot() []entities.Utterance
}

// MeetingDetail is a meeting with its roster
type MeetingDetail struct {
	Meeting   entities.Meeting    `json:"meeting"`
	Attendees []entities.Attendee `json:"attendees"`
}

// EndMeetingResult reports what closing a meeting produced
type EndMeetingResult struct {
	MeetingID string `json:"meeting_id"`
	Summary   string `json:"summary"`
	Archived  int    `json:"archived"`
}

// MeetingService handles the meeting lifecycle around the live transcript
type MeetingService struct {
	repo        repositories.MeetingRepository
	directory   repositories.SpeakerDirectory
	summarizer  repositories.Summarizer
	categorizer repositories.Categorizer
	live        TranscriptSource
	broadcaster Broadcaster
	sagas       *saga.Manager
	logger      *zap.Logger
	now         func() time.Time

	// archiveMu serializes checkpoints and the closing workflow. archived is
	// how many utterances of the live transcript are already persisted.
	archiveMu sync.Mutex
	archived  int

	endMu sync.Mutex
}

// NewMeetingService creates a new meeting service. directory may be nil.
func NewMeetingService(
	repo repositories.MeetingRepository,
	directory repositories.SpeakerDirectory,
	summarizer repositories.Summarizer,
	live TranscriptSource,
	broadcaster Broadcaster,
	logger *zap.Logger,
) *MeetingService {
	categorizer, _ := summarizer.(repositories.Categorizer)
	return &MeetingService{
		repo:        repo,
		directory:   directory,
		summarizer:  summarizer,
		categorizer: categorizer,
		live:        live,
		broadcaster: broadcaster,
		sagas:       saga.NewManager(logger),
		logger:      logger,
		now:         time.Now,
	}
}

// Reserve stores a new meeting with its roster
func (s *MeetingService) Reserve(ctx context.Context, meeting entities.Meeting, attendees []entities.Attendee) (*entities.Meeting, error) {
	if err := meeting.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for i := range attendees {
		if err := attendees[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: attendee %d: %v", ErrInvalidInput, i, err)
		}
	}

	meeting.ID = ""
	meeting.Status = entities.MeetingStatusReserved
	meeting.Summary = ""
	if err := s.repo.Create(ctx, &meeting, attendees); err != nil {
		return nil, fmt.Errorf("failed to reserve meeting: %w", err)
	}

	s.logger.Info("Meeting reserved",
		zap.String("meetingID", meeting.ID),
		zap.Int("attendees", len(attendees)))
	return &meeting, nil
}

// Detail returns the current meeting and its roster
func (s *MeetingService) Detail(ctx context.Context) (*MeetingDetail, error) {
	meeting, err := s.repo.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	attendees, err := s.repo.ListAttendees(ctx, meeting.ID)
	if err != nil {
		return nil, err
	}
	return &MeetingDetail{Meeting: *meeting, Attendees: attendees}, nil
}

// UpdateStatus moves the current meeting to status and tells every socket
func (s *MeetingService) UpdateStatus(ctx context.Context, status entities.MeetingStatus) (*entities.Meeting, error) {
	if !entities.ValidMeetingStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	meeting, err := s.repo.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, meeting.ID, status); err != nil {
		return nil, err
	}
	meeting.Status = status

	s.broadcaster.AnnounceMeetingStatus(status)
	s.logger.Info("Meeting status updated",
		zap.String("meetingID", meeting.ID),
		zap.String("status", string(status)))
	return meeting, nil
}

// Attend records that name joined the current meeting speaking as clientID
func (s *MeetingService) Attend(ctx context.Context, name, clientID string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	meeting, err := s.repo.GetLatest(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.MarkAttendance(ctx, meeting.ID, name, clientID, s.now()); err != nil {
		return err
	}

	s.logger.Info("Attendance recorded",
		zap.String("meetingID", meeting.ID),
		zap.String("clientID", clientID))
	return nil
}

// Summarize summarizes an explicit dialogue
func (s *MeetingService) Summarize(ctx context.Context, dialogue []entities.Utterance) (string, error) {
	if len(dialogue) == 0 {
		return "", fmt.Errorf("%w: dialogue is empty", ErrInvalidInput)
	}
	return s.summarizer.Summarize(ctx, dialogue)
}

// Categorize files an explicit dialogue under one topic
func (s *MeetingService) Categorize(ctx context.Context, dialogue []entities.Utterance) (string, error) {
	if s.categorizer == nil {
		return "", ErrUnsupported
	}
	if len(dialogue) == 0 {
		return "", fmt.Errorf("%w: dialogue is empty", ErrInvalidInput)
	}
	return s.categorizer.Categorize(ctx, dialogue)
}

// Transcript returns the live transcript with speaker names resolved. Once
// the meeting is closed and the live transcript drained, the archive is
// returned instead.
func (s *MeetingService) Transcript(ctx context.Context) ([]entities.Utterance, error) {
	snapshot := s.live.Snapshot()
	if len(snapshot) > 0 {
		return transcript.Resolve(ctx, snapshot, s.directory, s.logger), nil
	}

	meeting, err := s.repo.GetLatest(ctx)
	if errors.Is(err, repositories.ErrNotFound) {
		return []entities.Utterance{}, nil
	}
	if err != nil {
		return nil, err
	}
	if meeting.Status != entities.MeetingStatusEnded {
		return []entities.Utterance{}, nil
	}
	return s.repo.ListUtterances(ctx, meeting.ID)
}

// Checkpoint persists utterances committed since the last checkpoint
func (s *MeetingService) Checkpoint(ctx context.Context) (int, error) {
	meeting, err := s.repo.GetLatest(ctx)
	if errors.Is(err, repositories.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if meeting.Status == entities.MeetingStatusEnded {
		return 0, nil
	}

	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()
	return s.archivePendingLocked(ctx, meeting.ID, s.live.Snapshot())
}

// archivePendingLocked stores the part of items past the archive cursor
func (s *MeetingService) archivePendingLocked(ctx context.Context, meetingID string, items []entities.Utterance) (int, error) {
	if s.archived > len(items) {
		s.archived = 0
	}
	pending := items[s.archived:]
	if len(pending) == 0 {
		return 0, nil
	}

	resolved := transcript.Resolve(ctx, pending, s.directory, s.logger)
	if err := s.repo.AppendUtterances(ctx, meetingID, resolved); err != nil {
		return 0, fmt.Errorf("failed to archive transcript: %w", err)
	}
	s.archived = len(items)
	return len(pending), nil
}

// EndMeeting closes the current meeting: mark it ended, archive the
// transcript, summarize and store the summary, then clear the live
// transcript. If a step fails the meeting goes back to its previous phase.
func (s *MeetingService) EndMeeting(ctx context.Context) (*EndMeetingResult, error) {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	meeting, err := s.repo.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	if meeting.Status == entities.MeetingStatusEnded {
		return nil, ErrMeetingEnded
	}

	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	data := saga.SagaData{
		dataMeeting:        meeting,
		dataPreviousStatus: meeting.Status,
		dataArchived:       0,
	}
	instance, err := s.sagas.Run(ctx, s.closingSaga(meeting.ID), data)
	if err != nil {
		s.logger.Error("Failed to end meeting",
			zap.String("meetingID", meeting.ID),
			zap.String("sagaID", string(instance.ID)),
			zap.Error(err))
		return nil, err
	}

	summary, _ := data[dataSummary].(string)
	archived, _ := data[dataArchived].(int)
	s.logger.Info("Meeting ended",
		zap.String("meetingID", meeting.ID),
		zap.Int("archived", archived))

	return &EndMeetingResult{MeetingID: meeting.ID, Summary: summary, Archived: archived}, nil
}

// closingSaga must run with archiveMu held
func (s *MeetingService) closingSaga(meetingID string) saga.Definition {
	return saga.Definition{
		Name:      "end_meeting",
		TimeLimit: endMeetingTimeout,
		StepList: []saga.Step{
			saga.FuncStep{
				StepID: "mark_ended",
				ExecuteFn: func(ctx context.Context, data saga.SagaData) (interface{}, error) {
					if err := s.repo.UpdateStatus(ctx, meetingID, entities.MeetingStatusEnded); err != nil {
						return nil, err
					}
					s.broadcaster.AnnounceMeetingStatus(entities.MeetingStatusEnded)
					return nil, nil
				},
				CompensateFn: func(ctx context.Context, data saga.SagaData) error {
					prev, _ := data[dataPreviousStatus].(entities.MeetingStatus)
					if err := s.repo.UpdateStatus(ctx, meetingID, prev); err != nil {
						return err
					}
					s.broadcaster.AnnounceMeetingStatus(prev)
					return nil
				},
			},
			saga.FuncStep{
				StepID: "archive_transcript",
				ExecuteFn: func(ctx context.Context, data saga.SagaData) (interface{}, error) {
					n, err := s.archivePendingLocked(ctx, meetingID, s.live.Snapshot())
					if err != nil {
						return nil, err
					}
					data[dataArchived] = n
					return n, nil
				},
			},
			saga.FuncStep{
				StepID: "summarize",
				ExecuteFn: func(ctx context.Context, data saga.SagaData) (interface{}, error) {
					dialogue, err := s.repo.ListUtterances(ctx, meetingID)
					if err != nil {
						return nil, err
					}
					if len(dialogue) == 0 {
						data[dataSummary] = ""
						return nil, nil
					}
					summary, err := s.summarizer.Summarize(ctx, dialogue)
					if err != nil {
						return nil, err
					}
					data[dataSummary] = summary
					return len(summary), nil
				},
			},
			saga.FuncStep{
				StepID: "store_summary",
				ExecuteFn: func(ctx context.Context, data saga.SagaData) (interface{}, error) {
					summary, _ := data[dataSummary].(string)
					if summary == "" {
						return nil, nil
					}
					return nil, s.repo.SaveSummary(ctx, meetingID, summary)
				},
			},
			saga.FuncStep{
				StepID: "clear_transcript",
				ExecuteFn: func(ctx context.Context, data saga.SagaData) (interface{}, error) {
					drained := s.broadcaster.DrainTranscript()
					// commits that landed after the archive step
					if s.archived < len(drained) {
						late := transcript.Resolve(ctx, drained[s.archived:], s.directory, s.logger)
						if err := s.repo.AppendUtterances(ctx, meetingID, late); err != nil {
							s.logger.Warn("Late utterances not archived",
								zap.Int("count", len(late)),
								zap.Error(err))
						}
					}
					s.archived = 0
					return len(drained), nil
				},
			},
		},
	}
}
