package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
)

const (
	meetingsCollection  = "meetings"
	attendeesCollection = "attendees"
	qnaCollection       = "qna"
)

type utteranceDocument struct {
	MeetingID string    `bson:"meeting_id"`
	Timestamp time.Time `bson:"timestamp"`
	Speaker   string    `bson:"speaker"`
	Text      string    `bson:"text"`
}

// MeetingRepository implements MeetingRepository and SpeakerDirectory using MongoDB
type MeetingRepository struct {
	meetings  *mongo.Collection
	attendees *mongo.Collection
	qna       *mongo.Collection
	logger    *zap.Logger
	now       func() time.Time
}

var (
	_ repositories.MeetingRepository = (*MeetingRepository)(nil)
	_ repositories.SpeakerDirectory  = (*MeetingRepository)(nil)
)

// NewMeetingRepository creates a new MongoDB meeting repository
func NewMeetingRepository(db *mongo.Database, logger *zap.Logger) *MeetingRepository {
	r := &MeetingRepository{
		meetings:  db.Collection(meetingsCollection),
		attendees: db.Collection(attendeesCollection),
		qna:       db.Collection(qnaCollection),
		logger:    logger,
		now:       time.Now,
	}

	go r.ensureIndexes()

	return r
}

func (r *MeetingRepository) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.meetings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	}); err != nil {
		r.logger.Error("Failed to create meeting indexes", zap.Error(err))
	}

	if _, err := r.attendees.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "meeting_id", Value: 1}, {Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "client_id", Value: 1}}},
	}); err != nil {
		r.logger.Error("Failed to create attendee indexes", zap.Error(err))
	}

	if _, err := r.qna.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "meeting_id", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		r.logger.Error("Failed to create qna indexes", zap.Error(err))
	}
}

// Create stores a meeting and its roster
func (r *MeetingRepository) Create(ctx context.Context, meeting *entities.Meeting, attendees []entities.Attendee) error {
	if meeting == nil {
		return errors.New("meeting cannot be nil")
	}
	if err := meeting.Validate(); err != nil {
		return err
	}

	now := r.now()
	if meeting.ID == "" {
		meeting.ID = uuid.New().String()
	}
	if meeting.Status == "" {
		meeting.Status = entities.MeetingStatusReserved
	}
	meeting.CreatedAt = now
	meeting.UpdatedAt = now

	if _, err := r.meetings.InsertOne(ctx, meeting); err != nil {
		return fmt.Errorf("failed to create meeting: %w", err)
	}

	if len(attendees) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(attendees))
	for _, a := range attendees {
		a.MeetingID = meeting.ID
		docs = append(docs, a)
	}
	if _, err := r.attendees.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to store attendees: %w", err)
	}

	return nil
}

// GetLatest returns the most recently reserved meeting
func (r *MeetingRepository) GetLatest(ctx context.Context) (*entities.Meeting, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var meeting entities.Meeting
	if err := r.meetings.FindOne(ctx, bson.M{}, opts).Decode(&meeting); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest meeting: %w", err)
	}

	return &meeting, nil
}

// ListAttendees returns the roster of a meeting
func (r *MeetingRepository) ListAttendees(ctx context.Context, meetingID string) ([]entities.Attendee, error) {
	cursor, err := r.attendees.Find(ctx, bson.M{"meeting_id": meetingID})
	if err != nil {
		return nil, fmt.Errorf("failed to list attendees: %w", err)
	}
	defer cursor.Close(ctx)

	attendees := []entities.Attendee{}
	if err := cursor.All(ctx, &attendees); err != nil {
		return nil, fmt.Errorf("failed to decode attendees: %w", err)
	}

	return attendees, nil
}

// UpdateStatus moves a meeting to another phase
func (r *MeetingRepository) UpdateStatus(ctx context.Context, meetingID string, status entities.MeetingStatus) error {
	return r.updateMeeting(ctx, meetingID, bson.M{"status": status})
}

// SaveSummary stores the generated summary on the meeting
func (r *MeetingRepository) SaveSummary(ctx context.Context, meetingID, summary string) error {
	return r.updateMeeting(ctx, meetingID, bson.M{"summary": summary})
}

func (r *MeetingRepository) updateMeeting(ctx context.Context, meetingID string, set bson.M) error {
	set["updated_at"] = r.now()

	result, err := r.meetings.UpdateOne(ctx, bson.M{"_id": meetingID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrNotFound
	}

	return nil
}

// MarkAttendance records that an attendee joined and which client id they speak as
func (r *MeetingRepository) MarkAttendance(ctx context.Context, meetingID, name, clientID string, at time.Time) error {
	filter := bson.M{"meeting_id": meetingID, "name": name}

	result, err := r.attendees.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"client_id":         clientID,
		"attendance_status": true,
	}})
	if err != nil {
		return fmt.Errorf("failed to mark attendance: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrNotFound
	}

	// Only the first arrival is kept
	filter["initial_attendance_time"] = bson.M{"$exists": false}
	if _, err := r.attendees.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"initial_attendance_time": at,
	}}); err != nil {
		return fmt.Errorf("failed to record attendance time: %w", err)
	}

	return nil
}

// AppendUtterances archives finalized Q&A entries of a meeting
func (r *MeetingRepository) AppendUtterances(ctx context.Context, meetingID string, utterances []entities.Utterance) error {
	if len(utterances) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(utterances))
	for _, u := range utterances {
		docs = append(docs, utteranceDocument{
			MeetingID: meetingID,
			Timestamp: u.Timestamp,
			Speaker:   u.Speaker,
			Text:      u.Text,
		})
	}

	// Ordered so that a partial failure keeps a prefix of the transcript
	if _, err := r.qna.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("failed to archive utterances: %w", err)
	}

	return nil
}

// ListUtterances returns the archived Q&A of a meeting in spoken order
func (r *MeetingRepository) ListUtterances(ctx context.Context, meetingID string) ([]entities.Utterance, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := r.qna.Find(ctx, bson.M{"meeting_id": meetingID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list utterances: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []utteranceDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode utterances: %w", err)
	}

	utterances := make([]entities.Utterance, 0, len(docs))
	for _, d := range docs {
		utterances = append(utterances, entities.Utterance{Timestamp: d.Timestamp, Speaker: d.Speaker, Text: d.Text})
	}
	return utterances, nil
}

// DisplayName resolves a client id to the name of the attendee who most recently joined with it
func (r *MeetingRepository) DisplayName(ctx context.Context, speakerID string) (string, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "initial_attendance_time", Value: -1}})

	var attendee entities.Attendee
	if err := r.attendees.FindOne(ctx, bson.M{"client_id": speakerID}, opts).Decode(&attendee); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", repositories.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve speaker %s: %w", speakerID, err)
	}

	return attendee.Name, nil
}
