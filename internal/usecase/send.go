package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicenote/internal/capture"
	"voicenote/internal/domain"
	"voicenote/internal/quota"
)

const defaultRetention = 72 * time.Hour

type QuotaCounter interface {
	Limit() int
	Remaining(ctx context.Context, userID, date string) (int, error)
	Consume(ctx context.Context, userID, date string) (quota.Grant, error)
}

type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type MessageStore interface {
	InsertMessage(ctx context.Context, msg domain.Message) error
	ListConversation(ctx context.Context, a, b string) ([]domain.Message, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// ArtifactSource is a capture session holding a finished recording.
type ArtifactSource interface {
	State() capture.State
	TakeArtifact() (capture.Artifact, error)
}

type SendService struct {
	quota     QuotaCounter
	objects   ObjectStore
	messages  MessageStore
	publisher Publisher
	now       func() time.Time
	loc       *time.Location
	retention time.Duration
	logger    *slog.Logger
}

type SendInput struct {
	SenderID        string
	ReceiverID      string
	Audio           []byte
	DurationSeconds int
	ContentType     string
}

type SendOutput struct {
	Message domain.Message
	// Remaining is the sender's quota left today after this send.
	Remaining int
}

type QuotaOutput struct {
	Limit     int
	Remaining int
	Date      string
}

type Option func(*SendService)

func WithClock(now func() time.Time) Option {
	return func(s *SendService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the timezone whose calendar days bound the quota.
func WithLocation(loc *time.Location) Option {
	return func(s *SendService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *SendService) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *SendService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSendService(q QuotaCounter, objects ObjectStore, messages MessageStore, publisher Publisher, opts ...Option) (*SendService, error) {
	if q == nil {
		return nil, errors.New("usecase: quota counter must not be nil")
	}
	if objects == nil {
		return nil, errors.New("usecase: object store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if publisher == nil {
		return nil, errors.New("usecase: publisher must not be nil")
	}
	s := &SendService{
		quota:     q,
		objects:   objects,
		messages:  messages,
		publisher: publisher,
		now:       time.Now,
		loc:       time.UTC,
		retention: defaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send delivers one voice note, spending one unit of the sender's daily quota.
// Once the unit is spent it is not returned, even if a later step fails.
func (s *SendService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	if err := validateParticipants(in.SenderID, in.ReceiverID); err != nil {
		return SendOutput{}, err
	}
	if len(in.Audio) == 0 {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_audio", nil)
	}
	if in.DurationSeconds < 0 {
		return SendOutput{}, newError(ErrorInvalidInput, "negative_duration", nil)
	}
	art := capture.Artifact{Data: in.Audio, DurationSeconds: in.DurationSeconds, ContentType: in.ContentType}
	return s.send(ctx, in.SenderID, in.ReceiverID, func() (capture.Artifact, error) { return art, nil })
}

// SendRecording sends the artifact held by src. The artifact is taken only
// after quota is granted, so a rejected send leaves the recording in place.
func (s *SendService) SendRecording(ctx context.Context, src ArtifactSource, senderID, receiverID string) (SendOutput, error) {
	if src == nil || src.State() != capture.Ready {
		return SendOutput{}, newError(ErrorNoArtifactAvailable, "no_recording", capture.ErrNoArtifactAvailable)
	}
	if err := validateParticipants(senderID, receiverID); err != nil {
		return SendOutput{}, err
	}
	return s.send(ctx, senderID, receiverID, src.TakeArtifact)
}

func (s *SendService) send(ctx context.Context, senderID, receiverID string, take func() (capture.Artifact, error)) (SendOutput, error) {
	now := s.now()
	date := domain.DayKey(now, s.loc)
	limit := s.quota.Limit()

	remaining, err := s.quota.Remaining(ctx, senderID, date)
	if err != nil {
		return SendOutput{}, newError(ErrorStore, "quota_read_error", err)
	}
	if remaining <= 0 {
		return SendOutput{}, quotaExceeded(0, limit)
	}

	grant, err := s.quota.Consume(ctx, senderID, date)
	if err != nil {
		return SendOutput{}, newError(ErrorStore, "quota_consume_error", err)
	}
	if !grant.Granted {
		return SendOutput{}, quotaExceeded(grant.Remaining, limit)
	}

	art, err := take()
	if err != nil {
		s.logger.Warn("quota unit spent without a recording", "sender", senderID, "date", date, "err", err)
		return SendOutput{}, newError(ErrorNoArtifactAvailable, "recording_gone", err)
	}
	if len(art.Data) == 0 {
		return SendOutput{}, newError(ErrorNoArtifactAvailable, "empty_recording", capture.ErrNoArtifactAvailable)
	}
	contentType := art.ContentType
	if contentType == "" {
		contentType = capture.DefaultContentType
	}

	id := newUUID()
	ref, err := s.objects.Upload(ctx, objectKey(senderID, now, id, contentType), art.Data, contentType)
	if err != nil {
		s.logger.Warn("upload failed after quota was spent", "sender", senderID, "date", date, "err", err)
		return SendOutput{}, newError(ErrorStore, "upload_error", err)
	}

	msg := domain.Message{
		ID:              id,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		AudioRef:        ref,
		DurationSeconds: max(art.DurationSeconds, 0),
		CreatedAt:       now.UTC(),
		ExpiresAt:       now.Add(s.retention).UTC(),
	}
	if err := s.messages.InsertMessage(ctx, msg); err != nil {
		s.logger.Warn("message write failed after quota was spent", "sender", senderID, "audio_ref", ref, "err", err)
		return SendOutput{}, newError(ErrorStore, "message_write_error", err)
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		// The record is durable; peers pick it up on their next refresh.
		s.logger.Warn("live feed publish failed", "message_id", msg.ID, "err", err)
	}

	return SendOutput{Message: msg, Remaining: grant.Remaining}, nil
}

// Quota reports the user's sends left for the current day.
func (s *SendService) Quota(ctx context.Context, userID string) (QuotaOutput, error) {
	if !domain.ValidUserID(userID) {
		return QuotaOutput{}, newError(ErrorInvalidInput, "invalid_user", nil)
	}
	date := domain.DayKey(s.now(), s.loc)
	remaining, err := s.quota.Remaining(ctx, userID, date)
	if err != nil {
		return QuotaOutput{}, newError(ErrorStore, "quota_read_error", err)
	}
	return QuotaOutput{Limit: s.quota.Limit(), Remaining: remaining, Date: date}, nil
}

// History returns the conversation between selfID and peerID, oldest first.
func (s *SendService) History(ctx context.Context, selfID, peerID string) ([]domain.Message, error) {
	if err := validateParticipants(selfID, peerID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListConversation(ctx, selfID, peerID)
	if err != nil {
		return nil, newError(ErrorStore, "history_read_error", err)
	}
	slices.SortStableFunc(msgs, func(a, b domain.Message) int {
		switch {
		case domain.Before(a, b):
			return -1
		case domain.Before(b, a):
			return 1
		default:
			return 0
		}
	})
	return msgs, nil
}

func validateParticipants(senderID, receiverID string) error {
	if !domain.ValidUserID(senderID) {
		return newError(ErrorInvalidInput, "invalid_sender", nil)
	}
	if !domain.ValidUserID(receiverID) {
		return newError(ErrorInvalidInput, "invalid_receiver", nil)
	}
	if strings.TrimSpace(senderID) == strings.TrimSpace(receiverID) {
		return newError(ErrorInvalidInput, "self_send", nil)
	}
	return nil
}

// objectKey lays audio out per sender, e.g. alice/1767225600000-<id>.webm.
func objectKey(senderID string, at time.Time, id, contentType string) string {
	return fmt.Sprintf("%s/%d-%s%s", senderID, at.UnixMilli(), id, capture.Extension(contentType))
}

var newUUID = func() string {
	return uuid.NewString()
}
