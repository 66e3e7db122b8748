package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// anonymousSender is used when a participant posts without a display name.
const anonymousSender = "anonymous"

// ServiceError wraps a failure with the operation code it occurred in.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "rooms.service.new"
	opCreateRoom   = "rooms.create_room"
	opRecordUpload = "rooms.record_upload"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the room service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	StreamBuffer int
	Logger       *zap.Logger
}

// Service is the facade over the room synchronization engine: the
// durable log, the room registry, the broadcaster, and the join
// coordinator. Appends are durable before they are announced; a
// failed append never broadcasts.
type Service struct {
	registry    *Registry
	log         *Log
	broadcaster *Broadcaster
	coordinator *Coordinator
	idProvider  IDProvider
	logger      *zap.Logger

	// announceMu guards the announce lock table. Each (room, kind)
	// lock is held across append and publish so the publish order
	// seen by subscribers always matches the assigned sequence order.
	announceMu sync.Mutex
	announce   map[sequenceScope]*sync.Mutex
}

// NewService validates the configuration and wires the engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	registry := NewRegistry(cfg.Database, clock)
	log := NewLog(cfg.Database, clock)
	broadcaster := NewBroadcaster(cfg.StreamBuffer, logger)

	return &Service{
		registry:    registry,
		log:         log,
		broadcaster: broadcaster,
		coordinator: NewCoordinator(registry, log, broadcaster),
		idProvider:  cfg.IDProvider,
		logger:      logger,
		announce:    make(map[sequenceScope]*sync.Mutex),
	}, nil
}

// announceLock returns the lock serializing append-then-publish for
// one (room, kind) pair. Without it a writer could be overtaken in
// the gap between its append returning and its publish call, letting
// a later sequence id reach subscribers first.
func (s *Service) announceLock(room string, kind EventKind) *sync.Mutex {
	scope := sequenceScope{room: room, kind: kind}
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	lock, ok := s.announce[scope]
	if !ok {
		lock = &sync.Mutex{}
		s.announce[scope] = lock
	}
	return lock
}

// CreateRoom mints a fresh opaque room id and persists the room.
func (s *Service) CreateRoom(ctx context.Context) (Room, error) {
	rawID, err := s.idProvider.NewID()
	if err != nil {
		return Room{}, newServiceError(opCreateRoom, "id_generation_failed", err)
	}
	roomID, err := NewRoomID(rawID)
	if err != nil {
		return Room{}, newServiceError(opCreateRoom, "invalid_generated_id", err)
	}
	room, err := s.registry.EnsureRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	s.logger.Info("room created", zap.String("room", room.ID))
	return room, nil
}

// EnsureRoom creates the room record if absent. Idempotent.
func (s *Service) EnsureRoom(ctx context.Context, roomID RoomID) (Room, error) {
	return s.registry.EnsureRoom(ctx, roomID)
}

// GetRoom returns the room record, or ErrRoomNotFound.
func (s *Service) GetRoom(ctx context.Context, roomID RoomID) (Room, error) {
	return s.registry.Lookup(ctx, roomID)
}

// PostMessage appends a chat message to the room's log and, only once
// the append is durable, fans it out to the room's live subscribers.
func (s *Service) PostMessage(ctx context.Context, roomID RoomID, sender, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = anonymousSender
	}

	if _, err := s.registry.Lookup(ctx, roomID); err != nil {
		return Message{}, err
	}

	lock := s.announceLock(roomID.String(), EventKindMessage)
	lock.Lock()
	defer lock.Unlock()

	message, err := s.log.AppendMessage(ctx, roomID, sender, content)
	if err != nil {
		return Message{}, err
	}

	s.broadcaster.Publish(Event{
		Room:    message.RoomID,
		Kind:    EventKindMessage,
		Seq:     message.Seq,
		Message: &message,
	})
	return message, nil
}

// UploadInput carries the metadata of a blob already written to the
// blob store. The service never reads file content.
type UploadInput struct {
	StorageKey   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
}

// RecordUpload appends a file record to the room's log and announces
// it to live subscribers after the append is durable.
func (s *Service) RecordUpload(ctx context.Context, roomID RoomID, input UploadInput) (FileRecord, error) {
	if input.SizeBytes < 0 {
		return FileRecord{}, fmt.Errorf("%w: %d bytes", ErrInvalidFileSize, input.SizeBytes)
	}
	if _, err := s.registry.Lookup(ctx, roomID); err != nil {
		return FileRecord{}, err
	}

	fileID, err := s.idProvider.NewID()
	if err != nil {
		return FileRecord{}, newServiceError(opRecordUpload, "id_generation_failed", err)
	}

	lock := s.announceLock(roomID.String(), EventKindFile)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.log.AppendFile(ctx, roomID, FileMeta{
		FileID:       fileID,
		StorageKey:   input.StorageKey,
		OriginalName: input.OriginalName,
		MimeType:     input.MimeType,
		SizeBytes:    input.SizeBytes,
	})
	if err != nil {
		return FileRecord{}, err
	}

	s.broadcaster.Publish(Event{
		Room: record.RoomID,
		Kind: EventKindFile,
		Seq:  record.Seq,
		File: &record,
	})
	return record, nil
}

// ListMessages returns the room's messages in ascending sequence
// order. An unknown room yields an empty slice, not an error.
func (s *Service) ListMessages(ctx context.Context, roomID RoomID) ([]Message, error) {
	return s.log.Messages(ctx, roomID)
}

// ListFiles returns the room's file records in ascending sequence
// order, empty for unknown rooms.
func (s *Service) ListFiles(ctx context.Context, roomID RoomID) ([]FileRecord, error) {
	return s.log.Files(ctx, roomID)
}

// FileByID resolves a file record for download.
func (s *Service) FileByID(ctx context.Context, fileID string) (FileRecord, error) {
	return s.log.FileByID(ctx, fileID)
}

// Join runs the snapshot join protocol for a new subscriber.
func (s *Service) Join(ctx context.Context, roomID RoomID) (Snapshot, <-chan Event, func(), error) {
	return s.coordinator.Join(ctx, roomID)
}

// EmitTyping broadcasts an ephemeral typing hint. Typing events are
// never persisted and carry no delivery guarantee.
func (s *Service) EmitTyping(roomID RoomID, sender string) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = anonymousSender
	}
	s.broadcaster.Publish(Event{
		Room:   roomID.String(),
		Kind:   EventKindTyping,
		Typing: &TypingNotice{Sender: sender},
	})
}

// SubscriberCount reports the room's live subscriber count.
func (s *Service) SubscriberCount(roomID RoomID) int {
	return s.broadcaster.SubscriberCount(roomID.String())
}
