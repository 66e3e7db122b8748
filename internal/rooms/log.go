package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Log is the durable, append-only, per-room record of chat messages
// and file uploads. Each (room, kind) pair owns an independent
// sequence; ids start at 1 and are gap-free. Sequence assignment is
// serialized per (room, kind) so contention stays local to a room.
type Log struct {
	db    *gorm.DB
	clock func() time.Time

	mu        sync.Mutex
	sequences map[sequenceScope]*sequenceState
}

type sequenceScope struct {
	room string
	kind EventKind
}

type sequenceState struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

// NewLog constructs a Log over the provided database handle.
func NewLog(db *gorm.DB, clock func() time.Time) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{
		db:        db,
		clock:     clock,
		sequences: make(map[sequenceScope]*sequenceState),
	}
}

// AppendMessage assigns the next message sequence id for the room and
// stores the message durably before returning. On storage failure no
// id is consumed and the caller must not broadcast.
func (l *Log) AppendMessage(ctx context.Context, roomID RoomID, sender, content string) (Message, error) {
	state := l.sequenceFor(roomID.String(), EventKindMessage)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := l.loadLastSeq(ctx, state, roomID, EventKindMessage); err != nil {
		return Message{}, err
	}

	record := Message{
		RoomID:    roomID.String(),
		Seq:       state.last + 1,
		Sender:    sender,
		Content:   content,
		CreatedAt: l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Message{}, fmt.Errorf("%w: append message: %v", ErrStorageUnavailable, err)
	}
	state.last = record.Seq
	return record, nil
}

// AppendFile assigns the next file sequence id for the room and stores
// the upload record durably before returning. A zero-byte file is
// valid; a negative size is rejected before anything touches the log.
func (l *Log) AppendFile(ctx context.Context, roomID RoomID, meta FileMeta) (FileRecord, error) {
	if meta.SizeBytes < 0 {
		return FileRecord{}, fmt.Errorf("%w: %d bytes", ErrInvalidFileSize, meta.SizeBytes)
	}

	state := l.sequenceFor(roomID.String(), EventKindFile)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := l.loadLastSeq(ctx, state, roomID, EventKindFile); err != nil {
		return FileRecord{}, err
	}

	record := FileRecord{
		RoomID:       roomID.String(),
		Seq:          state.last + 1,
		FileID:       meta.FileID,
		StorageKey:   meta.StorageKey,
		OriginalName: meta.OriginalName,
		MimeType:     meta.MimeType,
		SizeBytes:    meta.SizeBytes,
		UploadedAt:   l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return FileRecord{}, fmt.Errorf("%w: append file: %v", ErrStorageUnavailable, err)
	}
	state.last = record.Seq
	return record, nil
}

// Messages returns every stored message for the room in ascending
// sequence order. Unknown rooms yield an empty slice, not an error;
// rooms are not pre-registered from the log's point of view.
func (l *Log) Messages(ctx context.Context, roomID RoomID) ([]Message, error) {
	records := make([]Message, 0)
	err := l.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: read messages: %v", ErrStorageUnavailable, err)
	}
	return records, nil
}

// Files returns every stored file record for the room in ascending
// sequence order, empty for unknown rooms.
func (l *Log) Files(ctx context.Context, roomID RoomID) ([]FileRecord, error) {
	records := make([]FileRecord, 0)
	err := l.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: read files: %v", ErrStorageUnavailable, err)
	}
	return records, nil
}

// FileByID resolves a single file record by its opaque file id.
func (l *Log) FileByID(ctx context.Context, fileID string) (FileRecord, error) {
	var record FileRecord
	err := l.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("%w: read file: %v", ErrStorageUnavailable, err)
	}
	return record, nil
}

func (l *Log) sequenceFor(room string, kind EventKind) *sequenceState {
	scope := sequenceScope{room: room, kind: kind}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.sequences[scope]
	if !ok {
		state = &sequenceState{}
		l.sequences[scope] = state
	}
	return state
}

// loadLastSeq lazily primes the in-memory counter from the stored
// maximum. Called with the sequence lock held.
func (l *Log) loadLastSeq(ctx context.Context, state *sequenceState, roomID RoomID, kind EventKind) error {
	if state.loaded {
		return nil
	}
	var model any
	switch kind {
	case EventKindFile:
		model = &FileRecord{}
	default:
		model = &Message{}
	}
	var last int64
	err := l.db.WithContext(ctx).
		Model(model).
		Where("room_id = ?", roomID.String()).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	if err != nil {
		return fmt.Errorf("%w: load sequence: %v", ErrStorageUnavailable, err)
	}
	state.last = last
	state.loaded = true
	return nil
}
