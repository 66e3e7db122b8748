package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("rooms: invalid room id")
	// ErrRoomNotFound indicates that the referenced room does not exist.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrFileNotFound indicates that the referenced file record does not exist.
	ErrFileNotFound = errors.New("rooms: file not found")
	// ErrStorageUnavailable indicates that durable storage could not be reached.
	ErrStorageUnavailable = errors.New("rooms: storage unavailable")
	// ErrEmptyMessage indicates that a chat message carried no content.
	ErrEmptyMessage = errors.New("rooms: empty message content")
	// ErrInvalidFileSize indicates a negative file size on an upload record.
	ErrInvalidFileSize = errors.New("rooms: invalid file size")
)

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// Room models a persisted room record. Rooms are created on first
// reference and live for the lifetime of the process database.
type Room struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// Message models one durable chat message. Seq is the per-room
// sequence id, assigned under the log's single-writer discipline;
// the pair (room_id, seq) is the primary key and the ordering key.
type Message struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Seq       int64     `gorm:"column:seq;primaryKey;not null"`
	Sender    string    `gorm:"column:sender;size:190;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// FileRecord models the metadata of one uploaded file. The bytes live
// in the blob store under StorageKey; the log never reads them. Files
// form their own per-room sequence, independent of messages.
type FileRecord struct {
	RoomID       string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Seq          int64     `gorm:"column:seq;primaryKey;not null"`
	FileID       string    `gorm:"column:file_id;size:190;not null;uniqueIndex:idx_files_file_id"`
	StorageKey   string    `gorm:"column:storage_key;size:255;not null"`
	OriginalName string    `gorm:"column:original_name;size:512;not null"`
	MimeType     string    `gorm:"column:mime_type;size:255;not null"`
	SizeBytes    int64     `gorm:"column:size_bytes;not null"`
	UploadedAt   time.Time `gorm:"column:uploaded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileRecord) TableName() string {
	return "files"
}

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	// EventKindMessage marks a durable chat message event.
	EventKindMessage EventKind = "message"
	// EventKindFile marks a durable file upload event.
	EventKindFile EventKind = "file"
	// EventKindTyping marks an ephemeral typing hint. Typing events
	// carry no sequence id and sit outside the ordering and dedup
	// guarantees of the durable kinds.
	EventKindTyping EventKind = "typing"
)

// Event is the fan-out unit delivered to room subscribers. Durable
// events carry the sequence id they were stored under so consumers
// can deduplicate across the join boundary.
type Event struct {
	Room    string
	Kind    EventKind
	Seq     int64
	Message *Message
	File    *FileRecord
	Typing  *TypingNotice
}

// Key returns the deduplication key for a durable event.
func (e Event) Key() EventKey {
	return EventKey{Room: e.Room, Kind: e.Kind, Seq: e.Seq}
}

// Durable reports whether the event belongs to an ordered, logged sequence.
func (e Event) Durable() bool {
	return e.Kind == EventKindMessage || e.Kind == EventKindFile
}

// EventKey identifies a durable event across snapshot and live delivery.
type EventKey struct {
	Room string
	Kind EventKind
	Seq  int64
}

// TypingNotice is a fire-and-forget hint that a participant is typing.
type TypingNotice struct {
	Sender string
}

// FileMeta describes an upload about to be recorded in the log.
type FileMeta struct {
	FileID       string
	StorageKey   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
}
