package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Registry is the authority on which rooms exist. Subscriber
// bookkeeping lives with the Broadcaster; the registry only answers
// existence questions against durable storage.
type Registry struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewRegistry constructs a Registry over the provided database handle.
func NewRegistry(db *gorm.DB, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{db: db, clock: clock}
}

// EnsureRoom creates the room record if absent. Idempotent; a second
// call for the same id returns the original record unchanged.
func (r *Registry) EnsureRoom(ctx context.Context, roomID RoomID) (Room, error) {
	room := Room{ID: roomID.String()}
	err := r.db.WithContext(ctx).
		Where(Room{ID: roomID.String()}).
		Attrs(Room{CreatedAt: r.clock().UTC()}).
		FirstOrCreate(&room).Error
	if err != nil {
		return Room{}, fmt.Errorf("%w: ensure room: %v", ErrStorageUnavailable, err)
	}
	return room, nil
}

// Lookup returns the room record, or ErrRoomNotFound as the normal
// negative result for an unknown id.
func (r *Registry) Lookup(ctx context.Context, roomID RoomID) (Room, error) {
	var room Room
	err := r.db.WithContext(ctx).
		Where("id = ?", roomID.String()).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID.String())
	}
	if err != nil {
		return Room{}, fmt.Errorf("%w: lookup room: %v", ErrStorageUnavailable, err)
	}
	return room, nil
}
