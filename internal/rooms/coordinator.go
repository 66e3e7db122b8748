package rooms

import (
	"context"
)

// Snapshot is the historical slice handed to a subscriber at join
// time. Messages and files are independent sequences; each is
// ascending and gap-free, but no cross-kind ordering is implied.
type Snapshot struct {
	Messages []Message
	Files    []FileRecord
}

// Coordinator implements the join protocol: register the subscriber
// first, then read history, so that nothing appended around the join
// boundary can be lost. Events appended between registration and the
// history read may show up both in the snapshot and live; every
// durable event carries its sequence id, and consumers collapse the
// overlap with a Dedup keyed by (room, kind, seq). This trades a
// small at-least-once window for keeping the hot append path free of
// any join-wide lock.
type Coordinator struct {
	registry    *Registry
	log         *Log
	broadcaster *Broadcaster
}

// NewCoordinator wires the join protocol over its three collaborators.
func NewCoordinator(registry *Registry, log *Log, broadcaster *Broadcaster) *Coordinator {
	return &Coordinator{registry: registry, log: log, broadcaster: broadcaster}
}

// Join subscribes to the room and returns the snapshot, the live
// stream, and an idempotent cancel. Unknown rooms yield
// ErrRoomNotFound and leave nothing registered. ctx governs the
// database reads and the subscription lifetime.
func (c *Coordinator) Join(ctx context.Context, roomID RoomID) (Snapshot, <-chan Event, func(), error) {
	if _, err := c.registry.Lookup(ctx, roomID); err != nil {
		return Snapshot{}, nil, nil, err
	}

	stream, cancel := c.broadcaster.Subscribe(ctx, roomID.String())

	messages, err := c.log.Messages(ctx, roomID)
	if err != nil {
		cancel()
		return Snapshot{}, nil, nil, err
	}
	files, err := c.log.Files(ctx, roomID)
	if err != nil {
		cancel()
		return Snapshot{}, nil, nil, err
	}

	return Snapshot{Messages: messages, Files: files}, stream, cancel, nil
}
