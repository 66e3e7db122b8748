package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()})
	if err == nil {
		t.Fatal("expected missing database to fail construction")
	}
}

func TestNewServiceRequiresIDProvider(t *testing.T) {
	_, err := NewService(ServiceConfig{Database: newTestDB(t)})
	if err == nil {
		t.Fatal("expected missing id provider to fail construction")
	}
}

func TestServiceCreateRoomThenGetRoom(t *testing.T) {
	service := newTestService(t)

	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if room.ID == "" {
		t.Fatal("expected a non-empty room id")
	}

	fetched, err := service.GetRoom(context.Background(), mustRoomID(t, room.ID))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if fetched.ID != room.ID {
		t.Fatalf("expected room %s, got %s", room.ID, fetched.ID)
	}
}

func TestServicePostMessageToUnknownRoom(t *testing.T) {
	service := newTestService(t)

	_, err := service.PostMessage(context.Background(), mustRoomID(t, "ghost"), "A", "hello")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestServicePostMessageRejectsEmptyContent(t *testing.T) {
	service := newTestService(t)
	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	_, err = service.PostMessage(context.Background(), mustRoomID(t, room.ID), "A", "   ")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestServicePostMessageDefaultsAnonymousSender(t *testing.T) {
	service := newTestService(t)
	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	message, err := service.PostMessage(context.Background(), mustRoomID(t, room.ID), "  ", "hello")
	if err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}
	if message.Sender != anonymousSender {
		t.Fatalf("expected anonymous sender, got %q", message.Sender)
	}
}

func TestServicePostMessageBroadcastsAfterAppend(t *testing.T) {
	service := newTestService(t)
	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	roomID := mustRoomID(t, room.ID)

	_, stream, leave, err := service.Join(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	defer leave()

	message, err := service.PostMessage(context.Background(), roomID, "A", "hi")
	if err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}

	select {
	case event := <-stream:
		if event.Kind != EventKindMessage || event.Seq != message.Seq {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Message == nil || event.Message.Content != "hi" {
			t.Fatalf("unexpected message payload: %+v", event.Message)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected broadcast within deadline")
	}
}

func TestServiceRecordUploadRejectsNegativeSize(t *testing.T) {
	service := newTestService(t)
	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	_, err = service.RecordUpload(context.Background(), mustRoomID(t, room.ID), UploadInput{
		StorageKey:   "key",
		OriginalName: "x.bin",
		MimeType:     "application/octet-stream",
		SizeBytes:    -5,
	})
	if !errors.Is(err, ErrInvalidFileSize) {
		t.Fatalf("expected ErrInvalidFileSize, got %v", err)
	}
}

func TestServiceRecordUploadAnnouncesStoredRecord(t *testing.T) {
	service := newTestService(t)
	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	roomID := mustRoomID(t, room.ID)

	_, stream, leave, err := service.Join(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	defer leave()

	record, err := service.RecordUpload(context.Background(), roomID, UploadInput{
		StorageKey:   "key-1",
		OriginalName: "empty.txt",
		MimeType:     "text/plain",
		SizeBytes:    0,
	})
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if record.FileID == "" || record.Seq != 1 {
		t.Fatalf("unexpected record: %+v", record)
	}

	select {
	case event := <-stream:
		if event.Kind != EventKindFile || event.Seq != record.Seq {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.File == nil || event.File.FileID != record.FileID {
			t.Fatalf("unexpected file payload: %+v", event.File)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected broadcast within deadline")
	}

	fetched, err := service.FileByID(context.Background(), record.FileID)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if fetched.StorageKey != "key-1" {
		t.Fatalf("unexpected storage key: %s", fetched.StorageKey)
	}
}

func TestServiceTypingEventsAreEphemeral(t *testing.T) {
	service := newTestService(t)
	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	roomID := mustRoomID(t, room.ID)

	_, stream, leave, err := service.Join(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	defer leave()

	service.EmitTyping(roomID, "A")

	select {
	case event := <-stream:
		if event.Kind != EventKindTyping || event.Typing == nil || event.Typing.Sender != "A" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected typing event within deadline")
	}

	messages, err := service.ListMessages(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("typing must never be persisted, got %d messages", len(messages))
	}
}

func TestServiceConcurrentSendersPublishInSequenceOrder(t *testing.T) {
	service, err := NewService(ServiceConfig{
		Database:     newTestDB(t),
		IDProvider:   NewUUIDProvider(),
		StreamBuffer: 512,
	})
	if err != nil {
		t.Fatalf("failed to build room service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := service.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	roomID := mustRoomID(t, room.ID)

	_, stream, leave, err := service.Join(ctx, roomID)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	defer leave()

	const writers = 8
	const perWriter = 10
	total := writers * perWriter

	// A sender that appends seq N but announces it after a competing
	// sender announced seq N+1 would show up here as a misordered
	// delivery, so the subscriber view is the assertion surface.
	collected := make(chan []int64, 1)
	go func() {
		seqs := make([]int64, 0, total)
		for event := range stream {
			if event.Kind != EventKindMessage {
				continue
			}
			seqs = append(seqs, event.Seq)
			if len(seqs) == total {
				break
			}
		}
		collected <- seqs
	}()

	var wg sync.WaitGroup
	for writer := 0; writer < writers; writer++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			sender := fmt.Sprintf("writer-%d", writer)
			for i := 0; i < perWriter; i++ {
				if _, err := service.PostMessage(context.Background(), roomID, sender, "payload"); err != nil {
					t.Errorf("unexpected append error: %v", err)
					return
				}
			}
		}(writer)
	}
	wg.Wait()

	select {
	case seqs := <-collected:
		for i, seq := range seqs {
			if seq != int64(i+1) {
				t.Fatalf("delivery order diverged from sequence order at position %d: got seq %d", i, seq)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not observe every message within deadline")
	}
}

func TestServiceListOnUnknownRoomReturnsEmpty(t *testing.T) {
	service := newTestService(t)

	messages, err := service.ListMessages(context.Background(), mustRoomID(t, "ghost"))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty slice, got %d", len(messages))
	}
}
