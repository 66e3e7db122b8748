package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quickshare-io/quickshare/internal/rooms"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size allowed from the peer.
	maxFrameSize = 8192

	outboundBuffer = 256
)

// Frame types on the room stream.
const (
	frameHistory        = "history"
	frameReceiveMessage = "receive_message"
	frameFileUploaded   = "file_uploaded"
	frameUserTyping     = "user_typing"
	frameSendMessage    = "send_message"
	frameTyping         = "typing"
	frameError          = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Type     string           `json:"type"`
	RoomID   string           `json:"room_id,omitempty"`
	Sender   string           `json:"sender,omitempty"`
	Content  string           `json:"content,omitempty"`
	Message  *messagePayload  `json:"message,omitempty"`
	File     *filePayload     `json:"file,omitempty"`
	Messages []messagePayload `json:"messages,omitempty"`
	Files    []filePayload    `json:"files,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// handleRoomStream runs the join protocol for a new live connection:
// subscribe first, snapshot second, then stream. The session dedups
// durable events by (room, kind, seq) so the overlap window between
// snapshot and live delivery collapses before frames reach the peer.
func (h *httpHandler) handleRoomStream(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	// The subscription must outlive the handler; the request context
	// ends as soon as the connection is hijacked.
	ctx, cancelCtx := context.WithCancel(context.Background())
	snapshot, stream, leave, err := h.rooms.Join(ctx, roomID)
	if err != nil {
		cancelCtx()
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		leave()
		cancelCtx()
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("room", roomID.String()))
		return
	}

	session := &wsSession{
		conn:     conn,
		roomID:   roomID,
		service:  h.rooms,
		logger:   h.logger,
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
		leave:    leave,
		cancel:   cancelCtx,
	}
	go session.writePump()
	go session.forward(snapshot, stream)
	go session.readPump(ctx)
}

type wsSession struct {
	conn     *websocket.Conn
	roomID   rooms.RoomID
	service  *rooms.Service
	logger   *zap.Logger
	outbound chan []byte
	done     chan struct{}
	leave    func()
	cancel   context.CancelFunc
	closing  sync.Once
}

// close tears the session down: the subscription ends (idempotently),
// the live stream closes, and both pumps unwind. Safe to call from
// any goroutine, any number of times.
func (s *wsSession) close() {
	s.closing.Do(func() {
		s.leave()
		s.cancel()
		close(s.done)
		s.conn.Close()
	})
}

// forward turns the snapshot plus the live stream into outbound
// frames. Snapshot events seed the dedup set so a live duplicate from
// the join window is dropped instead of delivered twice.
func (s *wsSession) forward(snapshot rooms.Snapshot, stream <-chan rooms.Event) {
	dedup := rooms.NewDedup()

	history := wsFrame{
		Type:     frameHistory,
		RoomID:   s.roomID.String(),
		Messages: make([]messagePayload, 0, len(snapshot.Messages)),
		Files:    make([]filePayload, 0, len(snapshot.Files)),
	}
	for _, message := range snapshot.Messages {
		dedup.Observe(rooms.EventKey{Room: message.RoomID, Kind: rooms.EventKindMessage, Seq: message.Seq})
		history.Messages = append(history.Messages, messageToPayload(message))
	}
	for _, record := range snapshot.Files {
		dedup.Observe(rooms.EventKey{Room: record.RoomID, Kind: rooms.EventKindFile, Seq: record.Seq})
		history.Files = append(history.Files, fileToPayload(record))
	}
	s.enqueue(history)

	for event := range stream {
		if event.Durable() && dedup.Observe(event.Key()) {
			continue
		}
		frame, ok := eventToFrame(event)
		if !ok {
			continue
		}
		s.enqueue(frame)
	}
}

func eventToFrame(event rooms.Event) (wsFrame, bool) {
	switch event.Kind {
	case rooms.EventKindMessage:
		if event.Message == nil {
			return wsFrame{}, false
		}
		payload := messageToPayload(*event.Message)
		return wsFrame{Type: frameReceiveMessage, RoomID: event.Room, Message: &payload}, true
	case rooms.EventKindFile:
		if event.File == nil {
			return wsFrame{}, false
		}
		payload := fileToPayload(*event.File)
		return wsFrame{Type: frameFileUploaded, RoomID: event.Room, File: &payload}, true
	case rooms.EventKindTyping:
		if event.Typing == nil {
			return wsFrame{}, false
		}
		return wsFrame{Type: frameUserTyping, RoomID: event.Room, Sender: event.Typing.Sender}, true
	default:
		return wsFrame{}, false
	}
}

// enqueue hands a frame to the write pump without ever blocking the
// forwarder; a peer that cannot drain its socket loses frames and
// recovers through the snapshot on its next join.
func (s *wsSession) enqueue(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame encode failed", zap.Error(err))
		return
	}
	select {
	case s.outbound <- data:
	case <-s.done:
	default:
		s.logger.Debug("outbound buffer full, dropping frame",
			zap.String("room", s.roomID.String()),
			zap.String("frame", frame.Type))
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *wsSession) readPump(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read ended", zap.Error(err), zap.String("room", s.roomID.String()))
			}
			return
		}
		s.handleInbound(ctx, data)
	}
}

func (s *wsSession) handleInbound(ctx context.Context, data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.enqueue(wsFrame{Type: frameError, Error: "invalid_frame"})
		return
	}

	switch frame.Type {
	case frameSendMessage:
		if _, err := s.service.PostMessage(ctx, s.roomID, frame.Sender, frame.Content); err != nil {
			s.logger.Warn("message append failed", zap.Error(err), zap.String("room", s.roomID.String()))
			s.enqueue(wsFrame{Type: frameError, Error: "message_rejected"})
		}
	case frameTyping:
		s.service.EmitTyping(s.roomID, frame.Sender)
	default:
		s.enqueue(wsFrame{Type: frameError, Error: "unknown_frame_type"})
	}
}
