package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quickshare-io/quickshare/internal/blob"
	"github.com/quickshare-io/quickshare/internal/rooms"
)

var (
	errMissingRoomService = errors.New("room service dependency required")
	errMissingBlobStore   = errors.New("blob store dependency required")
)

// Dependencies collects everything the HTTP layer needs.
type Dependencies struct {
	Rooms          *rooms.Service
	Blobs          *blob.Store
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the REST API and the
// per-room WebSocket stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		rooms:          deps.Rooms,
		blobs:          deps.Blobs,
		maxUploadBytes: deps.MaxUploadBytes,
		logger:         logger,
	}

	api := router.Group("/api")
	api.POST("/rooms", handler.handleCreateRoom)
	api.GET("/rooms/:id", handler.handleGetRoom)
	api.GET("/rooms/:id/messages", handler.handleListMessages)
	api.GET("/rooms/:id/files", handler.handleListFiles)
	api.POST("/rooms/:id/upload", handler.handleUpload)
	api.GET("/rooms/:id/ws", handler.handleRoomStream)
	api.GET("/files/:fileId/download", handler.handleDownload)

	return router, nil
}

type httpHandler struct {
	rooms          *rooms.Service
	blobs          *blob.Store
	maxUploadBytes int64
	logger         *zap.Logger
}

type roomPayload struct {
	RoomID    string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
}

type messagePayload struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type filePayload struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	RoomID       string    `json:"room_id"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mimetype"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

func roomToPayload(room rooms.Room) roomPayload {
	return roomPayload{RoomID: room.ID, CreatedAt: room.CreatedAt}
}

func messageToPayload(message rooms.Message) messagePayload {
	return messagePayload{
		ID:        message.Seq,
		RoomID:    message.RoomID,
		Sender:    message.Sender,
		Content:   message.Content,
		Timestamp: message.CreatedAt,
	}
}

func fileToPayload(record rooms.FileRecord) filePayload {
	return filePayload{
		ID:           record.FileID,
		Seq:          record.Seq,
		RoomID:       record.RoomID,
		OriginalName: record.OriginalName,
		MimeType:     record.MimeType,
		Size:         record.SizeBytes,
		UploadedAt:   record.UploadedAt,
	}
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	room, err := h.rooms.CreateRoom(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomToPayload(room))
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomToPayload(room))
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	messages, err := h.rooms.ListMessages(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messageToPayload(message))
	}
	c.JSON(http.StatusOK, payloads)
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.rooms.ListFiles(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payloads := make([]filePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, fileToPayload(record))
	}
	c.JSON(http.StatusOK, payloads)
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.rooms.GetRoom(c.Request.Context(), roomID); err != nil {
		h.writeError(c, err)
		return
	}

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	upload, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer upload.Close()

	storageKey, written, err := h.blobs.Save(upload, header.Filename)
	if err != nil {
		h.logger.Error("blob save failed", zap.Error(err), zap.String("room", roomID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	record, err := h.rooms.RecordUpload(c.Request.Context(), roomID, rooms.UploadInput{
		StorageKey:   storageKey,
		OriginalName: header.Filename,
		MimeType:     mimeType,
		SizeBytes:    written,
	})
	if err != nil {
		// The announce never happened; drop the orphaned blob.
		if removeErr := h.blobs.Remove(storageKey); removeErr != nil {
			h.logger.Warn("orphaned blob cleanup failed", zap.Error(removeErr))
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fileToPayload(record))
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	record, err := h.rooms.FileByID(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	path, err := h.blobs.Path(record.StorageKey)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file_not_found"})
		return
	}
	c.FileAttachment(path, record.OriginalName)
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, rooms.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file_not_found"})
	case errors.Is(err, rooms.ErrInvalidRoomID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
	case errors.Is(err, rooms.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
	case errors.Is(err, rooms.ErrInvalidFileSize):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_size"})
	case errors.Is(err, blob.ErrInvalidKey), errors.Is(err, blob.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file_not_found"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
	}
}
