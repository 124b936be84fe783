package session

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"jackdisk/internal/domain/quota"
	"jackdisk/internal/pkg/response"
	appvalidator "jackdisk/internal/pkg/validator"
)

// Handler serves the chunked upload protocol. Session ids are unguessable and
// act as the capability for every call after create.
type Handler struct {
	manager          *Manager
	hub              *Hub
	defaultChunkSize int64
	maxChunkSize     int64
}

func NewHandler(manager *Manager, hub *Hub, defaultChunkSize, maxChunkSize int64) *Handler {
	return &Handler{
		manager:          manager,
		hub:              hub,
		defaultChunkSize: defaultChunkSize,
		maxChunkSize:     maxChunkSize,
	}
}

type CreateSessionRequest struct {
	Filename  string `json:"filename" validate:"required,filename"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size"`
}

// Create godoc
// @Summary Create or resume a chunked upload session
// @Tags Uploads
// @Accept json
// @Produce json
// @Param body body CreateSessionRequest true "Upload description"
// @Success 200,201 {object} map[string]interface{}
// @Failure 400,413 {object} map[string]interface{}
// @Router /uploads/sessions [post]
func (h *Handler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}
	if errs := appvalidator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", errs)
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = h.defaultChunkSize
	}

	res, err := h.manager.Create(c.Request.Context(), req.Filename, req.TotalSize, req.ChunkSize)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, res)
}

// Get godoc
// @Summary Get upload session progress
// @Tags Uploads
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /uploads/sessions/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	res, err := h.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// PutChunk godoc
// @Summary Upload one chunk
// @Description Body is the raw chunk bytes, or multipart/form-data with a "chunk" file field.
// @Tags Uploads
// @Accept application/octet-stream
// @Produce json
// @Param id path string true "Session ID"
// @Param index path int true "Zero-based chunk index"
// @Success 200 {object} map[string]interface{}
// @Failure 400,404 {object} map[string]interface{}
// @Router /uploads/sessions/{id}/chunks/{index} [put]
func (h *Handler) PutChunk(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "INDEX_OUT_OF_RANGE", "Chunk index must be an integer")
		return
	}

	data, err := h.readChunk(c)
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := h.manager.SubmitChunk(c.Request.Context(), c.Param("id"), index, data)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

func (h *Handler) readChunk(c *gin.Context) ([]byte, error) {
	body := io.Reader(c.Request.Body)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fh, err := c.FormFile("chunk")
		if err != nil {
			return nil, ErrChunkSizeMismatch
		}
		if fh.Size > h.maxChunkSize {
			return nil, ErrChunkSizeMismatch
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		body = f
	}

	data, err := io.ReadAll(io.LimitReader(body, h.maxChunkSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxChunkSize {
		return nil, ErrChunkSizeMismatch
	}
	return data, nil
}

// Finalize godoc
// @Summary Assemble all chunks into the target object
// @Tags Uploads
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400,404,413,500 {object} map[string]interface{}
// @Router /uploads/sessions/{id}/finalize [post]
func (h *Handler) Finalize(c *gin.Context) {
	res, err := h.manager.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"session_id":        res.SessionID,
		"key":               res.Key,
		"size":              res.Size,
		"size_formatted":    humanize.IBytes(uint64(res.Size)),
		"etag":              res.ETag,
		"completed_at":      res.CompletedAt,
		"already_completed": res.AlreadyCompleted,
	})
}

// Abort godoc
// @Summary Abort an upload session and discard staged chunks
// @Tags Uploads
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /uploads/sessions/{id} [delete]
func (h *Handler) Abort(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Abort(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session_id": id, "status": StatusAborted})
}

// Watch upgrades to a websocket that streams progress events for one session.
func (h *Handler) Watch(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.manager.Status(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: session=%s err=%v", id, err)
		return
	}
	h.hub.ServeWS(conn, id)
}

func writeError(c *gin.Context, err error) {
	var incomplete *IncompleteError
	var exceeded *quota.ExceededError

	switch {
	case errors.As(err, &incomplete):
		response.ErrorWithDetails(c, http.StatusBadRequest, "INCOMPLETE_UPLOAD", err.Error(),
			gin.H{"missing_chunks": incomplete.Missing})
	case errors.As(err, &exceeded):
		response.ErrorWithDetails(c, http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED", "Storage quota exceeded",
			gin.H{
				"requested":       exceeded.Requested,
				"used_bytes":      exceeded.Snapshot.UsedBytes,
				"capacity_bytes":  exceeded.Snapshot.CapacityBytes,
				"available_bytes": exceeded.Snapshot.AvailableBytes,
			})
	case errors.Is(err, quota.ErrQuotaExceeded):
		response.Error(c, http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED", "Storage quota exceeded")
	case errors.Is(err, ErrUnknownSession):
		response.Error(c, http.StatusNotFound, "UNKNOWN_SESSION", "Upload session not found or no longer open")
	case errors.Is(err, ErrInvalidSize), errors.Is(err, quota.ErrInvalidSize):
		response.Error(c, http.StatusBadRequest, "INVALID_SIZE", err.Error())
	case errors.Is(err, ErrIndexOutOfRange):
		response.Error(c, http.StatusBadRequest, "INDEX_OUT_OF_RANGE", err.Error())
	case errors.Is(err, ErrChunkSizeMismatch):
		response.Error(c, http.StatusBadRequest, "CHUNK_SIZE_MISMATCH", err.Error())
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Upload operation failed")
	}
}
