package ingest

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"jackdisk/internal/config"
	"jackdisk/internal/domain/credential"
	"jackdisk/internal/domain/objectstore"
	"jackdisk/internal/domain/quota"
	"jackdisk/internal/pkg/response"
	"jackdisk/internal/pkg/validator"
)

// Verifier checks presigned direct writes addressed to this server.
type Verifier interface {
	VerifyRequest(r *http.Request) error
}

type Handler struct {
	service  *Service
	reaper   *Reaper
	verifier Verifier
	limits   config.Limits
	backend  string
}

// NewHandler builds the object and direct-upload handlers. verifier is nil when
// presigned writes go straight to an external object store.
func NewHandler(service *Service, reaper *Reaper, verifier Verifier, limits config.Limits, backend string) *Handler {
	return &Handler{
		service:  service,
		reaper:   reaper,
		verifier: verifier,
		limits:   limits,
		backend:  backend,
	}
}

type UploadRequest struct {
	Filename string `json:"filename" validate:"required,filename"`
	Size     int64  `json:"size"`
}

type BatchDeleteRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,dive,required"`
}

// Health godoc
// @Summary Liveness check
// @Tags System
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok", "backend": h.backend})
}

// Config godoc
// @Summary Public upload limits
// @Tags System
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /config [get]
func (h *Handler) Config(c *gin.Context) {
	response.Success(c, http.StatusOK, h.limits)
}

func (h *Handler) bindUpload(c *gin.Context) (*UploadRequest, bool) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return nil, false
	}
	if errs := validator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", errs)
		return nil, false
	}
	return &req, true
}

// Plan godoc
// @Summary Choose the upload path for a file
// @Tags Uploads
// @Accept json
// @Produce json
// @Param body body UploadRequest true "File description"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /uploads/plan [post]
func (h *Handler) Plan(c *gin.Context) {
	req, ok := h.bindUpload(c)
	if !ok {
		return
	}
	plan, err := h.service.Plan(req.Filename, req.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, plan)
}

// RequestDirect godoc
// @Summary Get a presigned URL for a single-request upload
// @Tags Uploads
// @Accept json
// @Produce json
// @Param body body UploadRequest true "File description"
// @Success 200 {object} map[string]interface{}
// @Failure 400,413,500 {object} map[string]interface{}
// @Router /uploads/direct [post]
func (h *Handler) RequestDirect(c *gin.Context) {
	req, ok := h.bindUpload(c)
	if !ok {
		return
	}
	cred, err := h.service.RequestDirect(c.Request.Context(), req.Filename, req.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, cred)
}

// ReceiveDirect godoc
// @Summary Accept a presigned direct write
// @Description Only mounted for the filesystem backend. The raw body is the object.
// @Tags Objects
// @Accept application/octet-stream
// @Produce json
// @Param key path string true "Object key"
// @Success 200 {object} map[string]interface{}
// @Failure 400,403,411,413 {object} map[string]interface{}
// @Router /objects/{key} [put]
func (h *Handler) ReceiveDirect(c *gin.Context) {
	if err := h.verifier.VerifyRequest(c.Request); err != nil {
		writeError(c, err)
		return
	}
	info, err := h.service.ReceiveDirect(c.Request.Context(), c.Param("key"), c.Request.Body, c.Request.ContentLength)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("ETag", `"`+info.ETag+`"`)
	response.Success(c, http.StatusOK, info)
}

// List godoc
// @Summary List stored files
// @Tags Objects
// @Produce json
// @Param search query string false "Case-insensitive substring"
// @Param sort query string false "upload_time | name | size"
// @Param page query int false "Page (1-based)"
// @Param per_page query int false "Page size (max 200)"
// @Success 200 {object} map[string]interface{}
// @Router /objects [get]
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))

	res, err := h.service.ListObjects(c.Request.Context(), ListQuery{
		Search:  c.Query("search"),
		Sort:    c.DefaultQuery("sort", SortUploadTime),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Download godoc
// @Summary Download a file
// @Tags Objects
// @Produce octet-stream
// @Param key path string true "Object key"
// @Success 200 {file} file
// @Failure 404 {object} map[string]interface{}
// @Router /objects/{key} [get]
func (h *Handler) Download(c *gin.Context) {
	rc, view, err := h.service.Open(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": view.Key}),
	}
	if view.ETag != "" {
		headers["ETag"] = `"` + view.ETag + `"`
	}
	c.DataFromReader(http.StatusOK, view.Size, view.ContentType, rc, headers)
}

// Preview godoc
// @Summary Show a text file inline
// @Tags Objects
// @Produce plain
// @Param key path string true "Object key"
// @Success 200 {string} string
// @Failure 400,404 {object} map[string]interface{}
// @Router /objects/{key}/preview [get]
func (h *Handler) Preview(c *gin.Context) {
	rc, view, err := h.service.Preview(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, view.Size, "text/plain; charset=utf-8", rc, map[string]string{
		"Content-Disposition":    mime.FormatMediaType("inline", map[string]string{"filename": view.Key}),
		"X-Content-Type-Options": "nosniff",
	})
}

// Delete godoc
// @Summary Delete a file
// @Tags Objects
// @Produce json
// @Security BearerAuth
// @Param key path string true "Object key"
// @Success 200 {object} map[string]interface{}
// @Failure 401,403,404 {object} map[string]interface{}
// @Router /objects/{key} [delete]
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")
	if err := h.service.DeleteObject(c.Request.Context(), key); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"key": key, "deleted": true})
}

// BatchDelete godoc
// @Summary Delete several files
// @Tags Objects
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body BatchDeleteRequest true "Keys"
// @Success 200 {object} map[string]interface{}
// @Failure 400,401,403 {object} map[string]interface{}
// @Router /objects/batch-delete [post]
func (h *Handler) BatchDelete(c *gin.Context) {
	var req BatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", errs)
		return
	}
	res, err := h.service.BatchDelete(c.Request.Context(), req.Keys)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// ClearAll godoc
// @Summary Delete every stored file
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Failure 401,403 {object} map[string]interface{}
// @Router /admin/clear-all [post]
func (h *Handler) ClearAll(c *gin.Context) {
	res, err := h.service.ClearAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Stats godoc
// @Summary Storage usage
// @Tags System
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// Sweep godoc
// @Summary Run the cleanup sweep now
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /admin/sweep [post]
func (h *Handler) Sweep(c *gin.Context) {
	response.Success(c, http.StatusOK, h.reaper.RunOnce(c.Request.Context()))
}

func writeError(c *gin.Context, err error) {
	var exceeded *quota.ExceededError

	switch {
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
	case errors.Is(err, ErrInvalidSize), errors.Is(err, quota.ErrInvalidSize), errors.Is(err, objectstore.ErrSizeMismatch):
		response.Error(c, http.StatusBadRequest, "INVALID_SIZE", err.Error())
	case errors.Is(err, ErrLengthRequired):
		response.Error(c, http.StatusLengthRequired, "LENGTH_REQUIRED", "Content-Length is required")
	case errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrBatchTooLarge):
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, ErrPreviewUnsupported):
		response.Error(c, http.StatusBadRequest, "PREVIEW_UNSUPPORTED", "This file type cannot be previewed")
	case errors.Is(err, objectstore.ErrObjectNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "File not found")
	case errors.Is(err, objectstore.ErrInvalidKey), errors.Is(err, credential.ErrInvalidKey):
		response.Error(c, http.StatusBadRequest, "INVALID_KEY", "Invalid object key")
	case errors.Is(err, credential.ErrExpired):
		response.Error(c, http.StatusForbidden, "CREDENTIAL_EXPIRED", "Upload URL has expired")
	case errors.Is(err, credential.ErrInvalidSignature):
		response.Error(c, http.StatusForbidden, "INVALID_SIGNATURE", "Upload URL signature is invalid")
	case errors.Is(err, credential.ErrConfiguration):
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "CONFIGURATION_ERROR", "Upload signing is not configured")
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Storage operation failed")
	}
}
