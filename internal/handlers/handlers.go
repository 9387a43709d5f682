package handlers

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/qrggif/internal/cache"
	"github.com/example/qrggif/internal/pipeline"
	"github.com/example/qrggif/internal/repository"
	"github.com/example/qrggif/internal/usecase"
	"github.com/example/qrggif/internal/validator"
)

// MaxUploadSize caps a single uploaded file when no other limit is configured.
const MaxUploadSize = 5 << 20

// multipartOverhead leaves room for boundaries and part headers.
const multipartOverhead = 1 << 20

// VerificationService is the public verification surface.
type VerificationService interface {
	VerifyAnimation(ctx context.Context, data []byte) (*usecase.VerificationOutcome, error)
	VerifyFrames(ctx context.Context, stills []image.Image) (*usecase.VerificationOutcome, error)
	ValidateHash(ctx context.Context, hash string) (*usecase.VerificationOutcome, error)
	GetResult(ctx context.Context, requestID string) (*usecase.VerificationOutcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegistryService is the administrator surface.
type RegistryService interface {
	RegisterSequence(ctx context.Context, nickname string, symbols []string, expirationMinutes int) (*repository.QRCode, error)
	ListCodes(ctx context.Context, page int) (*usecase.CodePage, error)
	GetCode(ctx context.Context, id uint) (*usecase.CodeView, error)
	ActivateCode(ctx context.Context, id uint) (*usecase.CodeView, error)
	UpdateExpiration(ctx context.Context, id uint, minutes int) (*usecase.CodeView, error)
	SetActive(ctx context.Context, id uint, active bool) error
	DeleteCode(ctx context.Context, id uint) error
	ExportCache(format cache.Format) ([]byte, error)
	ClearCache() int
}

// Dependencies groups what RegisterRoutes needs. MaxUploadBytes of zero
// selects MaxUploadSize.
type Dependencies struct {
	Verifier       VerificationService
	Registry       RegistryService
	Auth           gin.HandlerFunc
	MaxUploadBytes int64
}

type handler struct {
	verifier  VerificationService
	registry  RegistryService
	maxUpload int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	h := &handler{verifier: deps.Verifier, registry: deps.Registry, maxUpload: deps.MaxUploadBytes}
	if h.maxUpload <= 0 {
		h.maxUpload = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/verify", h.verifyAnimation)
	router.POST("/verify/frames", h.verifyFrames)
	router.POST("/api/validate-qrg", h.validateHash)

	protected := router.Group("/", deps.Auth)
	protected.GET("/result/:id", h.getResult)

	admin := router.Group("/admin", deps.Auth)
	admin.GET("/qrggifs", h.listCodes)
	admin.POST("/qrggifs", h.registerCode)
	admin.GET("/qrggifs/:id", h.getCode)
	admin.POST("/qrggifs/:id/validate", h.activateCode)
	admin.PUT("/qrggifs/:id/expiration", h.updateExpiration)
	admin.PUT("/qrggifs/:id/active", h.setActive)
	admin.DELETE("/qrggifs/:id", h.deleteCode)
	admin.GET("/metrics", h.metrics)
	admin.GET("/cache/export", h.exportCache)
	admin.DELETE("/cache", h.clearCache)
}

func (h *handler) limitBody(c *gin.Context, files int64) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload*files+multipartOverhead)
}

// readUpload returns the bytes of one multipart file after checking its size
// and sniffed content type. It writes the error response itself.
func (h *handler) readUpload(c *gin.Context, file *multipart.FileHeader, allowed ...string) ([]byte, bool) {
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, false
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open upload"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return nil, false
	}
	if int64(len(data)) > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, false
	}

	sniffed := http.DetectContentType(data)
	for _, a := range allowed {
		if sniffed == a {
			return data, true
		}
	}
	c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + sniffed})
	return nil, false
}

func formError(c *gin.Context, err error, what string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": what + " is required"})
}

func (h *handler) verifyAnimation(c *gin.Context) {
	h.limitBody(c, 1)
	file, err := c.FormFile("animation")
	if err != nil {
		formError(c, err, "animation file")
		return
	}
	data, ok := h.readUpload(c, file, "image/gif")
	if !ok {
		return
	}

	outcome, err := h.verifier.VerifyAnimation(c.Request.Context(), data)
	respondOutcome(c, outcome, err)
}

func (h *handler) verifyFrames(c *gin.Context) {
	h.limitBody(c, validator.MaxSequenceLength)
	form, err := c.MultipartForm()
	if err != nil {
		formError(c, err, "frames")
		return
	}
	files := form.File["frames"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frames are required"})
		return
	}
	if len(files) > validator.MaxSequenceLength {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": pipeline.ErrInvalidFrameCount.Error()})
		return
	}

	stills := make([]image.Image, 0, len(files))
	for _, file := range files {
		data, ok := h.readUpload(c, file, "image/png", "image/jpeg")
		if !ok {
			return
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to decode frame " + file.Filename})
			return
		}
		stills = append(stills, img)
	}

	outcome, err := h.verifier.VerifyFrames(c.Request.Context(), stills)
	respondOutcome(c, outcome, err)
}

func respondOutcome(c *gin.Context, outcome *usecase.VerificationOutcome, err error) {
	if err != nil {
		body := gin.H{"valid": false, "error": err.Error()}
		if outcome != nil {
			body["request_id"] = outcome.RequestID
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type validateRequest struct {
	AnimationHash string `json:"animation_hash"`
}

func (h *handler) validateHash(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AnimationHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "message": usecase.MessageMissing})
		return
	}

	outcome, err := h.verifier.ValidateHash(c.Request.Context(), req.AnimationHash)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"valid": false, "message": err.Error()})
		return
	}
	body := gin.H{"valid": outcome.Valid, "message": outcome.Message}
	if outcome.Entry != nil {
		body["entry"] = outcome.Entry
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) getResult(c *gin.Context) {
	outcome, err := h.verifier.GetResult(c.Request.Context(), c.Param("id"))
	if errors.Is(err, usecase.ErrResultPending) {
		c.JSON(http.StatusAccepted, gin.H{"request_id": c.Param("id"), "status": "processing"})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) listCodes(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	out, err := h.registry.ListCodes(c.Request.Context(), page)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

type registerRequest struct {
	Nickname          string   `json:"nickname" binding:"required"`
	Sequence          []string `json:"sequence" binding:"required"`
	ExpirationMinutes int      `json:"expiration_minutes"`
}

func (h *handler) registerCode(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	code, err := h.registry.RegisterSequence(c.Request.Context(), req.Nickname, req.Sequence, req.ExpirationMinutes)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, code)
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (h *handler) getCode(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.registry.GetCode(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) activateCode(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.registry.ActivateCode(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

type expirationRequest struct {
	Minutes int `json:"minutes" binding:"required"`
}

func (h *handler) updateExpiration(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req expirationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := h.registry.UpdateExpiration(c.Request.Context(), id, req.Minutes)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *handler) setActive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

func (h *handler) deleteCode(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.registry.DeleteCode(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.verifier.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) exportCache(c *gin.Context) {
	format := cache.Format(c.DefaultQuery("format", string(cache.FormatCSV)))
	out, err := h.registry.ExportCache(format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contentType := "text/csv"
	if format == cache.FormatJSON {
		contentType = "application/json"
	}
	c.Header("Content-Disposition", "attachment; filename=ocr-cache."+string(format))
	c.Data(http.StatusOK, contentType, out)
}

func (h *handler) clearCache(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.registry.ClearCache()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usecase.ErrResultPending):
		return http.StatusAccepted
	case errors.Is(err, pipeline.ErrDecode),
		errors.Is(err, usecase.ErrInvalidSequence),
		errors.Is(err, usecase.ErrExpirationTooShort):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidFrameCount),
		errors.Is(err, pipeline.ErrInsufficientSymbols),
		errors.Is(err, pipeline.ErrSequenceInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
