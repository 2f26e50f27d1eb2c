package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/internal/infrastructure/capture"
	apperrors "lanscreen/pkg/errors"
	"lanscreen/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ConsentPrompt is the interactive side of the capture consent flow.
type ConsentPrompt interface {
	Pending() (capture.ConsentRequest, bool)
	Answer(selection domain.SourceSelection, granted bool) error
}

type ControlHandler struct {
	registry    ports.DeviceRegistry
	coordinator ports.SessionCoordinator
	reporter    ports.StatsReporter
	consent     ConsentPrompt
	defaults    domain.CaptureOptions

	// upper bound for ?wait=true; zero waits for the prompt outcome
	previewWait time.Duration
}

var _ ports.ControlHandler = (*ControlHandler)(nil)

// NewControlHandler builds the control API. consent may be nil when capture
// consent is granted automatically.
func NewControlHandler(
	registry ports.DeviceRegistry,
	coordinator ports.SessionCoordinator,
	reporter ports.StatsReporter,
	consent ConsentPrompt,
	defaults domain.CaptureOptions,
) *ControlHandler {
	return &ControlHandler{
		registry:    registry,
		coordinator: coordinator,
		reporter:    reporter,
		consent:     consent,
		defaults:    defaults,
	}
}

// WithPreviewWaitLimit caps how long StartPreview blocks with ?wait=true.
// Keep it below the server write timeout so the reply is not cut off.
func (h *ControlHandler) WithPreviewWaitLimit(limit time.Duration) *ControlHandler {
	h.previewWait = limit
	return h
}

func (h *ControlHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/local", h.GetLocalDevice)
		api.PUT("/devices/:id/status", h.SetDeviceStatus)
		api.POST("/devices/reset", h.ResetDevices)

		api.GET("/discovery", h.GetDiscovery)
		api.POST("/discovery/start", h.StartDiscovery)
		api.POST("/discovery/stop", h.StopDiscovery)

		api.POST("/capture/preview", h.StartPreview)
		api.DELETE("/capture/preview", h.StopPreview)
		api.GET("/capture/consent", h.GetConsent)
		api.POST("/capture/consent", h.AnswerConsent)

		api.GET("/session", h.GetSession)
		api.GET("/session/stats", h.GetStats)
		api.POST("/session/share", h.StartSharing)
		api.DELETE("/session/share", h.StopSharing)
	}
}

// abort hands err to ErrorHandlerMiddleware.
func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func (h *ControlHandler) ListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Snapshot())
}

func (h *ControlHandler) GetLocalDevice(c *gin.Context) {
	snap := h.registry.Snapshot()
	if snap.Local == nil {
		abort(c, apperrors.NewNotFoundError("local device"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": snap.Local})
}

func (h *ControlHandler) SetDeviceStatus(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateDeviceID(id); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceStatus(req.Status); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.registry.SetStatus(domain.DeviceID(id), domain.DeviceStatus(req.Status)); err != nil {
		abort(c, err)
		return
	}

	device, _ := h.registry.Get(domain.DeviceID(id))
	c.JSON(http.StatusOK, gin.H{"device": device})
}

func (h *ControlHandler) ResetDevices(c *gin.Context) {
	h.registry.ResetDevices()
	c.JSON(http.StatusOK, h.registry.Snapshot())
}

func (h *ControlHandler) GetDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"discovering": h.registry.Snapshot().Discovering})
}

func (h *ControlHandler) StartDiscovery(c *gin.Context) {
	h.registry.StartDiscovery()
	c.JSON(http.StatusAccepted, gin.H{"discovering": h.registry.Snapshot().Discovering})
}

func (h *ControlHandler) StopDiscovery(c *gin.Context) {
	h.registry.StopDiscovery()
	c.JSON(http.StatusOK, gin.H{"discovering": h.registry.Snapshot().Discovering})
}

type previewRequest struct {
	Audio   *bool  `json:"audio"`
	FPS     int    `json:"fps"`
	Quality string `json:"quality"`
	Codec   string `json:"codec"`
}

func (h *ControlHandler) captureOptions(req previewRequest) domain.CaptureOptions {
	opts := h.defaults
	if req.Audio != nil {
		opts.Audio = *req.Audio
	}
	if req.FPS != 0 {
		opts.FPS = req.FPS
	}
	if req.Quality != "" {
		opts.Quality = domain.StreamQuality(req.Quality)
	}
	if req.Codec != "" {
		opts.Codec = domain.VideoCodec(req.Codec)
	}
	return opts
}

// StartPreview asks for a capture. By default the call returns 202 right
// away and the outcome arrives as events; with ?wait=true it blocks until
// the consent prompt is answered or the wait limit passes.
func (h *ControlHandler) StartPreview(c *gin.Context) {
	var req previewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if err := validation.ValidateCaptureOptions(req.FPS, req.Quality, req.Codec); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	opts := h.captureOptions(req)

	// not tied to the request; the prompt outlives it
	result := h.coordinator.StartLocalPreviewAsync(context.Background(), opts)

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "options": opts})
		return
	}

	var expired <-chan time.Time
	if h.previewWait > 0 {
		timer := time.NewTimer(h.previewWait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-result:
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, h.coordinator.Snapshot())
	case <-expired:
		// still waiting on consent; the outcome arrives as events
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "options": opts})
	case <-c.Request.Context().Done():
		abort(c, c.Request.Context().Err())
	}
}

func (h *ControlHandler) StopPreview(c *gin.Context) {
	h.coordinator.StopLocalPreview()
	c.JSON(http.StatusOK, h.coordinator.Snapshot())
}

func (h *ControlHandler) GetConsent(c *gin.Context) {
	if h.consent == nil {
		c.Status(http.StatusNoContent)
		return
	}
	req, ok := h.consent.Pending()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

func (h *ControlHandler) AnswerConsent(c *gin.Context) {
	if h.consent == nil {
		abort(c, apperrors.NewConflictError("capture consent is granted automatically"))
		return
	}

	var req struct {
		Granted  bool   `json:"granted"`
		SourceID string `json:"source_id"`
		Kind     string `json:"kind"`
		Label    string `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Kind != "" && req.Kind != "screen" && req.Kind != "window" {
		abort(c, apperrors.NewInvalidInputError("kind must be screen or window"))
		return
	}

	selection := domain.SourceSelection{SourceID: req.SourceID, Kind: req.Kind, Label: req.Label}
	if err := h.consent.Answer(selection, req.Granted); err != nil {
		if errors.Is(err, capture.ErrNoPendingRequest) {
			abort(c, apperrors.NewNotFoundError("pending consent request"))
			return
		}
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered"})
}

func (h *ControlHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Snapshot())
}

func (h *ControlHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": h.reporter.Running(),
		"stats":   h.reporter.Current(),
	})
}

func (h *ControlHandler) StartSharing(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.coordinator.StartSharingTo(c.Request.Context(), domain.DeviceID(req.DeviceID)); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, h.coordinator.Snapshot())
}

func (h *ControlHandler) StopSharing(c *gin.Context) {
	h.coordinator.StopSharing()
	c.JSON(http.StatusOK, h.coordinator.Snapshot())
}
