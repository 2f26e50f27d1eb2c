package http

import (
	"context"
	"errors"
	"net/http"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/internal/infrastructure/webrtc"
	apperrors "lanscreen/pkg/errors"
	"lanscreen/pkg/validation"

	"github.com/gin-gonic/gin"
)

// OfferAnswerer answers inbound offers from sharing devices.
type OfferAnswerer interface {
	HandleOffer(ctx context.Context, offer domain.SignalOffer) (domain.SignalAnswer, error)
}

type SignalHandler struct {
	answerer OfferAnswerer
}

var _ ports.SignalHandler = (*SignalHandler)(nil)

// NewSignalHandler builds the signaling endpoint. With a nil answerer the
// device refuses inbound streams.
func NewSignalHandler(answerer OfferAnswerer) *SignalHandler {
	return &SignalHandler{answerer: answerer}
}

func (h *SignalHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/api/v1/signal/offer", h.HandleOffer)
}

func (h *SignalHandler) HandleOffer(c *gin.Context) {
	if h.answerer == nil {
		abort(c, apperrors.NewServiceUnavailableError("inbound streams are disabled"))
		return
	}

	var offer domain.SignalOffer
	if err := c.ShouldBindJSON(&offer); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(string(offer.FromDeviceID)); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateSDP(offer.SDP); err != nil {
		abort(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	answer, err := h.answerer.HandleOffer(c.Request.Context(), offer)
	if err != nil {
		if errors.Is(err, webrtc.ErrOfferRejected) {
			abort(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "offer rejected", http.StatusBadRequest))
			return
		}
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}
