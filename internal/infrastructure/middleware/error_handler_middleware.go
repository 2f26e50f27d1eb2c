package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"lanscreen/internal/core/domain"
	"lanscreen/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FromDomainError maps core sentinel errors onto API errors. Errors that
// already carry an AppError are returned unchanged.
func FromDomainError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrPermissionDenied):
		return errors.WrapError(err, errors.ErrCodePermissionDenied, "Please grant permission to share your screen.", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrNoSourceSelected):
		return errors.WrapError(err, errors.ErrCodeNoSourceSelected, "No screen selected", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNoActiveCapture):
		return errors.WrapError(err, errors.ErrCodeNoActiveCapture, "Please select a screen to share first.", http.StatusConflict)
	case stderrors.Is(err, domain.ErrTargetUnavailable):
		return errors.WrapError(err, errors.ErrCodeTargetUnavailable, "Device unavailable", http.StatusConflict)
	case stderrors.Is(err, domain.ErrUnknownDeviceID):
		return errors.WrapError(err, errors.ErrCodeNotFound, "device not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidStatus):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid device status", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrCaptureInProgress):
		return errors.WrapError(err, errors.ErrCodeConflict, "a capture request is already pending", http.StatusConflict)
	case stderrors.Is(err, domain.ErrCaptureCancelled), stderrors.Is(err, context.Canceled):
		return errors.WrapError(err, errors.ErrCodeCancelled, "request cancelled", http.StatusConflict)
	case stderrors.Is(err, domain.ErrNegotiationFailed), stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeBadGateway, "could not connect to the device", http.StatusBadGateway)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error attached to the context.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := FromDomainError(err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Infow("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
