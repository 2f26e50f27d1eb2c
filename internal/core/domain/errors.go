package domain

import "errors"

var (
	// Capture
	ErrPermissionDenied  = errors.New("screen capture permission denied")
	ErrNoSourceSelected  = errors.New("no capture source selected")
	ErrCaptureCancelled  = errors.New("capture acquisition cancelled")
	ErrCaptureInProgress = errors.New("capture acquisition already in progress")

	// Session
	ErrNoActiveCapture   = errors.New("no active capture")
	ErrTargetUnavailable = errors.New("target device unavailable")
	ErrNegotiationFailed = errors.New("stream negotiation failed")

	// Registry
	ErrUnknownDeviceID = errors.New("unknown device id")
	ErrInvalidStatus   = errors.New("invalid device status")
)
