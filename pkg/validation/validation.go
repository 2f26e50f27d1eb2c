package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// DeviceIDRegex validates device ID format
	DeviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("device ID is too long (max 100 characters)")
	}
	if !DeviceIDRegex.MatchString(id) {
		return fmt.Errorf("invalid device ID format")
	}
	return nil
}

func ValidateDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("device name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("device name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 64, "device name")
}

func ValidateDeviceStatus(status string) error {
	switch status {
	case "available", "occupied", "unavailable":
		return nil
	}
	return fmt.Errorf("invalid device status %q (must be available, occupied, or unavailable)", status)
}

// ValidateAddress checks a host:port pair as advertised by a device.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("address %q must have a host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("address %q has an invalid port", addr)
	}
	return nil
}

// ValidateCaptureOptions checks stream settings. Zero values are allowed and
// mean "use the configured default".
func ValidateCaptureOptions(fps int, quality, codec string) error {
	switch fps {
	case 0, 15, 30, 60:
	default:
		return fmt.Errorf("invalid fps %d (must be 15, 30, or 60)", fps)
	}
	switch quality {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("invalid quality level %q (must be low, medium, or high)", quality)
	}
	switch codec {
	case "", "auto", "h264", "vp8":
	default:
		return fmt.Errorf("invalid codec %q (must be auto, h264, or vp8)", codec)
	}
	return nil
}

// ValidateSDP does a cheap sanity check on a session description body.
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	if len(sdp) > 64*1024 {
		return fmt.Errorf("sdp is too large (max 64KiB)")
	}
	return nil
}

func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
