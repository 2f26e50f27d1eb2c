package domain

type StreamQuality string

const (
	QualityLow    StreamQuality = "low"
	QualityMedium StreamQuality = "medium"
	QualityHigh   StreamQuality = "high"
)

type VideoCodec string

const (
	CodecAuto VideoCodec = "auto"
	CodecH264 VideoCodec = "h264"
	CodecVP8  VideoCodec = "vp8"
)

// CaptureOptions are the stream settings chosen before sharing starts.
type CaptureOptions struct {
	Audio   bool          `json:"audio"`
	FPS     int           `json:"fps"`
	Quality StreamQuality `json:"quality"`
	Codec   VideoCodec    `json:"codec"`
}

// DefaultCaptureOptions mirrors the share page defaults.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		Audio:   true,
		FPS:     30,
		Quality: QualityMedium,
		Codec:   CodecAuto,
	}
}

// NominalBitrateKbps is the bitrate advertised for a quality level when no
// measured value is available.
func (q StreamQuality) NominalBitrateKbps() int {
	switch q {
	case QualityLow:
		return 1500
	case QualityHigh:
		return 8000
	default:
		return 4200
	}
}

// SourceSelection is what the user picked in the consent prompt.
type SourceSelection struct {
	SourceID string `json:"source_id"`
	Kind     string `json:"kind"` // "screen" or "window"
	Label    string `json:"label,omitempty"`
}
