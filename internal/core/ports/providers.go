package ports

import (
	"context"

	"lanscreen/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// DiscoveryProvider finds reachable devices. Discover blocks for at most the
// provider's own window or until ctx is done. Seed returns the provider's
// current known set without waiting, used for synchronous reseeding.
type DiscoveryProvider interface {
	Discover(ctx context.Context) ([]domain.Device, error)
	Seed() []domain.Device
}

// CaptureHandle is a live local media feed.
type CaptureHandle interface {
	ID() string
	Source() domain.SourceSelection
	Options() domain.CaptureOptions
	Tracks() []webrtc.TrackLocal
	FramesCaptured() uint64
	// Done is closed once the feed has stopped, whether released or ended
	// by the OS.
	Done() <-chan struct{}
}

type CaptureSource interface {
	Acquire(ctx context.Context, opts domain.CaptureOptions) (CaptureHandle, error)
	Release(handle CaptureHandle)
}

// ConsentPrompt asks the user to pick a screen or window.
type ConsentPrompt interface {
	RequestConsent(ctx context.Context, opts domain.CaptureOptions) (domain.SourceSelection, error)
}

// StatsSource feeds measured values into the stats reporter; ok=false means
// no measurement is available for this tick.
type StatsSource interface {
	Measure() (reading domain.StatsReading, ok bool)
}

// MediaLink is an established outbound media transport.
type MediaLink interface {
	StatsSource
	Close() error
}

// Negotiator runs the transport handshake between capturing and active.
type Negotiator interface {
	Negotiate(ctx context.Context, capture CaptureHandle, target domain.Device) (MediaLink, error)
}

// RemoteStream is an inbound media feed shown to the local user.
type RemoteStream interface {
	ID() string
	PeerDeviceID() domain.DeviceID
}

// NoticeSink receives errors and notices for the presentation layer.
type NoticeSink interface {
	Notify(notice domain.Notice)
}
