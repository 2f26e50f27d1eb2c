package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/pkg/tracing"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	evCapture   = "capture"
	evNegotiate = "negotiate"
	evActivate  = "activate"
	evAbort     = "abort"
	evReset     = "reset"
)

func newOutboundMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(domain.SessionIdle),
		fsm.Events{
			{Name: evCapture, Src: []string{string(domain.SessionIdle)}, Dst: string(domain.SessionCapturing)},
			{Name: evNegotiate, Src: []string{string(domain.SessionCapturing)}, Dst: string(domain.SessionNegotiating)},
			{Name: evActivate, Src: []string{string(domain.SessionNegotiating)}, Dst: string(domain.SessionActive)},
			{Name: evAbort, Src: []string{string(domain.SessionNegotiating)}, Dst: string(domain.SessionCapturing)},
			{Name: evReset, Src: []string{
				string(domain.SessionCapturing),
				string(domain.SessionNegotiating),
				string(domain.SessionActive),
			}, Dst: string(domain.SessionIdle)},
		},
		fsm.Callbacks{},
	)
}

// CoordinatorConfig tunes the coordinator. Zero values fall back to defaults.
type CoordinatorConfig struct {
	NegotiationTimeout time.Duration
	DefaultOptions     domain.CaptureOptions
}

// SessionCoordinator owns the local capture and the single outbound session.
// Acquisition and negotiation run without holding mu; their results are
// applied only while the generation they started under is still current.
type SessionCoordinator struct {
	mu sync.Mutex

	capture    ports.CaptureSource
	registry   ports.DeviceRegistry
	reporter   ports.StatsReporter
	negotiator ports.Negotiator
	notices    ports.NoticeSink
	notifier   ports.EventPublisher
	logger     *zap.SugaredLogger
	cfg        CoordinatorConfig

	machine    *fsm.FSM
	session    domain.Session
	handle     ports.CaptureHandle
	link       ports.MediaLink
	generation uint64

	acquireSeq    uint64
	acquiring     uint64
	acquireCancel context.CancelFunc

	remote  ports.RemoteStream
	inbound *domain.Session
}

// NewSessionCoordinator wires the coordinator. negotiator may be nil, in
// which case negotiation is a pass-through.
func NewSessionCoordinator(
	capture ports.CaptureSource,
	registry ports.DeviceRegistry,
	reporter ports.StatsReporter,
	negotiator ports.Negotiator,
	notices ports.NoticeSink,
	notifier ports.EventPublisher,
	cfg CoordinatorConfig,
	logger *zap.SugaredLogger,
) *SessionCoordinator {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 15 * time.Second
	}
	if cfg.DefaultOptions == (domain.CaptureOptions{}) {
		cfg.DefaultOptions = domain.DefaultCaptureOptions()
	}

	c := &SessionCoordinator{
		capture:    capture,
		registry:   registry,
		reporter:   reporter,
		negotiator: negotiator,
		notices:    notices,
		notifier:   notifier,
		logger:     logger,
		cfg:        cfg,
		machine:    newOutboundMachine(),
	}
	c.session = c.idleSession()
	return c
}

// SetNegotiator replaces the negotiator used by later StartSharingTo calls.
func (c *SessionCoordinator) SetNegotiator(n ports.Negotiator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negotiator = n
}

// StartLocalPreview acquires a capture and moves the session to capturing.
// If a capture is already held the call succeeds without acquiring again.
func (c *SessionCoordinator) StartLocalPreview(ctx context.Context, opts domain.CaptureOptions) error {
	ctx, span := tracing.StartSpan(ctx, "session.start_preview")
	defer span.End()

	opts = c.normalizeOptions(opts)

	c.mu.Lock()
	if c.acquiring != 0 {
		c.mu.Unlock()
		return domain.ErrCaptureInProgress
	}
	if c.handle != nil {
		c.mu.Unlock()
		c.logger.Debug("preview already running")
		return nil
	}

	c.acquireSeq++
	token := c.acquireSeq
	acquireCtx, cancel := context.WithCancel(ctx)
	c.acquiring = token
	c.acquireCancel = cancel
	c.mu.Unlock()

	c.logger.Infow("acquiring capture", "fps", opts.FPS, "quality", opts.Quality, "codec", opts.Codec, "audio", opts.Audio)
	handle, err := c.capture.Acquire(acquireCtx, opts)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquiring != token {
		// superseded by StopLocalPreview or StopSharing
		if handle != nil {
			c.capture.Release(handle)
		}
		c.logger.Infow("capture acquisition cancelled", "token", token)
		tracing.RecordError(ctx, domain.ErrCaptureCancelled)
		return domain.ErrCaptureCancelled
	}
	c.acquiring = 0
	c.acquireCancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", domain.ErrCaptureCancelled, err)
		}
		c.logger.Warnw("capture acquisition failed", "error", err)
		c.notifyCaptureError(err)
		tracing.RecordError(ctx, err)
		return err
	}

	if err := c.machine.Event(ctx, evCapture); err != nil {
		c.capture.Release(handle)
		c.logger.Errorw("unexpected session transition", "event", evCapture, "state", c.machine.Current(), "error", err)
		return err
	}

	c.generation++
	c.handle = handle
	c.session = domain.Session{
		ID:        domain.SessionID(uuid.New().String()),
		Direction: domain.DirectionOutbound,
		State:     domain.SessionCapturing,
		CaptureID: handle.ID(),
		Options:   handle.Options(),
		StartedAt: time.Now(),
	}
	go c.watchCapture(handle, c.generation)

	tracing.AddSpanAttributes(ctx,
		attribute.String("session.id", string(c.session.ID)),
		attribute.String("capture.id", handle.ID()),
	)
	c.logger.Infow("preview started", "session_id", c.session.ID, "capture_id", handle.ID())
	c.publishLocked()
	return nil
}

// StartLocalPreviewAsync runs StartLocalPreview in the background and
// delivers its result on the returned channel.
func (c *SessionCoordinator) StartLocalPreviewAsync(ctx context.Context, opts domain.CaptureOptions) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.StartLocalPreview(ctx, opts)
		close(result)
	}()
	return result
}

// StopLocalPreview releases the capture and returns the session to idle,
// tearing down any sharing built on top of it.
func (c *SessionCoordinator) StopLocalPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSessionLocked("preview stopped")
}

// StartSharingTo streams the current capture to the device with the given
// id. The target is reserved before negotiation starts and released again
// if negotiation fails.
func (c *SessionCoordinator) StartSharingTo(ctx context.Context, id domain.DeviceID) error {
	ctx, span := tracing.StartSpan(ctx, "session.start_sharing")
	defer span.End()
	tracing.AddSpanAttributes(ctx, attribute.String("device.id", string(id)))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Current() != string(domain.SessionCapturing) {
		err := fmt.Errorf("%w: session is %s", domain.ErrNoActiveCapture, c.machine.Current())
		c.notify(domain.Notice{
			Level:   domain.NoticeError,
			Title:   "No screen selected",
			Detail:  "Please select a screen to share first.",
			Command: "start_sharing",
		})
		tracing.RecordError(ctx, err)
		return err
	}

	target, err := c.registry.Reserve(id)
	if err != nil {
		c.logger.Warnw("sharing target rejected", "device_id", id, "error", err)
		c.notify(domain.Notice{
			Level:   domain.NoticeError,
			Title:   "Device unavailable",
			Detail:  err.Error(),
			Command: "start_sharing",
		})
		tracing.RecordError(ctx, err)
		return err
	}

	if err := c.machine.Event(ctx, evNegotiate); err != nil {
		c.registry.Release(id)
		return err
	}
	c.session.PeerDeviceID = id
	c.session.State = domain.SessionNegotiating
	c.logger.Infow("negotiating", "session_id", c.session.ID, "device_id", id, "address", target.Address)
	c.publishLocked()

	var link ports.MediaLink
	if c.negotiator != nil {
		generation := c.generation
		handle := c.handle
		negotiator := c.negotiator

		negCtx, cancel := context.WithTimeout(ctx, c.cfg.NegotiationTimeout)
		c.mu.Unlock()
		link, err = negotiator.Negotiate(negCtx, handle, target)
		cancel()
		c.mu.Lock()

		if generation != c.generation {
			// stopped while negotiating; teardown already released the target
			if link != nil {
				_ = link.Close()
			}
			c.logger.Infow("negotiation result discarded", "device_id", id)
			return fmt.Errorf("%w: session stopped during negotiation", domain.ErrNegotiationFailed)
		}

		if err != nil {
			c.registry.Release(id)
			_ = c.machine.Event(ctx, evAbort)
			c.session.PeerDeviceID = ""
			c.session.State = domain.SessionCapturing
			err = fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
			c.logger.Warnw("negotiation failed", "device_id", id, "error", err)
			c.notify(domain.Notice{
				Level:   domain.NoticeError,
				Title:   "Could not start sharing",
				Detail:  err.Error(),
				Command: "start_sharing",
			})
			tracing.RecordError(ctx, err)
			c.publishLocked()
			return err
		}
	}

	if err := c.machine.Event(ctx, evActivate); err != nil {
		if link != nil {
			_ = link.Close()
		}
		c.registry.Release(id)
		return err
	}
	c.link = link
	c.session.State = domain.SessionActive

	var primary ports.StatsSource
	if link != nil {
		primary = link
	}
	c.reporter.Start(fallbackStats{primary: primary, fallback: NominalStatsFor(c.session.Options)})

	c.logger.Infow("sharing started", "session_id", c.session.ID, "device_id", id)
	c.publishLocked()
	return nil
}

// StopSharing ends the outbound session and releases its target. Calling it
// with nothing to stop is a no-op.
func (c *SessionCoordinator) StopSharing() {
	_, span := tracing.StartSpan(context.Background(), "session.stop_sharing")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSessionLocked("sharing stopped")
}

// SetRemoteStream attaches or clears the inbound stream. It does not touch
// the outbound session or the registry.
func (c *SessionCoordinator) SetRemoteStream(stream ports.RemoteStream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stream == nil {
		if c.remote == nil {
			return
		}
		c.logger.Infow("remote stream cleared", "stream_id", c.remote.ID())
		c.remote = nil
		c.inbound = nil
		c.publishLocked()
		return
	}

	c.remote = stream
	c.inbound = &domain.Session{
		ID:           domain.SessionID(uuid.New().String()),
		Direction:    domain.DirectionInbound,
		PeerDeviceID: stream.PeerDeviceID(),
		State:        domain.SessionActive,
		StartedAt:    time.Now(),
	}
	c.logger.Infow("remote stream attached", "stream_id", stream.ID(), "peer", stream.PeerDeviceID())
	c.publishLocked()
}

func (c *SessionCoordinator) Snapshot() domain.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SnapshotAt is Snapshot plus the notifier sequence at the time it was
// taken. Session events with a higher Seq are newer.
func (c *SessionCoordinator) SnapshotAt() (domain.SessionSnapshot, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), c.notifier.Seq()
}

// Subscribe registers an observer for session changes only.
func (c *SessionCoordinator) Subscribe(observer ports.Observer) func() {
	return c.notifier.Subscribe(filtered(observer, domain.EventSessionChanged))
}

func (c *SessionCoordinator) endSessionLocked(reason string) {
	if c.acquireCancel != nil {
		c.acquireCancel()
		c.acquireCancel = nil
	}
	c.acquiring = 0

	if c.handle == nil {
		return
	}

	c.generation++
	stopped := c.session
	stopped.State = domain.SessionStopped

	if c.link != nil {
		if err := c.link.Close(); err != nil {
			c.logger.Warnw("failed to close media link", "error", err)
		}
		c.link = nil
	}
	if c.session.PeerDeviceID != "" {
		c.registry.Release(c.session.PeerDeviceID)
	}
	c.reporter.Stop()
	c.capture.Release(c.handle)
	c.handle = nil

	if err := c.machine.Event(context.Background(), evReset); err != nil {
		c.logger.Errorw("unexpected session transition", "event", evReset, "error", err)
		c.machine.SetState(string(domain.SessionIdle))
	}

	c.logger.Infow(reason, "session_id", stopped.ID, "device_id", stopped.PeerDeviceID)

	c.publishSessionLocked(stopped)
	c.session = c.idleSession()
	c.publishLocked()
}

func (c *SessionCoordinator) watchCapture(handle ports.CaptureHandle, generation uint64) {
	<-handle.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation || c.handle != handle {
		return
	}

	c.logger.Warnw("capture ended by source", "capture_id", handle.ID())
	c.notify(domain.Notice{
		Level:  domain.NoticeInfo,
		Title:  "Screen sharing ended",
		Detail: "The captured screen is no longer available.",
	})
	c.endSessionLocked("capture lost")
}

func (c *SessionCoordinator) notifyCaptureError(err error) {
	notice := domain.Notice{Level: domain.NoticeError, Command: "start_preview", Detail: err.Error()}
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		notice.Title = "Could not access screen."
		notice.Detail = "Please grant permission to share your screen."
	case errors.Is(err, domain.ErrNoSourceSelected):
		notice.Title = "No screen selected"
		notice.Detail = "Please select a screen to share first."
	case errors.Is(err, domain.ErrCaptureCancelled):
		notice.Level = domain.NoticeInfo
		notice.Title = "Screen selection cancelled"
	default:
		notice.Title = "Could not access screen."
	}
	c.notify(notice)
}

func (c *SessionCoordinator) notify(notice domain.Notice) {
	if c.notices != nil {
		c.notices.Notify(notice)
	}
}

func (c *SessionCoordinator) normalizeOptions(opts domain.CaptureOptions) domain.CaptureOptions {
	def := c.cfg.DefaultOptions
	if opts.FPS <= 0 {
		opts.FPS = def.FPS
	}
	if opts.Quality == "" {
		opts.Quality = def.Quality
	}
	if opts.Codec == "" {
		opts.Codec = def.Codec
	}
	return opts
}

func (c *SessionCoordinator) idleSession() domain.Session {
	return domain.Session{
		Direction: domain.DirectionOutbound,
		State:     domain.SessionIdle,
	}
}

func (c *SessionCoordinator) snapshotLocked() domain.SessionSnapshot {
	return c.snapshotWith(c.session)
}

func (c *SessionCoordinator) snapshotWith(outbound domain.Session) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		Outbound:  outbound,
		Sharing:   outbound.State == domain.SessionActive,
		Receiving: c.remote != nil,
		Stats:     c.reporter.Current(),
	}
	if c.inbound != nil {
		inbound := *c.inbound
		snap.Inbound = &inbound
	}
	return snap
}

func (c *SessionCoordinator) publishLocked() {
	c.publishSessionLocked(c.session)
}

func (c *SessionCoordinator) publishSessionLocked(outbound domain.Session) {
	snap := c.snapshotWith(outbound)
	c.notifier.Publish(domain.Event{
		Type:    domain.EventSessionChanged,
		Session: &snap,
	})
}

// NotifierSink forwards notices to observers as notice events.
type NotifierSink struct {
	notifier ports.EventPublisher
	logger   *zap.SugaredLogger
}

func NewNotifierSink(notifier ports.EventPublisher, logger *zap.SugaredLogger) *NotifierSink {
	return &NotifierSink{notifier: notifier, logger: logger}
}

func (s *NotifierSink) Notify(notice domain.Notice) {
	s.logger.Infow("notice", "level", notice.Level, "title", notice.Title, "detail", notice.Detail)
	n := notice
	s.notifier.Publish(domain.Event{Type: domain.EventNotice, Notice: &n})
}
