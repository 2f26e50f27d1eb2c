package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaler carries an offer to the target device and returns its answer.
type Signaler interface {
	ExchangeOffer(ctx context.Context, target domain.Device, offer domain.SignalOffer) (domain.SignalAnswer, error)
}

// Negotiator runs the outbound offer/answer handshake for a capture.
type Negotiator struct {
	cfg      PeerConfig
	signaler Signaler
	local    domain.Device
	logger   *zap.SugaredLogger
}

func NewNegotiator(cfg PeerConfig, signaler Signaler, local domain.Device, logger *zap.SugaredLogger) *Negotiator {
	return &Negotiator{cfg: cfg, signaler: signaler, local: local, logger: logger}
}

func (n *Negotiator) Negotiate(ctx context.Context, capture ports.CaptureHandle, target domain.Device) (ports.MediaLink, error) {
	ctx, span := tracing.TraceWebRTC(ctx, "negotiate", string(target.ID))
	defer span.End()

	pc, err := newPeerConnection(n.cfg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	link, err := n.negotiate(ctx, pc, capture, target)
	if err != nil {
		_ = pc.Close()
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return link, nil
}

func (n *Negotiator) negotiate(ctx context.Context, pc *webrtc.PeerConnection, capture ports.CaptureHandle, target domain.Device) (*pionLink, error) {
	link := newPionLink(pc, capture)

	for _, track := range capture.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return nil, fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		go n.readSenderRTCP(target.ID, sender)
	}

	connected := make(chan struct{})
	failed := make(chan struct{})
	var once sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Infow("outbound connection state changed",
			"target", target.ID,
			"connection_state", state,
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			once.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			once.Do(func() { close(failed) })
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	answer, err := n.signaler.ExchangeOffer(ctx, target, domain.SignalOffer{
		FromDeviceID: n.local.ID,
		FromName:     n.local.Name,
		SessionID:    capture.ID(),
		SDP:          pc.LocalDescription().SDP,
	})
	if err != nil {
		return nil, fmt.Errorf("signaling %s: %w", target.ID, err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	select {
	case <-connected:
	case <-failed:
		return nil, errors.New("peer connection failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n.logger.Infow("outbound media link established",
		"target", target.ID,
		"capture_id", capture.ID(),
		"tracks", len(capture.Tracks()),
	)
	return link, nil
}

// readSenderRTCP drains receiver feedback for one sender. The interceptors
// only run while something reads from the sender.
func (n *Negotiator) readSenderRTCP(target domain.DeviceID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				n.logger.Debugw("received PLI", "target", target, "ssrc", p.MediaSSRC)
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					if report.FractionLost > 0 {
						n.logger.Debugw("receiver reports loss",
							"target", target,
							"ssrc", report.SSRC,
							"fraction_lost", float64(report.FractionLost)/256,
							"jitter", report.Jitter,
						)
					}
				}
			case *rtcp.TransportLayerNack:
				n.logger.Debugw("received NACK", "target", target, "nacks", len(p.Nacks))
			}
		}
	}
}

// pionLink is an established outbound peer connection. Measure derives the
// live fps from the capture frame counter and the bitrate from the
// outbound RTP byte counters between two calls.
type pionLink struct {
	pc      *webrtc.PeerConnection
	capture ports.CaptureHandle
	stats   func() webrtc.StatsReport
	now     func() time.Time

	mu         sync.Mutex
	lastAt     time.Time
	lastBytes  uint64
	lastFrames uint64

	closeOnce sync.Once
	closeErr  error
}

func newPionLink(pc *webrtc.PeerConnection, capture ports.CaptureHandle) *pionLink {
	return &pionLink{
		pc:      pc,
		capture: capture,
		stats:   pc.GetStats,
		now:     time.Now,
	}
}

func outboundBytes(report webrtc.StatsReport) (uint64, bool) {
	var (
		total uint64
		found bool
	)
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			total += st.BytesSent
			found = true
		case *webrtc.OutboundRTPStreamStats:
			total += st.BytesSent
			found = true
		}
	}
	return total, found
}

func (l *pionLink) Measure() (domain.StatsReading, bool) {
	bytes, ok := outboundBytes(l.stats())
	if !ok {
		return domain.StatsReading{}, false
	}

	now := l.now()
	frames := l.capture.FramesCaptured()

	l.mu.Lock()
	defer l.mu.Unlock()

	prevAt, prevBytes, prevFrames := l.lastAt, l.lastBytes, l.lastFrames
	l.lastAt, l.lastBytes, l.lastFrames = now, bytes, frames

	if prevAt.IsZero() || bytes < prevBytes {
		return domain.StatsReading{}, false
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return domain.StatsReading{}, false
	}

	return domain.StatsReading{
		FPS:         int(float64(frames-prevFrames)/elapsed + 0.5),
		BitrateKbps: int(float64(bytes-prevBytes)*8/1000/elapsed + 0.5),
	}, true
}

func (l *pionLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.pc.Close()
	})
	return l.closeErr
}
