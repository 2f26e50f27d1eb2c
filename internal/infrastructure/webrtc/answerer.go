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

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RemoteStreamSink is told when an inbound stream starts and ends.
type RemoteStreamSink interface {
	SetRemoteStream(stream ports.RemoteStream)
}

// ErrOfferRejected is returned for offers that cannot be answered.
var ErrOfferRejected = errors.New("offer rejected")

// Answerer accepts inbound offers. Only one inbound stream is shown at a
// time; a new offer replaces the current one.
type Answerer struct {
	cfg    PeerConfig
	sink   RemoteStreamSink
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *inboundPeer
}

type inboundPeer struct {
	pc     *webrtc.PeerConnection
	from   domain.DeviceID
	stream *InboundStream
}

func NewAnswerer(cfg PeerConfig, sink RemoteStreamSink, logger *zap.SugaredLogger) *Answerer {
	return &Answerer{cfg: cfg, sink: sink, logger: logger}
}

// HandleOffer applies a complete remote offer and returns the answer once
// local ICE gathering has finished.
func (a *Answerer) HandleOffer(ctx context.Context, offer domain.SignalOffer) (domain.SignalAnswer, error) {
	ctx, span := tracing.TraceWebRTC(ctx, "answer", string(offer.FromDeviceID))
	defer span.End()

	if offer.SDP == "" || offer.FromDeviceID == "" {
		return domain.SignalAnswer{}, fmt.Errorf("%w: missing sdp or sender", ErrOfferRejected)
	}

	pc, err := newPeerConnection(a.cfg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.SignalAnswer{}, err
	}

	peer := &inboundPeer{pc: pc, from: offer.FromDeviceID}
	a.replace(peer)

	pc.OnTrack(a.handleTrack(peer))
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Infow("inbound connection state changed",
			"from", offer.FromDeviceID,
			"connection_state", state,
		)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			a.drop(peer)
		}
	})

	answer, err := a.answer(ctx, pc, offer.SDP)
	if err != nil {
		a.drop(peer)
		tracing.RecordError(ctx, err)
		return domain.SignalAnswer{}, err
	}

	a.logger.Infow("answered inbound offer", "from", offer.FromDeviceID, "session_id", offer.SessionID)
	return domain.SignalAnswer{SDP: answer}, nil
}

func (a *Answerer) answer(ctx context.Context, pc *webrtc.PeerConnection, sdp string) (string, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOfferRejected, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (a *Answerer) handleTrack(peer *inboundPeer) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		a.logger.Infow("inbound track started",
			"from", peer.from,
			"track_id", track.ID(),
			"kind", track.Kind(),
			"codec", track.Codec().MimeType,
		)

		go drainRTCP(receiver)

		if track.Kind() != webrtc.RTPCodecTypeVideo {
			go discardRTP(track)
			return
		}

		// ask for a keyframe so the first frame can be decoded
		if err := peer.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			a.logger.Warnw("failed to send PLI", "from", peer.from, "error", err)
		}

		stream := newInboundStream(peer.from, track.Codec().MimeType)

		a.mu.Lock()
		if a.current != peer {
			a.mu.Unlock()
			return
		}
		peer.stream = stream
		a.mu.Unlock()

		a.sink.SetRemoteStream(stream)

		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				a.logger.Debugw("inbound track ended", "from", peer.from, "error", err)
				a.drop(peer)
				return
			}
			stream.observe(pkt)
		}
	}
}

// replace makes peer the current inbound connection and closes the
// previous one.
func (a *Answerer) replace(peer *inboundPeer) {
	a.mu.Lock()
	prev := a.current
	a.current = peer
	a.mu.Unlock()

	if prev != nil {
		_ = prev.pc.Close()
		if prev.stream != nil {
			a.sink.SetRemoteStream(nil)
		}
	}
}

// drop closes peer and clears the remote stream if peer is still current.
func (a *Answerer) drop(peer *inboundPeer) {
	a.mu.Lock()
	if a.current != peer {
		a.mu.Unlock()
		return
	}
	a.current = nil
	hadStream := peer.stream != nil
	a.mu.Unlock()

	_ = peer.pc.Close()
	if hadStream {
		a.sink.SetRemoteStream(nil)
	}
}

// Current returns the inbound stream being shown, if any.
func (a *Answerer) Current() (*InboundStream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.stream == nil {
		return nil, false
	}
	return a.current.stream, true
}

// Close ends the inbound connection, if any.
func (a *Answerer) Close() {
	a.mu.Lock()
	peer := a.current
	a.mu.Unlock()
	if peer != nil {
		a.drop(peer)
	}
}

func drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func discardRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// InboundStream is the inbound video shown to the local user. It meters the
// received RTP so the viewer can report fps and bitrate.
type InboundStream struct {
	id       string
	from     domain.DeviceID
	mimeType string
	now      func() time.Time

	mu         sync.Mutex
	startedAt  time.Time
	packets    uint64
	bytes      uint64
	frames     uint64
	keyframes  uint64
	lastTS     uint32
	haveLastTS bool
}

func newInboundStream(from domain.DeviceID, mimeType string) *InboundStream {
	return &InboundStream{
		id:       uuid.NewString(),
		from:     from,
		mimeType: mimeType,
		now:      time.Now,
	}
}

func (s *InboundStream) ID() string                    { return s.id }
func (s *InboundStream) PeerDeviceID() domain.DeviceID { return s.from }

// observe counts one packet. A new RTP timestamp marks a new frame.
func (s *InboundStream) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startedAt.IsZero() {
		s.startedAt = s.now()
	}
	s.packets++
	s.bytes += uint64(len(pkt.Payload))

	if !s.haveLastTS || pkt.Timestamp != s.lastTS {
		s.frames++
		s.lastTS = pkt.Timestamp
		s.haveLastTS = true
		if isKeyframe(s.mimeType, pkt.Payload) {
			s.keyframes++
		}
	}
}

// Measure reports the average fps and bitrate since the first packet.
func (s *InboundStream) Measure() (domain.StatsReading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startedAt.IsZero() {
		return domain.StatsReading{}, false
	}
	elapsed := s.now().Sub(s.startedAt).Seconds()
	if elapsed < 1 {
		return domain.StatsReading{}, false
	}
	return domain.StatsReading{
		FPS:         int(float64(s.frames)/elapsed + 0.5),
		BitrateKbps: int(float64(s.bytes)*8/1000/elapsed + 0.5),
	}, true
}

// Keyframes returns how many keyframes have been received.
func (s *InboundStream) Keyframes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyframes
}
