package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// opus frame carrying 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrameDuration = 20 * time.Millisecond

// FrameSource produces encoded video frames for a capture. The built-in
// source emits synthetic frames; a platform grabber can replace it.
type FrameSource interface {
	NextFrame(seq uint64) []byte
}

type syntheticFrames struct {
	size int
}

func (s syntheticFrames) NextFrame(seq uint64) []byte {
	frame := make([]byte, s.size)
	for i := range frame {
		frame[i] = byte(seq + uint64(i))
	}
	return frame
}

// frame payload size per quality level, sized so the nominal bitrate holds
// at 30 fps
func frameSize(q domain.StreamQuality) int {
	return q.NominalBitrateKbps() * 1000 / 8 / 30
}

// MediaCapture is a live capture feeding pion sample tracks.
type MediaCapture struct {
	id      string
	source  domain.SourceSelection
	opts    domain.CaptureOptions
	video   *webrtc.TrackLocalStaticSample
	audio   *webrtc.TrackLocalStaticSample
	frames  FrameSource
	logger  *zap.SugaredLogger
	counter atomic.Uint64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func codecCapability(codec domain.VideoCodec) webrtc.RTPCodecCapability {
	if codec == domain.CodecH264 {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func newMediaCapture(selection domain.SourceSelection, opts domain.CaptureOptions, frames FrameSource, logger *zap.SugaredLogger) (*MediaCapture, error) {
	id := uuid.NewString()
	streamID := "lanscreen-" + id

	video, err := webrtc.NewTrackLocalStaticSample(codecCapability(opts.Codec), "screen", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	c := &MediaCapture{
		id:     id,
		source: selection,
		opts:   opts,
		video:  video,
		frames: frames,
		logger: logger,
		done:   make(chan struct{}),
	}

	if opts.Audio {
		c.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"system-audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
	}

	return c, nil
}

func (c *MediaCapture) ID() string                     { return c.id }
func (c *MediaCapture) Source() domain.SourceSelection { return c.source }
func (c *MediaCapture) Options() domain.CaptureOptions { return c.opts }
func (c *MediaCapture) FramesCaptured() uint64         { return c.counter.Load() }
func (c *MediaCapture) Done() <-chan struct{}          { return c.done }

func (c *MediaCapture) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{c.video}
	if c.audio != nil {
		tracks = append(tracks, c.audio)
	}
	return tracks
}

func (c *MediaCapture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pumpVideo(ctx)
	}()
	if c.audio != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pumpAudio(ctx)
		}()
	}

	go func() {
		wg.Wait()
		c.stopOnce.Do(func() { close(c.done) })
	}()
}

func (c *MediaCapture) pumpVideo(ctx context.Context) {
	interval := time.Second / time.Duration(c.opts.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := c.counter.Add(1)
			if err := c.video.WriteSample(media.Sample{Data: c.frames.NextFrame(seq), Duration: interval}); err != nil {
				c.logger.Warnw("video sample write failed, ending capture", "capture_id", c.id, "error", err)
				return
			}
		}
	}
}

func (c *MediaCapture) pumpAudio(ctx context.Context) {
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrameDuration}); err != nil {
				c.logger.Debugw("audio sample write failed", "capture_id", c.id, "error", err)
			}
		}
	}
}

// stop ends the feed and waits for Done. Safe to call more than once.
func (c *MediaCapture) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Source grants captures after asking the consent prompt.
type Source struct {
	prompt ports.ConsentPrompt
	frames FrameSource
	logger *zap.SugaredLogger
}

func NewSource(prompt ports.ConsentPrompt, logger *zap.SugaredLogger) *Source {
	return &Source{prompt: prompt, logger: logger}
}

// WithFrameSource overrides the synthetic frame generator.
func (s *Source) WithFrameSource(frames FrameSource) *Source {
	s.frames = frames
	return s
}

func (s *Source) Acquire(ctx context.Context, opts domain.CaptureOptions) (ports.CaptureHandle, error) {
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid capture fps %d", opts.FPS)
	}

	selection, err := s.prompt.RequestConsent(ctx, opts)
	if err != nil {
		return nil, err
	}

	frames := s.frames
	if frames == nil {
		frames = syntheticFrames{size: frameSize(opts.Quality)}
	}

	c, err := newMediaCapture(selection, opts, frames, s.logger)
	if err != nil {
		return nil, err
	}
	c.start()

	s.logger.Infow("capture started",
		"capture_id", c.id,
		"source", selection.SourceID,
		"fps", opts.FPS,
		"codec", c.video.Codec().MimeType,
		"audio", opts.Audio,
	)
	return c, nil
}

// Release stops every track of the handle. Idempotent.
func (s *Source) Release(handle ports.CaptureHandle) {
	c, ok := handle.(*MediaCapture)
	if !ok || c == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.stop()
	s.logger.Infow("capture released", "capture_id", c.id, "frames", c.FramesCaptured())
}
