package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"lanscreen/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func waitPending(t *testing.T, p *PendingPrompt) ConsentRequest {
	t.Helper()
	var req ConsentRequest
	require.Eventually(t, func() bool {
		var ok bool
		req, ok = p.Pending()
		return ok
	}, time.Second, 5*time.Millisecond)
	return req
}

func TestPendingPrompt_Answers(t *testing.T) {
	screen := domain.SourceSelection{SourceID: "screen:1", Kind: "screen"}

	tests := []struct {
		name      string
		selection domain.SourceSelection
		granted   bool
		wantErr   error
	}{
		{name: "granted", selection: screen, granted: true},
		{name: "denied", selection: screen, granted: false, wantErr: domain.ErrPermissionDenied},
		{name: "picker closed", granted: true, wantErr: domain.ErrNoSourceSelected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPendingPrompt(time.Second, zaptest.NewLogger(t).Sugar())

			type result struct {
				sel domain.SourceSelection
				err error
			}
			done := make(chan result, 1)
			go func() {
				sel, err := p.RequestConsent(context.Background(), domain.DefaultCaptureOptions())
				done <- result{sel, err}
			}()

			req := waitPending(t, p)
			assert.NotEmpty(t, req.ID)
			require.NoError(t, p.Answer(tt.selection, tt.granted))

			res := <-done
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.err, tt.wantErr)
				return
			}
			require.NoError(t, res.err)
			assert.Equal(t, screen, res.sel)

			_, open := p.Pending()
			assert.False(t, open)
		})
	}
}

func TestPendingPrompt_TimeoutMeansNoSource(t *testing.T) {
	p := NewPendingPrompt(20*time.Millisecond, zaptest.NewLogger(t).Sugar())

	_, err := p.RequestConsent(context.Background(), domain.DefaultCaptureOptions())
	assert.ErrorIs(t, err, domain.ErrNoSourceSelected)
}

func TestPendingPrompt_ContextCancel(t *testing.T) {
	p := NewPendingPrompt(time.Minute, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.RequestConsent(ctx, domain.DefaultCaptureOptions())
		done <- err
	}()
	waitPending(t, p)
	cancel()

	assert.True(t, errors.Is(<-done, context.Canceled))
	assert.ErrorIs(t, p.Answer(domain.SourceSelection{SourceID: "x"}, true), ErrNoPendingRequest)
}

func TestPendingPrompt_SecondRequestRejected(t *testing.T) {
	p := NewPendingPrompt(time.Minute, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.RequestConsent(ctx, domain.DefaultCaptureOptions()) }()
	waitPending(t, p)

	_, err := p.RequestConsent(context.Background(), domain.DefaultCaptureOptions())
	assert.ErrorIs(t, err, domain.ErrCaptureInProgress)
}

func TestSource_AcquireAndRelease(t *testing.T) {
	src := NewSource(NewAutoConsent(), zaptest.NewLogger(t).Sugar())

	opts := domain.CaptureOptions{Audio: true, FPS: 60, Quality: domain.QualityHigh, Codec: domain.CodecAuto}
	handle, err := src.Acquire(context.Background(), opts)
	require.NoError(t, err)

	assert.NotEmpty(t, handle.ID())
	assert.Equal(t, "screen:0", handle.Source().SourceID)
	assert.Equal(t, opts, handle.Options())

	tracks := handle.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[1].Kind())

	assert.Eventually(t, func() bool { return handle.FramesCaptured() > 2 }, time.Second, 10*time.Millisecond)

	src.Release(handle)
	select {
	case <-handle.Done():
	default:
		t.Fatal("expected Done to be closed after release")
	}

	frames := handle.FramesCaptured()
	src.Release(handle)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frames, handle.FramesCaptured())
}

func TestSource_CodecSelection(t *testing.T) {
	tests := []struct {
		codec domain.VideoCodec
		mime  string
	}{
		{domain.CodecAuto, webrtc.MimeTypeVP8},
		{domain.CodecVP8, webrtc.MimeTypeVP8},
		{domain.CodecH264, webrtc.MimeTypeH264},
	}

	for _, tt := range tests {
		t.Run(string(tt.codec), func(t *testing.T) {
			src := NewSource(NewAutoConsent(), zaptest.NewLogger(t).Sugar())
			handle, err := src.Acquire(context.Background(), domain.CaptureOptions{FPS: 15, Quality: domain.QualityLow, Codec: tt.codec})
			require.NoError(t, err)
			defer src.Release(handle)

			tracks := handle.Tracks()
			require.Len(t, tracks, 1)
			video, ok := tracks[0].(*webrtc.TrackLocalStaticSample)
			require.True(t, ok)
			assert.Equal(t, tt.mime, video.Codec().MimeType)
		})
	}
}

func TestSource_ConsentErrorsPropagate(t *testing.T) {
	prompt := NewPendingPrompt(time.Minute, zaptest.NewLogger(t).Sugar())
	src := NewSource(prompt, zaptest.NewLogger(t).Sugar())

	done := make(chan error, 1)
	go func() {
		_, err := src.Acquire(context.Background(), domain.DefaultCaptureOptions())
		done <- err
	}()
	waitPending(t, prompt)
	require.NoError(t, prompt.Answer(domain.SourceSelection{}, false))

	assert.ErrorIs(t, <-done, domain.ErrPermissionDenied)
}

func TestSource_RejectsZeroFPS(t *testing.T) {
	src := NewSource(NewAutoConsent(), zaptest.NewLogger(t).Sugar())
	_, err := src.Acquire(context.Background(), domain.CaptureOptions{FPS: 0})
	assert.Error(t, err)
}
