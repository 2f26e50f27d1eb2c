package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"lanscreen/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (h *harness) startPreview(t *testing.T) *fakeHandle {
	t.Helper()
	handle := newFakeHandle("cap-1", domain.DefaultCaptureOptions())
	h.capture.On("Acquire", mock.Anything, mock.Anything).Return(handle, nil).Once()
	h.capture.On("Release", handle).Return()
	require.NoError(t, h.coordinator.StartLocalPreview(context.Background(), domain.CaptureOptions{}))
	return handle
}

func TestSessionCoordinator_SharingToOccupiedTargetFails(t *testing.T) {
	h := newHarness(t, nil)
	h.startPreview(t)

	err := h.coordinator.StartSharingTo(context.Background(), "d3")

	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)
	assert.Equal(t, domain.StatusOccupied, h.status("d3"))
	assert.Equal(t, domain.SessionCapturing, h.coordinator.Snapshot().Outbound.State)
	assert.False(t, h.reporter.Running())
}

func TestSessionCoordinator_ShareThenStop(t *testing.T) {
	h := newHarness(t, nil)
	handle := h.startPreview(t)

	require.NoError(t, h.coordinator.StartSharingTo(context.Background(), "d2"))

	snap := h.coordinator.Snapshot()
	assert.Equal(t, domain.StatusOccupied, h.status("d2"))
	assert.Equal(t, domain.SessionActive, snap.Outbound.State)
	assert.Equal(t, domain.DeviceID("d2"), snap.Outbound.PeerDeviceID)
	assert.True(t, snap.Sharing)
	assert.True(t, h.reporter.Running())
	assert.Equal(t, 0, snap.Stats.ElapsedSeconds)
	assert.Equal(t, 30, snap.Stats.FPS)
	assert.Equal(t, 4200, snap.Stats.BitrateKbps)

	h.ticker.tick()
	require.Eventually(t, func() bool {
		return h.coordinator.Snapshot().Stats.ElapsedSeconds == 1
	}, time.Second, 2*time.Millisecond)

	h.coordinator.StopSharing()

	snap = h.coordinator.Snapshot()
	assert.Equal(t, domain.StatusAvailable, h.status("d2"))
	assert.Equal(t, domain.SessionIdle, snap.Outbound.State)
	assert.False(t, snap.Sharing)
	assert.False(t, h.reporter.Running())
	assert.Equal(t, 0, snap.Stats.ElapsedSeconds)
	h.capture.AssertCalled(t, "Release", handle)
}

func TestSessionCoordinator_StopSharingIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	handle := h.startPreview(t)
	require.NoError(t, h.coordinator.StartSharingTo(context.Background(), "d2"))

	h.coordinator.StopSharing()
	first := h.coordinator.Snapshot()
	firstRegistry := h.registry.Snapshot()

	h.coordinator.StopSharing()

	assert.Equal(t, first, h.coordinator.Snapshot())
	assert.Equal(t, firstRegistry, h.registry.Snapshot())
	h.capture.AssertNumberOfCalls(t, "Release", 1)
	h.capture.AssertCalled(t, "Release", handle)
}

func TestSessionCoordinator_StopSharingWithNothingActive(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.Flush()
	h.events.reset()

	h.coordinator.StopSharing()
	h.notifier.Flush()

	assert.Equal(t, domain.SessionIdle, h.coordinator.Snapshot().Outbound.State)
	assert.Empty(t, h.events.ofType(domain.EventSessionChanged))
	h.capture.AssertNotCalled(t, "Release", mock.Anything)
}

func TestSessionCoordinator_SharingWithoutPreviewFails(t *testing.T) {
	h := newHarness(t, nil)

	err := h.coordinator.StartSharingTo(context.Background(), "d2")

	assert.ErrorIs(t, err, domain.ErrNoActiveCapture)
	assert.Equal(t, domain.StatusAvailable, h.status("d2"))
	assert.False(t, h.reporter.Running())

	notices := h.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "No screen selected", notices[0].Title)
}

func TestSessionCoordinator_AcquireFailureStaysIdle(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantTitle string
	}{
		{"permission denied", domain.ErrPermissionDenied, "Could not access screen."},
		{"no source", domain.ErrNoSourceSelected, "No screen selected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.capture.On("Acquire", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			err := h.coordinator.StartLocalPreview(context.Background(), domain.DefaultCaptureOptions())

			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, domain.SessionIdle, h.coordinator.Snapshot().Outbound.State)
			notices := h.notices.all()
			require.Len(t, notices, 1)
			assert.Equal(t, tt.wantTitle, notices[0].Title)
		})
	}
}

func TestSessionCoordinator_StopDuringAcquireCancels(t *testing.T) {
	h := newHarness(t, nil)
	handle := newFakeHandle("cap-late", domain.DefaultCaptureOptions())
	started := make(chan struct{})
	gate := make(chan struct{})

	h.capture.On("Acquire", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-gate
		}).
		Return(handle, nil).Once()
	h.capture.On("Release", handle).Return()

	result := h.coordinator.StartLocalPreviewAsync(context.Background(), domain.DefaultCaptureOptions())
	<-started

	// queries are not blocked by a pending consent prompt
	assert.Equal(t, domain.SessionIdle, h.coordinator.Snapshot().Outbound.State)
	assert.Len(t, h.registry.Snapshot().Devices, 3)

	h.coordinator.StopLocalPreview()
	close(gate)

	err := <-result
	assert.ErrorIs(t, err, domain.ErrCaptureCancelled)
	assert.Equal(t, domain.SessionIdle, h.coordinator.Snapshot().Outbound.State)
	h.capture.AssertCalled(t, "Release", handle)
}

func TestSessionCoordinator_ConcurrentPreviewRejected(t *testing.T) {
	h := newHarness(t, nil)
	handle := newFakeHandle("cap-1", domain.DefaultCaptureOptions())
	started := make(chan struct{})
	gate := make(chan struct{})

	h.capture.On("Acquire", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-gate
		}).
		Return(handle, nil).Once()
	h.capture.On("Release", handle).Return()

	result := h.coordinator.StartLocalPreviewAsync(context.Background(), domain.DefaultCaptureOptions())
	<-started

	err := h.coordinator.StartLocalPreview(context.Background(), domain.DefaultCaptureOptions())
	assert.ErrorIs(t, err, domain.ErrCaptureInProgress)

	close(gate)
	require.NoError(t, <-result)
	assert.Equal(t, domain.SessionCapturing, h.coordinator.Snapshot().Outbound.State)
}

func TestSessionCoordinator_NegotiationFailureRollsBack(t *testing.T) {
	negotiator := &MockNegotiator{}
	negotiator.On("Negotiate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("ice failed")).Once()

	h := newHarness(t, negotiator)
	h.startPreview(t)

	err := h.coordinator.StartSharingTo(context.Background(), "d2")

	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	assert.Equal(t, domain.StatusAvailable, h.status("d2"))
	snap := h.coordinator.Snapshot()
	assert.Equal(t, domain.SessionCapturing, snap.Outbound.State)
	assert.Empty(t, snap.Outbound.PeerDeviceID)
	assert.False(t, h.reporter.Running())
}

func TestSessionCoordinator_NegotiatedLinkFeedsStats(t *testing.T) {
	link := &fakeLink{reading: domain.StatsReading{FPS: 28, BitrateKbps: 3900}}
	negotiator := &MockNegotiator{}
	negotiator.On("Negotiate", mock.Anything, mock.Anything, mock.MatchedBy(func(d domain.Device) bool {
		return d.ID == "d2"
	})).Return(link, nil).Once()

	h := newHarness(t, negotiator)
	h.startPreview(t)

	require.NoError(t, h.coordinator.StartSharingTo(context.Background(), "d2"))

	snap := h.coordinator.Snapshot()
	assert.Equal(t, 28, snap.Stats.FPS)
	assert.Equal(t, 3900, snap.Stats.BitrateKbps)

	h.coordinator.StopSharing()
	assert.True(t, link.isClosed())
	negotiator.AssertExpectations(t)
}

func TestSessionCoordinator_StopDuringNegotiation(t *testing.T) {
	link := &fakeLink{}
	started := make(chan struct{})
	gate := make(chan struct{})
	negotiator := &MockNegotiator{}
	negotiator.On("Negotiate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-gate
		}).
		Return(link, nil).Once()

	h := newHarness(t, negotiator)
	h.startPreview(t)

	result := make(chan error, 1)
	go func() {
		result <- h.coordinator.StartSharingTo(context.Background(), "d2")
	}()
	<-started

	assert.Equal(t, domain.SessionNegotiating, h.coordinator.Snapshot().Outbound.State)
	h.coordinator.StopSharing()
	close(gate)

	assert.ErrorIs(t, <-result, domain.ErrNegotiationFailed)
	assert.True(t, link.isClosed())
	assert.Equal(t, domain.StatusAvailable, h.status("d2"))
	assert.Equal(t, domain.SessionIdle, h.coordinator.Snapshot().Outbound.State)
	assert.False(t, h.reporter.Running())
}

func TestSessionCoordinator_CaptureLossStopsSharing(t *testing.T) {
	h := newHarness(t, nil)
	handle := h.startPreview(t)
	require.NoError(t, h.coordinator.StartSharingTo(context.Background(), "d2"))

	handle.end()

	require.Eventually(t, func() bool {
		return h.coordinator.Snapshot().Outbound.State == domain.SessionIdle
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, domain.StatusAvailable, h.status("d2"))
	assert.False(t, h.reporter.Running())
}

func TestSessionCoordinator_RemoteStreamIsIndependent(t *testing.T) {
	h := newHarness(t, nil)
	h.startPreview(t)
	require.NoError(t, h.coordinator.StartSharingTo(context.Background(), "d2"))
	before := h.registry.Snapshot()

	h.coordinator.SetRemoteStream(fakeRemote{id: "in-1", peer: "d3"})

	snap := h.coordinator.Snapshot()
	assert.True(t, snap.Receiving)
	assert.True(t, snap.Sharing)
	require.NotNil(t, snap.Inbound)
	assert.Equal(t, domain.DeviceID("d3"), snap.Inbound.PeerDeviceID)
	assert.Equal(t, before, h.registry.Snapshot())

	h.coordinator.SetRemoteStream(nil)

	snap = h.coordinator.Snapshot()
	assert.False(t, snap.Receiving)
	assert.Nil(t, snap.Inbound)
	assert.Equal(t, domain.SessionActive, snap.Outbound.State)
}

func TestSessionCoordinator_EventsFollowMutationOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.Flush()
	h.events.reset()

	h.startPreview(t)
	require.NoError(t, h.coordinator.StartSharingTo(context.Background(), "d2"))
	h.coordinator.StopSharing()
	h.notifier.Flush()

	var states []domain.SessionState
	for _, evt := range h.events.ofType(domain.EventSessionChanged) {
		states = append(states, evt.Session.Outbound.State)
	}
	assert.Equal(t, []domain.SessionState{
		domain.SessionCapturing,
		domain.SessionNegotiating,
		domain.SessionActive,
		domain.SessionStopped,
		domain.SessionIdle,
	}, states)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	for i := 1; i < len(h.events.events); i++ {
		assert.Less(t, h.events.events[i-1].Seq, h.events.events[i].Seq)
	}
}
