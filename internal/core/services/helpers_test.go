package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/internal/infrastructure/repositories/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

func scenarioSeed() []domain.Device {
	return []domain.Device{
		{ID: "local", Name: "Host", Address: "192.168.1.101:8080", Status: domain.StatusAvailable, IsLocal: true},
		{ID: "d2", Name: "PC-Oficina", Address: "192.168.1.30:8080", Status: domain.StatusAvailable},
		{ID: "d3", Name: "ASUS-GAMING", Address: "192.168.1.42:8080", Status: domain.StatusOccupied},
	}
}

// fakeProvider returns a fixed device set. When gate is set, Discover waits
// for it to close and ignores cancellation, so tests can deliver a result
// after the registry stopped caring about it.
type fakeProvider struct {
	mu      sync.Mutex
	devices []domain.Device
	gate    chan struct{}
	calls   int
}

func (p *fakeProvider) Discover(ctx context.Context) ([]domain.Device, error) {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	devices := append([]domain.Device(nil), p.devices...)
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return devices, nil
}

func (p *fakeProvider) Seed() []domain.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Device(nil), p.devices...)
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recorder collects every event delivered by a notifier.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func record(n *Notifier) *recorder {
	r := &recorder{}
	n.Subscribe(func(evt domain.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, evt)
	})
	return r
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeHandle struct {
	id   string
	opts domain.CaptureOptions
	done chan struct{}
	once sync.Once
}

func newFakeHandle(id string, opts domain.CaptureOptions) *fakeHandle {
	return &fakeHandle{id: id, opts: opts, done: make(chan struct{})}
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) Source() domain.SourceSelection {
	return domain.SourceSelection{SourceID: "screen:0", Kind: "screen"}
}
func (h *fakeHandle) Options() domain.CaptureOptions { return h.opts }
func (h *fakeHandle) Tracks() []webrtc.TrackLocal    { return nil }
func (h *fakeHandle) FramesCaptured() uint64         { return 0 }
func (h *fakeHandle) Done() <-chan struct{}          { return h.done }
func (h *fakeHandle) end()                           { h.once.Do(func() { close(h.done) }) }

type MockCaptureSource struct {
	mock.Mock
}

func (m *MockCaptureSource) Acquire(ctx context.Context, opts domain.CaptureOptions) (ports.CaptureHandle, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.CaptureHandle), args.Error(1)
}

func (m *MockCaptureSource) Release(handle ports.CaptureHandle) {
	m.Called(handle)
}

type MockNegotiator struct {
	mock.Mock
}

func (m *MockNegotiator) Negotiate(ctx context.Context, capture ports.CaptureHandle, target domain.Device) (ports.MediaLink, error) {
	args := m.Called(ctx, capture, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.MediaLink), args.Error(1)
}

type fakeLink struct {
	mu      sync.Mutex
	reading domain.StatsReading
	closed  bool
}

func (l *fakeLink) Measure() (domain.StatsReading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reading, !l.closed
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeRemote struct {
	id   string
	peer domain.DeviceID
}

func (r fakeRemote) ID() string                    { return r.id }
func (r fakeRemote) PeerDeviceID() domain.DeviceID { return r.peer }

type noticeLog struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *noticeLog) Notify(notice domain.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) all() []domain.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notice(nil), n.notices...)
}

// manualTicker hands out a channel the test drives by hand.
type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time, 16)}
}

func (m *manualTicker) factory(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {}
}

func (m *manualTicker) tick() {
	m.ch <- time.Now()
}

type harness struct {
	notifier    *Notifier
	events      *recorder
	provider    *fakeProvider
	registry    *DeviceRegistry
	reporter    *StatsReporter
	ticker      *manualTicker
	capture     *MockCaptureSource
	notices     *noticeLog
	coordinator *SessionCoordinator
}

func newHarness(t *testing.T, negotiator ports.Negotiator) *harness {
	t.Helper()
	logger := testLogger(t)

	h := &harness{
		notifier: NewNotifier(logger),
		provider: &fakeProvider{devices: scenarioSeed()},
		ticker:   newManualTicker(),
		capture:  &MockCaptureSource{},
		notices:  &noticeLog{},
	}
	h.events = record(h.notifier)
	h.registry = NewDeviceRegistry(memory.NewMemoryDeviceRepository(), h.provider, h.notifier, time.Second, logger)
	h.reporter = NewStatsReporter(h.notifier, time.Second, logger).WithTicker(h.ticker.factory)
	h.coordinator = NewSessionCoordinator(
		h.capture, h.registry, h.reporter, negotiator, h.notices, h.notifier,
		CoordinatorConfig{NegotiationTimeout: time.Second}, logger,
	)
	h.registry.ResetDevices()

	t.Cleanup(func() {
		h.registry.Close()
		h.reporter.Stop()
		h.notifier.Close()
	})
	return h
}

func (h *harness) status(id domain.DeviceID) domain.DeviceStatus {
	d, ok := h.registry.Get(id)
	if !ok {
		return ""
	}
	return d.Status
}
