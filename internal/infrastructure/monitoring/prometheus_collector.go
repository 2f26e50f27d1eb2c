package monitoring

import (
	"sync"
	"time"

	"lanscreen/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionStates = []domain.SessionState{
	domain.SessionIdle,
	domain.SessionCapturing,
	domain.SessionNegotiating,
	domain.SessionActive,
}

var deviceStatuses = []domain.DeviceStatus{
	domain.StatusAvailable,
	domain.StatusOccupied,
	domain.StatusUnavailable,
}

// PrometheusCollector turns committed events into metrics. Observe is
// registered as a notifier observer, so it sees events in commit order.
type PrometheusCollector struct {
	// Counters
	eventsTotal         *prometheus.CounterVec
	discoveryPasses     prometheus.Counter
	sessionsStarted     prometheus.Counter
	sessionTransitions  *prometheus.CounterVec
	noticesTotal        *prometheus.CounterVec
	negotiationDuration prometheus.Histogram

	// Gauges
	devices         *prometheus.GaugeVec
	discoveryActive prometheus.Gauge
	sessionState    *prometheus.GaugeVec
	receiving       prometheus.Gauge
	streamFPS       prometheus.Gauge
	streamBitrate   prometheus.Gauge
	streamElapsed   prometheus.Gauge

	mu               sync.Mutex
	discovering      bool
	state            domain.SessionState
	negotiationStart time.Time
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	p := &PrometheusCollector{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanscreen_events_total",
			Help: "Committed state change events by type",
		}, []string{"type"}),

		discoveryPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanscreen_discovery_passes_total",
			Help: "Number of discovery passes started",
		}),

		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanscreen_sessions_started_total",
			Help: "Outbound sessions that reached the active state",
		}),

		sessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanscreen_session_transitions_total",
			Help: "Outbound session state transitions by target state",
		}, []string{"to"}),

		noticesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanscreen_notices_total",
			Help: "User-facing notices by level",
		}, []string{"level"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanscreen_negotiation_duration_seconds",
			Help:    "Time spent in the negotiating state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		devices: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanscreen_devices",
			Help: "Known remote devices by status",
		}, []string{"status"}),

		discoveryActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanscreen_discovery_active",
			Help: "1 while a discovery pass is running",
		}),

		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanscreen_session_state",
			Help: "1 for the current outbound session state",
		}, []string{"state"}),

		receiving: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanscreen_receiving",
			Help: "1 while a remote stream is being shown",
		}),

		streamFPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanscreen_stream_fps",
			Help: "Frames per second of the active outbound stream",
		}),

		streamBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanscreen_stream_bitrate_kbps",
			Help: "Bitrate of the active outbound stream in kbps",
		}),

		streamElapsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanscreen_stream_elapsed_seconds",
			Help: "Seconds since the active outbound stream started",
		}),

		state: domain.SessionIdle,
	}
	p.setSessionState(domain.SessionIdle)
	return p
}

// Observe records one event.
func (p *PrometheusCollector) Observe(evt domain.Event) {
	p.eventsTotal.WithLabelValues(string(evt.Type)).Inc()

	switch evt.Type {
	case domain.EventRegistryChanged:
		if evt.Registry != nil {
			p.recordRegistry(*evt.Registry)
		}
	case domain.EventSessionChanged:
		if evt.Session != nil {
			p.recordSession(*evt.Session, evt.Timestamp)
		}
	case domain.EventStatsTick:
		if evt.Stats != nil {
			p.streamFPS.Set(float64(evt.Stats.FPS))
			p.streamBitrate.Set(float64(evt.Stats.BitrateKbps))
			p.streamElapsed.Set(float64(evt.Stats.ElapsedSeconds))
		}
	case domain.EventNotice:
		if evt.Notice != nil {
			p.noticesTotal.WithLabelValues(string(evt.Notice.Level)).Inc()
		}
	}
}

func (p *PrometheusCollector) recordRegistry(snap domain.RegistrySnapshot) {
	counts := make(map[domain.DeviceStatus]int, len(deviceStatuses))
	for _, d := range snap.Devices {
		if !d.IsLocal {
			counts[d.Status]++
		}
	}
	for _, status := range deviceStatuses {
		p.devices.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	p.mu.Lock()
	started := snap.Discovering && !p.discovering
	p.discovering = snap.Discovering
	p.mu.Unlock()

	if started {
		p.discoveryPasses.Inc()
	}
	if snap.Discovering {
		p.discoveryActive.Set(1)
	} else {
		p.discoveryActive.Set(0)
	}
}

func (p *PrometheusCollector) recordSession(snap domain.SessionSnapshot, at time.Time) {
	if snap.Receiving {
		p.receiving.Set(1)
	} else {
		p.receiving.Set(0)
	}

	state := snap.Outbound.State
	if state == domain.SessionStopped {
		// reported once on the way back to idle
		state = domain.SessionIdle
	}

	p.mu.Lock()
	prev := p.state
	p.state = state
	var negotiated time.Duration
	if state != prev {
		if state == domain.SessionNegotiating {
			p.negotiationStart = at
		} else if prev == domain.SessionNegotiating && !p.negotiationStart.IsZero() {
			negotiated = at.Sub(p.negotiationStart)
			p.negotiationStart = time.Time{}
		}
	}
	p.mu.Unlock()

	if state == prev {
		return
	}

	p.sessionTransitions.WithLabelValues(string(state)).Inc()
	p.setSessionState(state)
	if negotiated > 0 {
		p.negotiationDuration.Observe(negotiated.Seconds())
	}
	if state == domain.SessionActive {
		p.sessionsStarted.Inc()
	}
	if state == domain.SessionIdle {
		p.streamFPS.Set(0)
		p.streamBitrate.Set(0)
		p.streamElapsed.Set(0)
	}
}

func (p *PrometheusCollector) setSessionState(current domain.SessionState) {
	for _, s := range sessionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		p.sessionState.WithLabelValues(string(s)).Set(v)
	}
}
