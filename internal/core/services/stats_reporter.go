package services

import (
	"context"
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"

	"go.uber.org/zap"
)

// TickerFunc returns a tick channel and a stop func. Tests swap it for a
// manually driven channel.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// StatsReporter emits one StatsSample per interval while an outbound session
// is active. There is a single timer per host.
type StatsReporter struct {
	mu         sync.Mutex
	notifier   ports.EventPublisher
	logger     *zap.SugaredLogger
	interval   time.Duration
	newTicker  TickerFunc
	running    bool
	generation uint64
	cancel     context.CancelFunc
	source     ports.StatsSource
	current    domain.StatsSample
}

func NewStatsReporter(notifier ports.EventPublisher, interval time.Duration, logger *zap.SugaredLogger) *StatsReporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsReporter{
		notifier:  notifier,
		logger:    logger,
		interval:  interval,
		newTicker: realTicker,
	}
}

// WithTicker replaces the ticker factory. Only meaningful before Start.
func (s *StatsReporter) WithTicker(fn TickerFunc) *StatsReporter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newTicker = fn
	return s
}

// Start resets elapsed time to zero and begins ticking. No-op if running.
func (s *StatsReporter) Start(source ports.StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Debug("stats reporter already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.generation++
	s.cancel = cancel
	s.source = source
	s.current = domain.StatsSample{Timestamp: time.Now()}
	s.measureLocked()

	ticks, stop := s.newTicker(s.interval)
	go s.loop(ctx, s.generation, ticks, stop)

	s.logger.Infow("stats reporter started", "interval", s.interval)
	s.publishLocked()
}

// Stop cancels the timer and clears the last sample. No tick is applied
// after Stop returns.
func (s *StatsReporter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	s.generation++
	s.cancel()
	s.cancel = nil
	s.source = nil
	s.current = domain.StatsSample{Timestamp: time.Now()}

	s.logger.Info("stats reporter stopped")
	s.publishLocked()
}

func (s *StatsReporter) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *StatsReporter) Current() domain.StatsSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Samples yields every sample published until ctx is done. Slow readers
// miss samples rather than stall the notifier.
func (s *StatsReporter) Samples(ctx context.Context) <-chan domain.StatsSample {
	out := make(chan domain.StatsSample, 8)

	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := s.notifier.Subscribe(filtered(func(evt domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed || evt.Stats == nil {
			return
		}
		select {
		case out <- *evt.Stats:
		default:
		}
	}, domain.EventStatsTick))

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out
}

func (s *StatsReporter) loop(ctx context.Context, generation uint64, ticks <-chan time.Time, stop func()) {
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			s.tick(generation, now)
		}
	}
}

func (s *StatsReporter) tick(generation uint64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || generation != s.generation {
		return
	}

	s.current.ElapsedSeconds++
	s.current.Timestamp = now
	s.measureLocked()
	s.publishLocked()
}

func (s *StatsReporter) measureLocked() {
	if s.source == nil {
		return
	}
	if reading, ok := s.source.Measure(); ok {
		s.current.FPS = reading.FPS
		s.current.BitrateKbps = reading.BitrateKbps
	}
}

func (s *StatsReporter) publishLocked() {
	sample := s.current
	s.notifier.Publish(domain.Event{
		Type:  domain.EventStatsTick,
		Stats: &sample,
	})
}

// NominalStats reports the configured frame rate and the quality's nominal
// bitrate. Used when no media link measures real values.
type NominalStats struct {
	FPS         int
	BitrateKbps int
}

func NominalStatsFor(opts domain.CaptureOptions) NominalStats {
	return NominalStats{FPS: opts.FPS, BitrateKbps: opts.Quality.NominalBitrateKbps()}
}

func (n NominalStats) Measure() (domain.StatsReading, bool) {
	return domain.StatsReading{FPS: n.FPS, BitrateKbps: n.BitrateKbps}, true
}

// fallbackStats prefers the primary source and falls back when it has no
// measurement for the tick.
type fallbackStats struct {
	primary  ports.StatsSource
	fallback ports.StatsSource
}

func (f fallbackStats) Measure() (domain.StatsReading, bool) {
	if f.primary != nil {
		if r, ok := f.primary.Measure(); ok {
			return r, true
		}
	}
	return f.fallback.Measure()
}
