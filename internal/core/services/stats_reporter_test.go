package services

import (
	"context"
	"testing"
	"time"

	"lanscreen/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(t *testing.T) (*StatsReporter, *manualTicker, *Notifier) {
	t.Helper()
	logger := testLogger(t)
	notifier := NewNotifier(logger)
	ticker := newManualTicker()
	reporter := NewStatsReporter(notifier, time.Second, logger).WithTicker(ticker.factory)
	t.Cleanup(func() {
		reporter.Stop()
		notifier.Close()
	})
	return reporter, ticker, notifier
}

func waitElapsed(t *testing.T, reporter *StatsReporter, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return reporter.Current().ElapsedSeconds == want
	}, time.Second, 2*time.Millisecond)
}

func TestStatsReporter_StartsAtZeroWithNominalValues(t *testing.T) {
	reporter, _, _ := newTestReporter(t)

	reporter.Start(NominalStats{FPS: 30, BitrateKbps: 4200})

	sample := reporter.Current()
	assert.True(t, reporter.Running())
	assert.Equal(t, 0, sample.ElapsedSeconds)
	assert.Equal(t, 30, sample.FPS)
	assert.Equal(t, 4200, sample.BitrateKbps)
}

func TestStatsReporter_ElapsedIncrementsByOnePerTick(t *testing.T) {
	reporter, ticker, _ := newTestReporter(t)
	reporter.Start(NominalStats{FPS: 30, BitrateKbps: 4200})

	for i := 1; i <= 5; i++ {
		ticker.tick()
		waitElapsed(t, reporter, i)
	}
}

func TestStatsReporter_StopResetsAndIgnoresLateTicks(t *testing.T) {
	reporter, ticker, _ := newTestReporter(t)
	reporter.Start(NominalStats{FPS: 30, BitrateKbps: 4200})
	ticker.tick()
	waitElapsed(t, reporter, 1)

	reporter.Stop()
	ticker.tick()
	time.Sleep(10 * time.Millisecond)

	assert.False(t, reporter.Running())
	sample := reporter.Current()
	assert.Equal(t, 0, sample.ElapsedSeconds)
	assert.Equal(t, 0, sample.FPS)
	assert.Equal(t, 0, sample.BitrateKbps)
}

func TestStatsReporter_StartWhileRunningIsNoop(t *testing.T) {
	reporter, ticker, _ := newTestReporter(t)
	reporter.Start(NominalStats{FPS: 30, BitrateKbps: 4200})
	ticker.tick()
	waitElapsed(t, reporter, 1)

	reporter.Start(NominalStats{FPS: 60, BitrateKbps: 8000})

	sample := reporter.Current()
	assert.Equal(t, 1, sample.ElapsedSeconds)
	assert.Equal(t, 30, sample.FPS)
}

func TestStatsReporter_RestartBeginsAtZero(t *testing.T) {
	reporter, ticker, _ := newTestReporter(t)
	reporter.Start(NominalStats{FPS: 30, BitrateKbps: 4200})
	ticker.tick()
	ticker.tick()
	waitElapsed(t, reporter, 2)

	reporter.Stop()
	reporter.Start(NominalStats{FPS: 15, BitrateKbps: 1500})

	assert.Equal(t, 0, reporter.Current().ElapsedSeconds)
	ticker.tick()
	waitElapsed(t, reporter, 1)
}

func TestStatsReporter_MeasuredValuesWithFallback(t *testing.T) {
	reporter, ticker, _ := newTestReporter(t)
	link := &fakeLink{reading: domain.StatsReading{FPS: 24, BitrateKbps: 3100}}

	reporter.Start(fallbackStats{primary: link, fallback: NominalStats{FPS: 30, BitrateKbps: 4200}})
	assert.Equal(t, 24, reporter.Current().FPS)
	assert.Equal(t, 3100, reporter.Current().BitrateKbps)

	_ = link.Close()
	ticker.tick()
	waitElapsed(t, reporter, 1)
	assert.Equal(t, 30, reporter.Current().FPS)
	assert.Equal(t, 4200, reporter.Current().BitrateKbps)
}

func TestStatsReporter_Samples(t *testing.T) {
	reporter, ticker, _ := newTestReporter(t)

	ctx, cancel := context.WithCancel(context.Background())
	samples := reporter.Samples(ctx)

	reporter.Start(NominalStats{FPS: 30, BitrateKbps: 4200})
	ticker.tick()

	first := <-samples
	second := <-samples
	assert.Equal(t, 0, first.ElapsedSeconds)
	assert.Equal(t, 1, second.ElapsedSeconds)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-samples:
			return !ok
		default:
			return false
		}
	}, time.Second, 2*time.Millisecond)
}

func TestNominalStatsFor(t *testing.T) {
	tests := []struct {
		quality domain.StreamQuality
		want    int
	}{
		{domain.QualityLow, 1500},
		{domain.QualityMedium, 4200},
		{domain.QualityHigh, 8000},
	}

	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			n := NominalStatsFor(domain.CaptureOptions{FPS: 60, Quality: tt.quality})
			reading, ok := n.Measure()
			require.True(t, ok)
			assert.Equal(t, 60, reading.FPS)
			assert.Equal(t, tt.want, reading.BitrateKbps)
		})
	}
}
