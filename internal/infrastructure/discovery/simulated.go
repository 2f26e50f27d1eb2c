package discovery

import (
	"context"
	"time"

	"lanscreen/internal/core/domain"
)

// SimulatedProvider answers after a fixed delay with a canned device set,
// standing in for a broadcast scan on networks where none is available.
type SimulatedProvider struct {
	devices []domain.Device
	delay   time.Duration
}

func NewSimulatedProvider(local domain.Device, peers []domain.Device, delay time.Duration) *SimulatedProvider {
	devices := make([]domain.Device, 0, len(peers)+1)
	devices = append(devices, local)
	devices = append(devices, peers...)
	return &SimulatedProvider{devices: devices, delay: delay}
}

func (p *SimulatedProvider) Discover(ctx context.Context) ([]domain.Device, error) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return p.Seed(), nil
}

func (p *SimulatedProvider) Seed() []domain.Device {
	return append([]domain.Device(nil), p.devices...)
}
