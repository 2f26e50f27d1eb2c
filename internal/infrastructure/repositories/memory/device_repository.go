package memory

import (
	"context"
	"fmt"
	"sync"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
)

// MemoryDeviceRepository keeps devices in insertion order. Stored values are
// copies; callers never share pointers with the repository.
type MemoryDeviceRepository struct {
	devices map[domain.DeviceID]*domain.Device
	order   []domain.DeviceID
	mu      sync.RWMutex
}

func NewMemoryDeviceRepository() ports.DeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[domain.DeviceID]*domain.Device),
	}
}

func (r *MemoryDeviceRepository) ReplaceAll(ctx context.Context, devices []*domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[domain.DeviceID]*domain.Device, len(devices))
	r.order = r.order[:0]
	for _, d := range devices {
		if _, exists := r.devices[d.ID]; exists {
			return fmt.Errorf("duplicate device id: %s", d.ID)
		}
		cp := *d
		r.devices[d.ID] = &cp
		r.order = append(r.order, d.ID)
	}
	return nil
}

func (r *MemoryDeviceRepository) Upsert(ctx context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *device
	if _, exists := r.devices[device.ID]; !exists {
		r.order = append(r.order, device.ID)
	}
	r.devices[device.ID] = &cp
	return nil
}

func (r *MemoryDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, exists := r.devices[id]
	if !exists {
		return nil, domain.ErrUnknownDeviceID
	}

	cp := *device
	return &cp, nil
}

func (r *MemoryDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*domain.Device, 0, len(r.order))
	for _, id := range r.order {
		cp := *r.devices[id]
		devices = append(devices, &cp)
	}
	return devices, nil
}

func (r *MemoryDeviceRepository) UpdateStatus(ctx context.Context, id domain.DeviceID, status domain.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, exists := r.devices[id]
	if !exists {
		return domain.ErrUnknownDeviceID
	}

	device.Status = status
	return nil
}

func (r *MemoryDeviceRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[domain.DeviceID]*domain.Device)
	r.order = nil
	return nil
}
