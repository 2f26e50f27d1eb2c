package ports

import (
	"context"

	"lanscreen/internal/core/domain"
)

// DeviceRepository stores the registry's device set in discovery order.
type DeviceRepository interface {
	ReplaceAll(ctx context.Context, devices []*domain.Device) error
	Upsert(ctx context.Context, device *domain.Device) error
	GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error)
	List(ctx context.Context) ([]*domain.Device, error)
	UpdateStatus(ctx context.Context, id domain.DeviceID, status domain.DeviceStatus) error
	Clear(ctx context.Context) error
}
