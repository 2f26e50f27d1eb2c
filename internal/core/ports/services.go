package ports

import (
	"context"

	"lanscreen/internal/core/domain"
)

// Observer is invoked for every committed state change, in commit order.
type Observer func(domain.Event)

type EventPublisher interface {
	Publish(evt domain.Event)
	Subscribe(observer Observer) (unsubscribe func())
	// Seq is the last sequence number handed out.
	Seq() uint64
}

type DeviceRegistry interface {
	StartDiscovery()
	StopDiscovery()
	ResetDevices()
	SetStatus(id domain.DeviceID, status domain.DeviceStatus) error
	Reserve(id domain.DeviceID) (domain.Device, error)
	Release(id domain.DeviceID)
	Get(id domain.DeviceID) (domain.Device, bool)
	Snapshot() domain.RegistrySnapshot
	SnapshotAt() (domain.RegistrySnapshot, uint64)
	Subscribe(observer Observer) (unsubscribe func())
}

type SessionCoordinator interface {
	StartLocalPreview(ctx context.Context, opts domain.CaptureOptions) error
	StartLocalPreviewAsync(ctx context.Context, opts domain.CaptureOptions) <-chan error
	StopLocalPreview()
	StartSharingTo(ctx context.Context, id domain.DeviceID) error
	StopSharing()
	SetRemoteStream(stream RemoteStream)
	Snapshot() domain.SessionSnapshot
	SnapshotAt() (domain.SessionSnapshot, uint64)
	Subscribe(observer Observer) (unsubscribe func())
}

type StatsReporter interface {
	Start(source StatsSource)
	Stop()
	Running() bool
	Current() domain.StatsSample
	Samples(ctx context.Context) <-chan domain.StatsSample
}
