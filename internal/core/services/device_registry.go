package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"

	"go.uber.org/zap"
)

const repoTimeout = 2 * time.Second

// DeviceRegistry is the single source of truth for known devices. All
// mutations go through mu; discovery results are applied only if the pass
// that produced them is still current.
type DeviceRegistry struct {
	mu       sync.Mutex
	repo     ports.DeviceRepository
	provider ports.DiscoveryProvider
	notifier ports.EventPublisher
	logger   *zap.SugaredLogger
	window   time.Duration

	discovering bool
	generation  uint64
	cancel      context.CancelFunc

	// devices locked by an outbound session; they stay occupied across
	// discovery passes until released or explicitly overwritten
	reserved map[domain.DeviceID]struct{}
}

func NewDeviceRegistry(
	repo ports.DeviceRepository,
	provider ports.DiscoveryProvider,
	notifier ports.EventPublisher,
	window time.Duration,
	logger *zap.SugaredLogger,
) *DeviceRegistry {
	return &DeviceRegistry{
		repo:     repo,
		provider: provider,
		notifier: notifier,
		logger:   logger,
		window:   window,
		reserved: make(map[domain.DeviceID]struct{}),
	}
}

// StartDiscovery clears the device list and populates it once the provider
// returns or the discovery window closes. Calls made while a pass is already
// running are no-ops.
func (r *DeviceRegistry) StartDiscovery() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discovering {
		r.logger.Debug("discovery already in progress, coalescing")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.window)
	r.generation++
	r.discovering = true
	r.cancel = cancel

	if err := r.withRepo(func(ctx context.Context) error { return r.repo.Clear(ctx) }); err != nil {
		r.logger.Warnw("failed to clear devices before discovery", "error", err)
	}

	r.logger.Infow("discovery started", "generation", r.generation, "window", r.window)
	r.publishLocked()

	go r.runDiscovery(ctx, r.generation)
}

func (r *DeviceRegistry) runDiscovery(ctx context.Context, generation uint64) {
	found, err := r.provider.Discover(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if generation != r.generation || !r.discovering {
		r.logger.Debugw("dropping stale discovery result", "generation", generation)
		return
	}

	r.cancel()
	r.cancel = nil
	r.discovering = false

	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warnw("discovery failed", "error", err, "found", len(found))
		}
		// an empty pass would drop the local device
		if len(found) == 0 {
			found = r.provider.Seed()
			r.logger.Infow("discovery window closed without results, using seed",
				"generation", generation,
				"devices", len(found),
			)
		}
	}

	r.applyLocked(found)
	r.logger.Infow("discovery finished", "generation", generation, "devices", len(found))
	r.publishLocked()
}

// StopDiscovery cancels a pending discovery pass. Devices already in the
// registry stay.
func (r *DeviceRegistry) StopDiscovery() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.discovering {
		return
	}

	r.cancelDiscoveryLocked()
	r.logger.Info("discovery stopped")
	r.publishLocked()
}

// ResetDevices reseeds the registry synchronously from the provider's seed.
func (r *DeviceRegistry) ResetDevices() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelDiscoveryLocked()
	r.applyLocked(r.provider.Seed())
	r.logger.Info("devices reset")
	r.publishLocked()
}

// SetStatus is the externally triggered transition. Unknown ids are logged
// and leave the registry untouched.
func (r *DeviceRegistry) SetStatus(id domain.DeviceID, status domain.DeviceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(id); err != nil {
		r.logger.Warnw("ignoring status change for unknown device", "device_id", id, "status", status)
		return err
	}

	if err := r.withRepo(func(ctx context.Context) error { return r.repo.UpdateStatus(ctx, id, status) }); err != nil {
		r.logger.Warnw("failed to update device status", "device_id", id, "error", err)
		return err
	}

	if status != domain.StatusOccupied {
		delete(r.reserved, id)
	}

	r.logger.Debugw("device status set", "device_id", id, "status", status)
	r.publishLocked()
	return nil
}

// Reserve atomically moves an available, non-local device to occupied.
func (r *DeviceRegistry) Reserve(id domain.DeviceID) (domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.getLocked(id)
	if err != nil {
		return domain.Device{}, fmt.Errorf("%w: %s is not in the registry", domain.ErrTargetUnavailable, id)
	}
	if device.IsLocal {
		return domain.Device{}, fmt.Errorf("%w: %s is the local device", domain.ErrTargetUnavailable, id)
	}
	if device.Status != domain.StatusAvailable {
		return domain.Device{}, fmt.Errorf("%w: %s is %s", domain.ErrTargetUnavailable, id, device.Status)
	}

	if err := r.withRepo(func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, domain.StatusOccupied)
	}); err != nil {
		return domain.Device{}, fmt.Errorf("%w: %v", domain.ErrTargetUnavailable, err)
	}

	r.reserved[id] = struct{}{}
	device.Status = domain.StatusOccupied

	r.logger.Infow("device reserved", "device_id", id)
	r.publishLocked()
	return *device, nil
}

// Release drops the reservation on id and marks it available again if the
// device is still known.
func (r *DeviceRegistry) Release(id domain.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reserved, id)

	if _, err := r.getLocked(id); err != nil {
		r.logger.Debugw("released device is no longer in the registry", "device_id", id)
		return
	}

	if err := r.withRepo(func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, domain.StatusAvailable)
	}); err != nil {
		r.logger.Warnw("failed to release device", "device_id", id, "error", err)
		return
	}

	r.logger.Infow("device released", "device_id", id)
	r.publishLocked()
}

func (r *DeviceRegistry) Get(id domain.DeviceID) (domain.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.getLocked(id)
	if err != nil {
		return domain.Device{}, false
	}
	return *device, true
}

func (r *DeviceRegistry) Snapshot() domain.RegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SnapshotAt returns the snapshot together with the notifier sequence read
// under the same lock. Registry events with a higher Seq are newer than the
// snapshot; the rest are already reflected in it.
func (r *DeviceRegistry) SnapshotAt() (domain.RegistrySnapshot, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), r.notifier.Seq()
}

// Subscribe registers an observer for registry changes only.
func (r *DeviceRegistry) Subscribe(observer ports.Observer) func() {
	return r.notifier.Subscribe(filtered(observer, domain.EventRegistryChanged))
}

// Close cancels any pending discovery pass.
func (r *DeviceRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelDiscoveryLocked()
}

func (r *DeviceRegistry) cancelDiscoveryLocked() {
	r.generation++
	r.discovering = false
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// applyLocked replaces the device set with found: duplicate ids collapse
// onto the first position with the last value, only the first local entry
// is kept and placed first, reserved devices stay occupied.
func (r *DeviceRegistry) applyLocked(found []domain.Device) {
	var local *domain.Device
	index := make(map[domain.DeviceID]int, len(found))
	remote := make([]*domain.Device, 0, len(found))

	for i := range found {
		d := found[i]
		if d.ID == "" {
			r.logger.Warnw("skipping discovered device without id", "name", d.Name)
			continue
		}
		if !d.Status.Valid() {
			d.Status = domain.StatusUnavailable
		}
		if _, ok := r.reserved[d.ID]; ok {
			d.Status = domain.StatusOccupied
		}

		if d.IsLocal {
			switch {
			case local == nil:
				local = &d
			case local.ID == d.ID:
				*local = d
			default:
				r.logger.Warnw("dropping extra local device", "device_id", d.ID, "local_id", local.ID)
			}
			continue
		}
		if local != nil && local.ID == d.ID {
			continue
		}

		if pos, ok := index[d.ID]; ok {
			remote[pos] = &d
			continue
		}
		index[d.ID] = len(remote)
		remote = append(remote, &d)
	}

	devices := make([]*domain.Device, 0, len(remote)+1)
	if local != nil {
		if pos, ok := index[local.ID]; ok {
			remote = append(remote[:pos], remote[pos+1:]...)
		}
		devices = append(devices, local)
	}
	devices = append(devices, remote...)

	if err := r.withRepo(func(ctx context.Context) error { return r.repo.ReplaceAll(ctx, devices) }); err != nil {
		r.logger.Warnw("failed to store discovered devices", "error", err)
	}
}

func (r *DeviceRegistry) getLocked(id domain.DeviceID) (*domain.Device, error) {
	var device *domain.Device
	err := r.withRepo(func(ctx context.Context) error {
		d, err := r.repo.GetByID(ctx, id)
		device = d
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDeviceID, id)
	}
	return device, nil
}

func (r *DeviceRegistry) snapshotLocked() domain.RegistrySnapshot {
	snap := domain.RegistrySnapshot{Discovering: r.discovering}

	var devices []*domain.Device
	if err := r.withRepo(func(ctx context.Context) error {
		list, err := r.repo.List(ctx)
		devices = list
		return err
	}); err != nil {
		r.logger.Warnw("failed to list devices", "error", err)
	}

	snap.Devices = make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		snap.Devices = append(snap.Devices, *d)
		if d.IsLocal && snap.Local == nil {
			local := *d
			snap.Local = &local
		}
	}
	return snap
}

func (r *DeviceRegistry) publishLocked() {
	snap := r.snapshotLocked()
	r.notifier.Publish(domain.Event{
		Type:     domain.EventRegistryChanged,
		Registry: &snap,
	})
}

func (r *DeviceRegistry) withRepo(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()
	return fn(ctx)
}
