package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lanscreen/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type presenceRecord struct {
	Device      domain.Device `json:"device"`
	AnnouncedAt int64         `json:"announced_at"`
}

// PresenceProvider discovers hosts that announce themselves in a shared
// Redis. Each host keeps a TTL'd key alive; a host that stops heartbeating
// drops out of the next discovery pass.
type PresenceProvider struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu    sync.Mutex
	local domain.Device
	last  []domain.Device
}

func NewPresenceProvider(client redis.UniversalClient, prefix string, local domain.Device, ttl time.Duration, logger *zap.SugaredLogger) *PresenceProvider {
	return &PresenceProvider{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		local:  local,
		last:   []domain.Device{local},
	}
}

func (p *PresenceProvider) deviceKey(id domain.DeviceID) string {
	return fmt.Sprintf("%s:presence:%s", p.prefix, id)
}

func (p *PresenceProvider) indexKey() string {
	return p.prefix + ":presence"
}

// SetLocalStatus changes the status advertised for this host on the next
// heartbeat.
func (p *PresenceProvider) SetLocalStatus(status domain.DeviceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local.Status = status
}

// Announce publishes this host's presence once.
func (p *PresenceProvider) Announce(ctx context.Context) error {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()

	data, err := json.Marshal(presenceRecord{Device: local, AnnouncedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	expires := time.Now().Add(p.ttl)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.deviceKey(local.ID), data, p.ttl)
		pipe.ZAdd(ctx, p.indexKey(), redis.Z{Score: float64(expires.UnixMilli()), Member: string(local.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	return nil
}

// Withdraw removes this host's presence immediately.
func (p *PresenceProvider) Withdraw(ctx context.Context) error {
	p.mu.Lock()
	id := p.local.ID
	p.mu.Unlock()

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.deviceKey(id))
		pipe.ZRem(ctx, p.indexKey(), string(id))
		return nil
	})
	return err
}

// Run heartbeats until ctx is done, then withdraws.
func (p *PresenceProvider) Run(ctx context.Context) {
	interval := p.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := p.Announce(ctx); err != nil {
		p.logger.Warnw("presence announce failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.Withdraw(wctx); err != nil {
				p.logger.Warnw("presence withdraw failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Announce(ctx); err != nil {
				p.logger.Warnw("presence announce failed", "error", err)
			}
		}
	}
}

// Discover lists every live host. The local device is always first and
// never taken from Redis.
func (p *PresenceProvider) Discover(ctx context.Context) ([]domain.Device, error) {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()

	now := time.Now().UnixMilli()
	if err := p.client.ZRemRangeByScore(ctx, p.indexKey(), "-inf", fmt.Sprintf("%d", now)).Err(); err != nil {
		return []domain.Device{local}, fmt.Errorf("failed to prune presence index: %w", err)
	}

	ids, err := p.client.ZRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return []domain.Device{local}, fmt.Errorf("failed to read presence index: %w", err)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if domain.DeviceID(id) == local.ID {
			continue
		}
		keys = append(keys, p.deviceKey(domain.DeviceID(id)))
	}

	devices := []domain.Device{local}
	if len(keys) > 0 {
		values, err := p.client.MGet(ctx, keys...).Result()
		if err != nil {
			return devices, fmt.Errorf("failed to read presence records: %w", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var rec presenceRecord
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				p.logger.Warnw("skipping malformed presence record", "error", err)
				continue
			}
			rec.Device.IsLocal = false
			devices = append(devices, rec.Device)
		}
	}

	p.mu.Lock()
	p.last = devices
	p.mu.Unlock()
	return devices, nil
}

// Seed returns the result of the last successful pass.
func (p *PresenceProvider) Seed() []domain.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Device(nil), p.last...)
}
