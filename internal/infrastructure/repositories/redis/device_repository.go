package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisDeviceRepository stores one host's registry in Redis: device bodies
// in a hash, discovery order in a sorted set. Keys are scoped by instance id
// so several hosts can share a server.
type RedisDeviceRepository struct {
	client   redis.UniversalClient
	hashKey  string
	orderKey string
}

func NewRedisDeviceRepository(client redis.UniversalClient, prefix, instanceID string) ports.DeviceRepository {
	base := fmt.Sprintf("%s:%s", prefix, instanceID)
	return &RedisDeviceRepository{
		client:   client,
		hashKey:  base + ":devices",
		orderKey: base + ":devices:order",
	}
}

func (r *RedisDeviceRepository) ReplaceAll(ctx context.Context, devices []*domain.Device) error {
	seen := make(map[domain.DeviceID]bool, len(devices))
	fields := make([]interface{}, 0, len(devices)*2)
	members := make([]redis.Z, 0, len(devices))

	for i, d := range devices {
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id: %s", d.ID)
		}
		seen[d.ID] = true

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		fields = append(fields, string(d.ID), data)
		members = append(members, redis.Z{Score: float64(i), Member: string(d.ID)})
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey, r.orderKey)
		if len(devices) > 0 {
			pipe.HSet(ctx, r.hashKey, fields...)
			pipe.ZAdd(ctx, r.orderKey, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace devices in Redis: %w", err)
	}
	return nil
}

func (r *RedisDeviceRepository) Upsert(ctx context.Context, device *domain.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	count, err := r.client.ZCard(ctx, r.orderKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read device order: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey, string(device.ID), data)
		pipe.ZAddNX(ctx, r.orderKey, redis.Z{Score: float64(count), Member: string(device.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert device in Redis: %w", err)
	}
	return nil
}

func (r *RedisDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	data, err := r.client.HGet(ctx, r.hashKey, string(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrUnknownDeviceID
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device from Redis: %w", err)
	}

	var device domain.Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	return &device, nil
}

func (r *RedisDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read device order: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Device{}, nil
	}

	values, err := r.client.HMGet(ctx, r.hashKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices from Redis: %w", err)
	}

	devices := make([]*domain.Device, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// order entry without a body; skip it
			continue
		}
		var device domain.Device
		if err := json.Unmarshal([]byte(s), &device); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device: %w", err)
		}
		devices = append(devices, &device)
	}
	return devices, nil
}

func (r *RedisDeviceRepository) UpdateStatus(ctx context.Context, id domain.DeviceID, status domain.DeviceStatus) error {
	device, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	device.Status = status

	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}
	if err := r.client.HSet(ctx, r.hashKey, string(id), data).Err(); err != nil {
		return fmt.Errorf("failed to update device status in Redis: %w", err)
	}
	return nil
}

func (r *RedisDeviceRepository) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.hashKey, r.orderKey).Err(); err != nil {
		return fmt.Errorf("failed to clear devices in Redis: %w", err)
	}
	return nil
}
