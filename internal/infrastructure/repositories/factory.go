package repositories

import (
	"context"
	"sync"

	"lanscreen/internal/core/ports"
	"lanscreen/internal/infrastructure/repositories/memory"
	redisrepo "lanscreen/internal/infrastructure/repositories/redis"
	"lanscreen/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	prefix      string
	instanceID  string
	logger      *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory storage if the connection fails.
func NewRepositoryFactory(cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		prefix:     cfg.Redis.Prefix,
		instanceID: instanceID,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			ClientName: "lanscreen:" + instanceID,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

func (f *RepositoryFactory) CreateDeviceRepository() ports.DeviceRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisDeviceRepository(f.redisClient, f.prefix, f.instanceID)
	}
	return memory.NewMemoryDeviceRepository()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close releases the Redis connection. Later calls return the first result.
func (f *RepositoryFactory) Close() error {
	f.closeOnce.Do(func() {
		if f.redisClient != nil {
			f.closeErr = f.redisClient.Close()
		}
	})
	return f.closeErr
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
