package discovery

import (
	"fmt"
	"strings"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DevicesFromConfig converts the configured local device and peers into
// domain devices, local first.
func DevicesFromConfig(cfg *config.Config) (domain.Device, []domain.Device) {
	local := toDevice(cfg.Discovery.Local)
	local.IsLocal = true
	if local.Status == "" {
		local.Status = domain.StatusAvailable
	}

	peers := make([]domain.Device, 0, len(cfg.Discovery.Devices))
	for _, d := range cfg.Discovery.Devices {
		peers = append(peers, toDevice(d))
	}
	return local, peers
}

func toDevice(d config.DeviceConfig) domain.Device {
	return domain.Device{
		ID:      domain.DeviceID(d.ID),
		Name:    d.Name,
		Address: d.Address,
		Status:  domain.DeviceStatus(d.Status),
		IsLocal: d.IsLocal,
	}
}

// NewProvider builds the provider named by discovery.provider. client may be
// nil unless the provider is "redis".
func NewProvider(cfg *config.Config, client redis.UniversalClient, logger *zap.SugaredLogger) (ports.DiscoveryProvider, error) {
	local, peers := DevicesFromConfig(cfg)

	switch strings.ToLower(cfg.Discovery.Provider) {
	case "simulated":
		return NewSimulatedProvider(local, peers, cfg.Discovery.SimulatedDelay), nil
	case "static":
		return NewStaticProvider(local, peers), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("discovery provider redis requires a Redis connection")
		}
		return NewPresenceProvider(client, cfg.Redis.Prefix, local, cfg.Discovery.PresenceTTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown discovery provider %q", cfg.Discovery.Provider)
	}
}
