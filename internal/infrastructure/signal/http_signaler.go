package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/infrastructure/middleware"
	"lanscreen/pkg/circuitbreaker"
	"lanscreen/pkg/retry"
	"lanscreen/pkg/tracing"

	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// OfferPath is where every device accepts inbound offers.
const OfferPath = "/api/v1/signal/offer"

// ErrOfferRefused is returned when the target answered with a client error;
// such offers are not retried.
var ErrOfferRefused = errors.New("offer refused by target")

type HTTPSignalerConfig struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	BreakerFailures  int
	BreakerResetTime time.Duration
}

// HTTPSignaler posts offers straight to the target device's control API.
// Each target gets its own circuit breaker.
type HTTPSignaler struct {
	client *http.Client
	cfg    HTTPSignalerConfig
	retry  retry.Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[domain.DeviceID]*circuitbreaker.CircuitBreaker
}

func NewHTTPSignaler(cfg HTTPSignalerConfig, logger *zap.SugaredLogger) *HTTPSignaler {
	return &HTTPSignaler{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		retry: retry.Config{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     cfg.Timeout,
			Multiplier:   2,
			Jitter:       true,
			Permanent:    []error{ErrOfferRefused},
		},
		logger:   logger,
		breakers: make(map[domain.DeviceID]*circuitbreaker.CircuitBreaker),
	}
}

func (s *HTTPSignaler) breaker(id domain.DeviceID) *circuitbreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[id]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold:    s.cfg.BreakerFailures,
			SuccessThreshold:    1,
			Timeout:             s.cfg.BreakerResetTime,
			MaxRequestsHalfOpen: 1,
		})
		cb.OnStateChange(func(from, to circuitbreaker.State) {
			s.logger.Infow("signaling breaker state changed",
				"device_id", id,
				"from", from.String(),
				"to", to.String(),
			)
		})
		s.breakers[id] = cb
	}
	return cb
}

func (s *HTTPSignaler) ExchangeOffer(ctx context.Context, target domain.Device, offer domain.SignalOffer) (domain.SignalAnswer, error) {
	if target.Address == "" {
		return domain.SignalAnswer{}, fmt.Errorf("%w: device %s has no address", ErrOfferRefused, target.ID)
	}
	url := "http://" + target.Address + OfferPath

	body, err := json.Marshal(offer)
	if err != nil {
		return domain.SignalAnswer{}, fmt.Errorf("failed to encode offer: %w", err)
	}

	var answer domain.SignalAnswer
	err = s.breaker(target.ID).Execute(func() error {
		var err error
		answer, err = retry.DoWithResult(ctx, s.retry, func(ctx context.Context) (domain.SignalAnswer, error) {
			return s.post(ctx, url, offer.FromDeviceID, body)
		})
		return err
	})
	if err != nil {
		s.logger.Warnw("offer exchange failed", "device_id", target.ID, "url", url, "error", err)
		return domain.SignalAnswer{}, err
	}

	s.logger.Debugw("offer exchanged", "device_id", target.ID, "answer_length", len(answer.SDP))
	return answer, nil
}

func (s *HTTPSignaler) post(ctx context.Context, url string, from domain.DeviceID, body []byte) (domain.SignalAnswer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.SignalAnswer{}, fmt.Errorf("%w: %v", ErrOfferRefused, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.DeviceIDHeader, string(from))
	tracing.InjectHTTPHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.SignalAnswer{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SignalAnswer{}, fmt.Errorf("failed to read answer: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return domain.SignalAnswer{}, fmt.Errorf("target returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.SignalAnswer{}, fmt.Errorf("%w: status %d: %s", ErrOfferRefused, resp.StatusCode, bytes.TrimSpace(data))
	}

	var answer domain.SignalAnswer
	if err := json.Unmarshal(data, &answer); err != nil {
		return domain.SignalAnswer{}, fmt.Errorf("%w: invalid answer: %v", ErrOfferRefused, err)
	}
	if answer.SDP == "" {
		return domain.SignalAnswer{}, fmt.Errorf("%w: empty answer", ErrOfferRefused)
	}
	return answer, nil
}
