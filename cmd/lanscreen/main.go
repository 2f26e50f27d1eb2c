package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/internal/core/services"
	httphandlers "lanscreen/internal/handlers/http"
	"lanscreen/internal/infrastructure/capture"
	"lanscreen/internal/infrastructure/discovery"
	"lanscreen/internal/infrastructure/middleware"
	"lanscreen/internal/infrastructure/monitoring"
	"lanscreen/internal/infrastructure/repositories"
	signalinfra "lanscreen/internal/infrastructure/signal"
	webrtcinfra "lanscreen/internal/infrastructure/webrtc"
	"lanscreen/pkg/config"
	"lanscreen/pkg/logger"
	"lanscreen/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func loadConfig() (*config.Config, string) {
	if path := os.Getenv("LANSCREEN_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg, path
		}
	}

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/lanscreen/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if cfg, err := config.Load(path); err == nil {
			return cfg, path
		}
	}
	return config.DefaultConfig(), ""
}

func peerConfig(cfg *config.Config) webrtcinfra.PeerConfig {
	var pc webrtcinfra.PeerConfig
	for _, s := range cfg.WebRTC.ICEServers {
		pc.ICEServers = append(pc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	// empty ICE list: host candidates only, which is all a LAN needs
	pc.PortRange.Min = cfg.WebRTC.PortRange.Min
	pc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return pc
}

func main() {
	startTime := time.Now()

	cfg, cfgPath := loadConfig()

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfgPath == "" {
		log.Info("no config file found, using defaults")
	} else {
		log.Infow("loaded config", "path", cfgPath)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	local, _ := discovery.DevicesFromConfig(cfg)

	repoFactory := repositories.NewRepositoryFactory(cfg, string(local.ID), log)
	deviceRepo := repoFactory.CreateDeviceRepository()

	// a nil *redis.Client must not reach the provider as a non-nil interface
	var redisClient redis.UniversalClient
	if client := repoFactory.RedisClient(); client != nil {
		redisClient = client
	}

	provider, err := discovery.NewProvider(cfg, redisClient, log)
	if err != nil {
		log.Fatalw("failed to create discovery provider", "error", err)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	presence, _ := provider.(*discovery.PresenceProvider)
	if presence != nil {
		go presence.Run(rootCtx)
	}

	// Capture
	var (
		consent ports.ConsentPrompt
		prompt  *capture.PendingPrompt
	)
	if cfg.Capture.AutoConsent {
		consent = capture.NewAutoConsent()
	} else {
		prompt = capture.NewPendingPrompt(cfg.Capture.ConsentTimeout, log)
		consent = prompt
	}
	captureSource := capture.NewSource(consent, log)

	defaults := domain.CaptureOptions{
		Audio:   cfg.Capture.Audio,
		FPS:     cfg.Capture.FPS,
		Quality: domain.StreamQuality(cfg.Capture.Quality),
		Codec:   domain.VideoCodec(cfg.Capture.Codec),
	}

	// Core services
	notifier := services.NewNotifier(log)
	registry := services.NewDeviceRegistry(deviceRepo, provider, notifier, cfg.Discovery.Window, log)
	reporter := services.NewStatsReporter(notifier, cfg.Stats.Interval, log)

	var negotiator ports.Negotiator
	if cfg.Session.NegotiationEnabled {
		signaler := signalinfra.NewHTTPSignaler(signalinfra.HTTPSignalerConfig{
			Timeout:          cfg.Signaling.Timeout,
			MaxRetries:       cfg.Signaling.MaxRetries,
			RetryDelay:       cfg.Signaling.RetryDelay,
			BreakerFailures:  cfg.Signaling.BreakerFailures,
			BreakerResetTime: cfg.Signaling.BreakerResetTime,
		}, log)
		negotiator = webrtcinfra.NewNegotiator(peerConfig(cfg), signaler, local, log)
		log.Info("WebRTC negotiation enabled")
	}

	coordinator := services.NewSessionCoordinator(
		captureSource,
		registry,
		reporter,
		negotiator,
		services.NewNotifierSink(notifier, log),
		notifier,
		services.CoordinatorConfig{
			NegotiationTimeout: cfg.Session.NegotiationTimeout,
			DefaultOptions:     defaults,
		},
		log,
	)

	var answerer *webrtcinfra.Answerer
	if cfg.Session.NegotiationEnabled {
		answerer = webrtcinfra.NewAnswerer(peerConfig(cfg), coordinator, log)
	}

	if presence != nil {
		// advertise the local host as occupied while it shares or receives
		notifier.Subscribe(func(evt domain.Event) {
			if evt.Type != domain.EventSessionChanged || evt.Session == nil {
				return
			}
			status := domain.StatusAvailable
			if evt.Session.Sharing || evt.Session.Receiving {
				status = domain.StatusOccupied
			}
			presence.SetLocalStatus(status)
		})
	}

	// Monitoring
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRepositoryCheck(deviceRepo, 2*time.Second)
	if redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, 2*time.Second)
	}

	registryMetrics := prometheus.NewRegistry()
	registryMetrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector(registryMetrics)
		notifier.Subscribe(collector.Observe)
	}

	// Handlers
	var consentPrompt httphandlers.ConsentPrompt
	if prompt != nil {
		consentPrompt = prompt
	}
	controlHandler := httphandlers.NewControlHandler(registry, coordinator, reporter, consentPrompt, defaults).
		WithPreviewWaitLimit(previewWaitLimit(cfg.Server.WriteTimeout))

	var offerAnswerer httphandlers.OfferAnswerer
	if answerer != nil {
		offerAnswerer = answerer
	}
	signalHandler := httphandlers.NewSignalHandler(offerAnswerer)

	eventStream := signalinfra.NewEventStreamServer(registry, coordinator, notifier, signalinfra.EventStreamConfig{
		PingInterval:      cfg.Events.PingInterval,
		PongTimeout:       cfg.Events.PongTimeout,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        cfg.Events.SendBuffer,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MessagesPerSecond: wsRate(cfg),
		Burst:             wsBurst(cfg),
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, log)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	if cfg.Server.LANOnly {
		router.Use(middleware.LocalNetworkOnly())
	}

	controlHandler.SetupRoutes(router)
	signalHandler.SetupRoutes(router)
	router.GET("/ws/events", gin.WrapF(eventStream.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"device":    local.Name,
			"clients":   eventStream.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := healthChecker.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registryMetrics, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting lanscreen",
			"address", cfg.Server.Address,
			"device_id", local.ID,
			"device_name", local.Name,
			"discovery", cfg.Discovery.Provider,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Discovery.StartOnBoot {
		registry.StartDiscovery()
	} else {
		registry.ResetDevices()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down lanscreen...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	eventStream.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	coordinator.StopSharing()
	if answerer != nil {
		answerer.Close()
	}
	registry.Close()
	cancelRoot()
	notifier.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("lanscreen stopped")
}

// previewWaitLimit leaves headroom under the write timeout for the reply.
func previewWaitLimit(writeTimeout time.Duration) time.Duration {
	return writeTimeout - writeTimeout/10
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}

func wsBurst(cfg *config.Config) int {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.Burst
}
