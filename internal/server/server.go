// Package server provides the HTTP control surface and component wiring
// for the bridge.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	appconfig "github.com/lewisedginton/whatsapp_bridge/internal/config"
	"github.com/lewisedginton/whatsapp_bridge/internal/monitoring"
	"github.com/lewisedginton/whatsapp_bridge/internal/ratelimit"
	"github.com/lewisedginton/whatsapp_bridge/internal/registry"
	"github.com/lewisedginton/whatsapp_bridge/internal/session"
	"github.com/lewisedginton/whatsapp_bridge/internal/storage_manager"
	"github.com/lewisedginton/whatsapp_bridge/internal/transport"
	"github.com/lewisedginton/whatsapp_bridge/pkg/httpmiddleware"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
	"github.com/lewisedginton/whatsapp_bridge/pkg/metrics"
)

// rateLimitWindow is the fixed window length for the request limiter.
const rateLimitWindow = 10 * time.Second

// Server encapsulates all bridge components and lifecycle management
type Server struct {
	cfg            *appconfig.BridgeConfig
	log            logger.Logger
	storageManager *storage_manager.StorageManager
	registry       *registry.Registry
	limiter        *ratelimit.Limiter
	metrics        metrics.Metrics
	healthMonitor  *monitoring.HealthMonitor
	rateLimited    prometheus.Counter
	cancel         context.CancelFunc
}

// New creates a new Server instance with all components initialized
func New(ctx context.Context, cfg *appconfig.BridgeConfig, log logger.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log,
	}

	// Create storage manager (handles persistence for credentials and history)
	var err error
	s.storageManager, err = s.createStorageManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}

	// Create transport dialer for the chat-network gateway
	dialer, err := transport.NewWebsocketDialer(cfg.Gateway.URL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway dialer: %w", err)
	}
	if cfg.Gateway.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.Gateway.HandshakeTimeout
	}

	// Create metrics with bridge-level collectors
	s.metrics = metrics.NewMetrics(true, log)
	counters := s.createSessionCounters()

	// Create the rate limiter shared by all user endpoints
	s.limiter, err = ratelimit.New(cfg.Security.RateLimitRPM, rateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	// Create session registry
	s.registry, err = registry.New(registry.Config{
		Dialer:                  dialer,
		CredentialStore:         s.storageManager.GetProvider("credentials"),
		HistoryStore:            s.storageManager.GetProvider("history"),
		Logger:                  log,
		MaxSessions:             cfg.Sessions.MaxSessions,
		IdleTimeout:             cfg.Sessions.IdleTimeout,
		SweepInterval:           cfg.Sessions.SweepInterval,
		HistoryMaxMessages:      cfg.Sessions.HistoryMaxMessages,
		HistoryMaxConversations: cfg.Sessions.HistoryMaxConversations,
		FlushInterval:           cfg.Sessions.FlushInterval,
		ReconnectBase:           cfg.Sessions.ReconnectBase,
		ReconnectCap:            cfg.Sessions.ReconnectCap,
		BackoffMaxAttempts:      cfg.Sessions.BackoffMaxAttempts,
		Counters:                counters,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session registry: %w", err)
	}

	// Active-session gauge reads straight from the registry
	s.metrics.AddCustomMetric(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "bridge",
		Name:      "sessions_active",
		Help:      "Number of live sessions",
	}, func() float64 { return float64(s.registry.Count()) }))

	// Create health monitor with a storage round-trip probe
	s.healthMonitor = monitoring.NewHealthMonitor(monitoring.Config{
		Logger:           log,
		Storage:          s.storageManager.GetProvider("health"),
		Sessions:         s.registry,
		Version:          cfg.Version,
		Timeout:          cfg.Monitoring.HealthCheckTimeout,
		FailureThreshold: 3,
	})

	return s, nil
}

// createSessionCounters registers the per-session prometheus counters.
func (s *Server) createSessionCounters() session.Counters {
	c := session.Counters{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "bridge",
			Name:      "messages_sent_total",
			Help:      "Messages sent through the transport",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "bridge",
			Name:      "messages_received_total",
			Help:      "Messages received from the transport",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "bridge",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a disconnect",
		}),
	}
	s.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "bridge",
		Name:      "requests_rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	})
	s.metrics.AddCustomMetric(c.MessagesSent)
	s.metrics.AddCustomMetric(c.MessagesReceived)
	s.metrics.AddCustomMetric(c.Reconnects)
	s.metrics.AddCustomMetric(s.rateLimited)
	return c
}

// Router builds the control-surface router with middleware applied.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	corsConfig := httpmiddleware.DefaultCORSConfig()
	if len(s.cfg.Security.CORSAllowedOrigins) > 0 {
		corsConfig.AllowedOrigins = s.cfg.Security.CORSAllowedOrigins
	}

	mwConfig := httpmiddleware.DefaultConfig()
	mwConfig.Logger = s.log
	mwConfig.EnableLogging = true
	mwConfig.CORS = &corsConfig
	mwConfig.Timeout = s.cfg.RequestTimeout
	httpmiddleware.ApplyToRouter(r, mwConfig)

	if s.cfg.Monitoring.MetricsEnabled {
		r.Use(s.metrics.HTTPMiddleware())
	}

	// Health endpoints are unauthenticated probe targets
	r.Get("/health", s.healthMonitor.HealthHandler())
	r.Get("/health/live", s.healthMonitor.LivenessHandler())
	r.Get("/health/ready", s.healthMonitor.ReadinessHandler())

	// User endpoints
	r.Group(func(r chi.Router) {
		r.Use(s.userAuth)
		r.Get("/status", s.handleStatus)
		r.Get("/qr", s.handleQR)
		r.Post("/start", s.handleStart)
		r.Post("/send", s.handleSend)
		r.Post("/messages", s.handleMessages)
		r.Delete("/session", s.handleUnlink)
	})

	// Admin endpoints
	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{userID}", s.handleEvictSession)
	})

	return r
}

// Run starts the control surface and blocks until shutdown
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	s.setupGracefulShutdown()

	if s.cfg.Monitoring.MetricsEnabled {
		s.metrics.Listen(s.cfg.Monitoring.MetricsPort)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("Control surface listening", logger.IntField("port", s.cfg.Port))
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control surface failed: %w", err)
		}
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Control surface shutdown error", logger.ErrorField(err))
	}

	// Flush all sessions without logging anyone out so linked devices
	// survive the restart.
	if err := s.registry.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Session shutdown error", logger.ErrorField(err))
		return err
	}

	s.log.Info("Shutdown complete")
	return nil
}

// createStorageManager creates a storage manager based on configuration
func (s *Server) createStorageManager(ctx context.Context) (*storage_manager.StorageManager, error) {
	cfg := &s.cfg.Storage

	switch cfg.Backend {
	case "local":
		s.log.Info("Using local file-based storage", logger.StringField("directory", cfg.LocalDir))

		// Ensure directory exists (0750 needed for directory traversal)
		if err := os.MkdirAll(cfg.LocalDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}

		return storage_manager.New(storage_manager.Config{
			Backend: storage_manager.BackendLocal,
			LocalConfig: &storage_manager.LocalConfig{
				BaseDir: cfg.LocalDir,
			},
		})

	case "s3":
		s.log.Info("Using S3-based storage",
			logger.StringField("bucket", cfg.S3Bucket),
			logger.StringField("prefix", cfg.S3Prefix),
			logger.StringField("region", cfg.S3Region))

		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3 bucket is required when using S3 storage")
		}

		// Load AWS configuration
		configOptions := []func(*awsconfig.LoadOptions) error{}

		if cfg.S3Profile != "" {
			configOptions = append(configOptions, awsconfig.WithSharedConfigProfile(cfg.S3Profile))
		}

		if cfg.S3Region != "" {
			configOptions = append(configOptions, awsconfig.WithRegion(cfg.S3Region))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		// Create S3 client
		s3Client := s3.NewFromConfig(awsCfg)

		return storage_manager.New(storage_manager.Config{
			Backend: storage_manager.BackendS3,
			S3Config: &storage_manager.S3Config{
				Bucket: cfg.S3Bucket,
				Prefix: cfg.S3Prefix,
				Client: s3Client,
			},
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (must be 'local' or 's3')", cfg.Backend)
	}
}

// setupGracefulShutdown sets up signal handling for graceful shutdown
func (s *Server) setupGracefulShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		s.log.Info("Received shutdown signal", logger.StringField("signal", sig.String()))

		if s.cancel != nil {
			s.cancel()
		}

		// Give processes time to shutdown gracefully, then force exit
		time.AfterFunc(60*time.Second, func() {
			s.log.Warn("Force exiting due to timeout")
			os.Exit(1)
		})
	}()
}
