// Package main provides the relay server executable with HTTP API and
// background delivery workers.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coregx/relay"
	natsadapter "github.com/coregx/relay/adapters/nats"
	relicaadapter "github.com/coregx/relay/adapters/relica"
	"github.com/coregx/relay/cmd/relay-server/internal/api"
	"github.com/coregx/relay/cmd/relay-server/internal/config"
	"github.com/coregx/relay/retry"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ZerologLogger adapts zerolog to the relay.Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

func (l *ZerologLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
func (l *ZerologLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}
func (l *ZerologLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
func (l *ZerologLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}
func (l *ZerologLogger) Info(message string) {
	l.log.Info().Msg(message)
}

func main() {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	logger := &ZerologLogger{log: zl}

	logger.Info("🚀 Starting Relay Server v0.1.0...")

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		zl.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Infof("📝 Configuration loaded:")
	logger.Infof("   Server: %s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Infof("   Database: %s (%s:%d)", cfg.Database.Driver, cfg.Database.Host, cfg.Database.Port)
	logger.Infof("   Transport: %s", cfg.Relay.Transport)
	logger.Infof("   Batch size: %d, worker interval: %ds", cfg.Relay.BatchSize, cfg.Relay.WorkerInterval)

	// Connect to database
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		zl.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Errorf("Failed to close database: %v", closeErr)
		}
	}()

	// Test connection
	if err := db.Ping(); err != nil {
		zl.Fatal().Err(err).Msg("Failed to connect to database")
	}
	logger.Info("✅ Database connection established")

	// Create repositories using Relica adapters
	var repos *relicaadapter.Repositories
	if cfg.Database.Prefix != "" {
		repos = relicaadapter.NewRepositoriesWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	} else {
		repos = relicaadapter.NewRepositories(db, cfg.Database.Driver)
	}
	logger.Info("✅ Repositories initialized (Relica adapters)")

	// Create notification service
	var notificationService relay.NotificationService
	if cfg.Relay.EnableNotifications {
		notificationService = relay.NewLoggingNotificationService(logger)
	} else {
		notificationService = &relay.NoOpNotificationService{}
	}

	// Delivery policy shared by the transports
	strategy := retry.DefaultStrategy()
	strategy.LeaseDuration = time.Duration(cfg.Relay.LeaseSeconds) * time.Second
	retention := time.Duration(cfg.Relay.RetentionHours) * time.Hour

	// Destination adapters are registered through the library API; the
	// standalone server starts with an empty registry and serves admission,
	// registration management, and stats.
	registry := relay.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker transport wiring (nats transport only)
	var brokerClient relay.BrokerClient
	var renewer *relay.LockRenewer

	admitterOpts := []relay.AdmitterOption{
		relay.WithAdmitterRepositories(repos.Message, repos.Subscription, repos.Registration),
		relay.WithAdmitterLogger(logger),
	}

	if cfg.Relay.Transport == config.TransportNATS {
		conn, err := nats.Connect(cfg.Relay.NATSURL, nats.Name("relay-server"))
		if err != nil {
			zl.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer conn.Close()

		brokerClient, err = natsadapter.NewClient(conn,
			natsadapter.WithLockTTL(strategy.LeaseDuration),
			natsadapter.WithMaxDeliver(strategy.MaxDeliveries),
			natsadapter.WithClientLogger(logger),
		)
		if err != nil {
			zl.Fatal().Err(err).Msg("Failed to create JetStream client")
		}
		logger.Info("✅ JetStream broker client connected")

		admitterOpts = append(admitterOpts, relay.WithAdmitterBroker(brokerClient))
	}

	// Create Admitter service
	admitter, err := relay.NewAdmitter(admitterOpts...)
	if err != nil {
		zl.Fatal().Err(err).Msg("Failed to create admitter")
	}
	logger.Info("✅ Admitter service created")

	// Create RegistrationManager service
	registrationManager, err := relay.NewRegistrationManager(
		relay.WithRegistrationManagerRepository(repos.Registration),
		relay.WithRegistrationManagerLogger(logger),
	)
	if err != nil {
		zl.Fatal().Err(err).Msg("Failed to create registration manager")
	}
	logger.Info("✅ RegistrationManager service created")

	workerInterval := time.Duration(cfg.Relay.WorkerInterval) * time.Second

	switch cfg.Relay.Transport {
	case config.TransportNATS:
		consumer, err := relay.NewConsumer(
			relay.WithConsumerClient(brokerClient),
			relay.WithConsumerRepositories(repos.Message, repos.Subscription, repos.Registration, repos.DeliveryLock),
			relay.WithConsumerRegistry(registry),
			relay.WithConsumerStrategy(strategy),
			relay.WithConsumerBatchSize(cfg.Relay.BatchSize),
			relay.WithConsumerLogger(logger),
			relay.WithConsumerNotifications(notificationService),
		)
		if err != nil {
			zl.Fatal().Err(err).Msg("Failed to create consumer")
		}
		if err := consumer.EnsureTopology(ctx); err != nil {
			zl.Fatal().Err(err).Msg("Failed to ensure broker topology")
		}
		logger.Info("✅ Broker topology ensured")

		renewer, err = relay.NewLockRenewer(
			relay.WithRenewerClient(brokerClient),
			relay.WithRenewerRepository(repos.DeliveryLock),
			relay.WithRenewerStrategy(strategy),
			relay.WithRenewerLogger(logger),
			relay.WithRenewerNotifications(notificationService),
		)
		if err != nil {
			zl.Fatal().Err(err).Msg("Failed to create lock renewer")
		}

		monitor, err := relay.NewDeadLetterMonitor(
			relay.WithMonitorClient(brokerClient),
			relay.WithMonitorRepository(repos.Registration),
			relay.WithMonitorLogger(logger),
			relay.WithMonitorNotifications(notificationService),
		)
		if err != nil {
			zl.Fatal().Err(err).Msg("Failed to create dead-letter monitor")
		}

		go func() {
			logger.Infof("🔄 Starting consumer (interval: %ds)...", cfg.Relay.WorkerInterval)
			consumer.Run(ctx, workerInterval)
		}()
		go func() {
			logger.Infof("🔄 Starting lock renewer (interval: %ds)...", cfg.Relay.RenewalInterval)
			renewer.Run(ctx, time.Duration(cfg.Relay.RenewalInterval)*time.Second)
		}()
		go func() {
			logger.Infof("🔄 Starting dead-letter monitor (interval: %ds)...", cfg.Relay.MonitorInterval)
			monitor.Run(ctx, time.Duration(cfg.Relay.MonitorInterval)*time.Second)
		}()

	case config.TransportStore:
		forwarder, err := relay.NewForwarder(
			relay.WithRepositories(repos.Message, repos.Subscription, repos.Registration),
			relay.WithRegistry(registry),
			relay.WithStrategy(strategy),
			relay.WithBatchSize(cfg.Relay.BatchSize),
			relay.WithRetention(retention),
			relay.WithLogger(logger),
			relay.WithNotifications(notificationService),
		)
		if err != nil {
			zl.Fatal().Err(err).Msg("Failed to create forwarder")
		}

		go func() {
			logger.Infof("🔄 Starting forwarder (interval: %ds)...", cfg.Relay.WorkerInterval)
			forwarder.Run(ctx, workerInterval)
		}()
	}

	// Create API handler
	handler := api.NewHandler(admitter, registrationManager, repos.Message, repos.Registration, brokerClient, renewer, logger)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/admit", handler.HandleAdmit)
	mux.HandleFunc("/api/v1/registrations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			handler.HandleListRegistrations(w, r)
			return
		}
		handler.HandleRegister(w, r)
	})
	mux.HandleFunc("/api/v1/registrations/", handler.HandleDeregister) // Note trailing slash for :id
	mux.HandleFunc("/api/v1/stats", handler.HandleStats)
	mux.HandleFunc("/api/v1/health", handler.HandleHealth)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Infof("🌐 HTTP server listening on %s", addr)
		logger.Info("📡 API Endpoints:")
		logger.Info("   POST   /api/v1/admit")
		logger.Info("   POST   /api/v1/registrations")
		logger.Info("   GET    /api/v1/registrations?interface=<name>")
		logger.Info("   DELETE /api/v1/registrations/:id")
		logger.Info("   GET    /api/v1/stats")
		logger.Info("   GET    /api/v1/health")
		logger.Info("✅ Relay Server is ready!")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	cancel() // Stop background workers
	logger.Info("✅ Server stopped gracefully")
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger relay.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}
