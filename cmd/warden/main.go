package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/warden/pkg/alert"
	"github.com/lucid-vigil/warden/pkg/api"
	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/detect"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/explain"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/lucid-vigil/warden/pkg/service"
	"github.com/lucid-vigil/warden/pkg/store"
	"github.com/lucid-vigil/warden/pkg/watcher"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration first
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger based on config
	logCloser, err := logger.InitLoggerWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	log.Info().Msg("Warden detection service starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIAddr=%s", cfg.LogLevel, cfg.APIAddr)

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a channel to listen for OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Goroutine to handle graceful shutdown
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel()
	}()

	// Persistence
	var st store.Store
	if cfg.Store.SQLitePath != "" {
		sqliteStore, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Store.SQLitePath).Msg("Failed to open sqlite store")
		}
		st = sqliteStore
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("Using sqlite store")
	} else {
		st = store.NewMemoryStore()
		log.Warn().Msg("No sqlite_path configured, detections are held in memory only")
	}
	defer st.Close()

	// Score providers
	forestDetector := detect.NewForestDetector()
	forest := detect.NewHandle(forestDetector, cfg.Models.ForestPath, log.Logger)
	lstm := detect.NewHandle(detect.NewLSTMDetector(), cfg.Models.LSTMPath, log.Logger)

	policy := detect.FusionPolicy{
		ForestWeight:       cfg.Detection.ForestWeight,
		LSTMWeight:         cfg.Detection.LSTMWeight,
		DetectionThreshold: cfg.Detection.Threshold,
	}

	// Explainers share the scoring forest model.
	aggregator := explain.NewAggregator(forestDetector, explain.NarrativeConfig{
		Endpoint: cfg.Explain.NarrativeEndpoint,
		APIKey:   cfg.Explain.NarrativeAPIKey,
		Model:    cfg.Explain.NarrativeModel,
	}, time.Now().UnixNano(), log.Logger)

	// Event bus and alerting
	bus := events.NewBus(log.Logger, 0)
	bus.Start(ctx)
	defer bus.Stop()

	if cfg.Alerts.Enabled {
		window, err := time.ParseDuration(cfg.Alerts.SuppressionWindow)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid suppression window, using 15m")
			window = 15 * time.Minute
		}
		suppressor := events.NewAlertSuppressor(window)
		defer suppressor.Stop()

		dispatcher := alert.NewDispatcher(true, suppressor, log.Logger)
		if cfg.Alerts.SlackWebhookURL != "" {
			dispatcher.Register(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
		}
		if cfg.Alerts.SMTPHost != "" && len(cfg.Alerts.SMTPTo) > 0 {
			dispatcher.Register(alert.NewSMTPChannel(alert.SMTPConfig{
				Host:     cfg.Alerts.SMTPHost,
				Port:     cfg.Alerts.SMTPPort,
				Username: cfg.Alerts.SMTPUsername,
				Password: cfg.Alerts.SMTPPassword,
				From:     cfg.Alerts.SMTPFrom,
				To:       cfg.Alerts.SMTPTo,
			}))
		}
		if cfg.Alerts.NATSURL != "" {
			natsChannel, err := alert.NewNATSChannel(cfg.Alerts.NATSURL, cfg.Alerts.NATSSubject)
			if err != nil {
				log.Error().Err(err).Msg("Failed to connect NATS alert channel")
			} else {
				dispatcher.Register(natsChannel)
				defer natsChannel.Close()
			}
		}
		bus.Subscribe(dispatcher)
		events.NewBurstCorrelator(log.Logger, bus, 10*time.Minute, 3)
	}

	// Orchestrator and API
	svc := service.New(st, forest, lstm, policy, aggregator, bus, service.Options{
		AlertThreshold: cfg.Detection.AlertThreshold,
	}, log.Logger)

	// Optional artifact hot reload
	if cfg.Models.WatchArtifacts {
		targets := map[string]*detect.Handle{}
		if cfg.Models.ForestPath != "" {
			targets[cfg.Models.ForestPath] = forest
		}
		if cfg.Models.LSTMPath != "" {
			targets[cfg.Models.LSTMPath] = lstm
		}
		w, err := watcher.New(targets, log.Logger)
		if err != nil {
			log.Error().Err(err).Msg("Failed to start artifact watcher")
		} else {
			go w.Run(ctx)
		}
	}

	server := api.NewServer(cfg.APIAddr, svc, events.NewIngestValidator(0), log.Logger)
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("API server exited with error")
	}

	log.Info().Msg("Warden detection service stopped.")
}
