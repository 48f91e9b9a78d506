// Hashwatch Core - Miner Fleet Monitor
//
// This is the main entry point for Hashwatch Core, the backend service
// behind the Hashwatch dashboard. It discovers Bitaxe and NerdMiner class
// devices on the local network, keeps a persistent registry of their
// identity and telemetry, and pushes pool configuration to the fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/hashwatch/hashwatch-core/migrations"

	"github.com/hashwatch/hashwatch-core/internal/api"
	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/dispatch"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/config"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/database"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/logging"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/mqtt"
	"github.com/hashwatch/hashwatch-core/internal/minerapi"
	"github.com/hashwatch/hashwatch-core/internal/scan"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error lets main handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hashwatch Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and bring the schema up to date
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry and hydrate the cache from SQLite, so
	// the fleet is visible before the first sweep runs.
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo)
	registry.SetLogger(log.With("component", "registry"))

	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.Count())

	// Miner API client shared by the scanner and dispatcher.
	client := minerapi.New(
		minerapi.WithProbeTimeout(cfg.GetProbeTimeout()),
		minerapi.WithPushTimeout(cfg.GetPushTimeout()),
	)

	scanner := scan.New(client, registry,
		scan.WithConcurrency(cfg.Scanner.Concurrency),
		scan.WithLogger(log.With("component", "scanner")),
	)

	dispatcher := dispatch.New(client, registry,
		dispatch.WithConcurrency(cfg.Dispatcher.Concurrency),
		dispatch.WithLogger(log.With("component", "dispatcher")),
	)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Start API server
	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Logger:        log.With("component", "api"),
		Registry:      registry,
		Scanner:       scanner,
		Dispatcher:    dispatcher,
		MQTT:          mqttClient,
		DefaultSubnet: cfg.Scanner.DefaultSubnet,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Background refresh keeps liveness current between manual sweeps.
	if interval := cfg.GetRefreshInterval(); interval > 0 {
		go refreshLoop(ctx, scanner, interval, log)
		log.Info("background refresh enabled", "interval", interval)
	}

	if err := healthCheck(ctx, db, mqttClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Hashwatch Core stopped")
	return nil
}

// refreshLoop re-probes known devices on a fixed period until ctx ends.
// An overlapping manual sweep just skips that tick.
func refreshLoop(ctx context.Context, scanner *scan.Scanner, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := scanner.Refresh(ctx)
			if err != nil {
				log.Debug("background refresh skipped", "error", err)
				continue
			}
			log.Debug("background refresh complete",
				"scanned", report.Scanned,
				"went_offline", report.WentOffline,
			)
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses HASHWATCH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HASHWATCH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure components are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}
