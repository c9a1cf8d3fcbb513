package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pageveil/pageveil/internal/config"
	"github.com/pageveil/pageveil/internal/findings"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/settings"
	"github.com/pageveil/pageveil/internal/transport"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("PageVeil %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Optional .env for local development; absence is fine
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PageVeil",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
	)

	store := settings.NewStore(settingsFromConfig(cfg), log.WithComponent("settings"))

	var sync *settings.Sync
	if cfg.Sync.Enabled {
		sync, err = settings.NewSync(&settings.SyncConfig{
			RedisURL:  cfg.Sync.RedisURL,
			KeyPrefix: cfg.Sync.KeyPrefix,
		}, log.WithComponent("sync").Logger)
		if err != nil {
			log.Fatal("Failed to initialize settings sync", zap.Error(err))
		}
		store.AttachSync(sync)
		sync.Start()

		if remote, loadErr := sync.Load(); loadErr == nil {
			store.Update(remote)
			log.Info("Settings restored from sync backend")
		}
	}

	var fs *findings.Store
	if cfg.Findings.Enabled {
		fs, err = findings.NewStore(&findings.Config{
			DatabaseURL:     cfg.Findings.DatabaseURL,
			MaxOpenConns:    cfg.Findings.MaxOpenConns,
			MaxIdleConns:    cfg.Findings.MaxIdleConns,
			ConnMaxLifetime: cfg.Findings.ConnMaxLifetime,
		}, log.WithComponent("findings").Logger)
		if err != nil {
			log.Fatal("Failed to initialize findings store", zap.Error(err))
		}
		defer fs.Close()
	}

	// Hot-reload the masking defaults when the config file changes
	if err := config.Watch(cfg, func(next *config.Config) {
		log.Info("Configuration reloaded")
		merged := settingsFromConfig(next)
		// Custom patterns are owned by the store, not the config file
		merged.SensitivePatterns.CustomPatterns = store.Get().SensitivePatterns.CustomPatterns
		store.Update(merged)
	}); err != nil {
		log.Warn("Config watch unavailable", zap.Error(err))
	}

	server := transport.New(cfg, store, fs, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
	if sync != nil {
		sync.Stop()
	}
	log.Info("Shutdown complete")
}

// settingsFromConfig maps the static config section onto live settings
func settingsFromConfig(cfg *config.Config) settings.Settings {
	s := settings.Settings{
		MaskingEnabled:   cfg.Masking.Enabled,
		MaskingStyle:     settings.MaskingStyle(cfg.Masking.Style),
		MaskingIntensity: cfg.Masking.Intensity,
	}
	s.SensitivePatterns.Email = cfg.Masking.Detectors.Email
	s.SensitivePatterns.Phone = cfg.Masking.Detectors.Phone
	s.SensitivePatterns.SSN = cfg.Masking.Detectors.SSN
	s.SensitivePatterns.CreditCard = cfg.Masking.Detectors.CreditCard
	return s
}

// performHealthCheck probes the running daemon and exits accordingly
func performHealthCheck(port int) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}
