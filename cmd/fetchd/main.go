package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fetchd/internal/api"
	"fetchd/internal/bus"
	"fetchd/internal/config"
	"fetchd/internal/engine"
	"fetchd/internal/fsutil"
	"fetchd/internal/logger"
	"fetchd/internal/provider"
	"fetchd/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	console := flag.Bool("console", true, "log to console as well as the log file")
	flag.Parse()

	if err := run(*configPath, *console); err != nil {
		fmt.Fprintln(os.Stderr, "fetchd:", err)
		os.Exit(1)
	}
}

func run(configPath string, console bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	if !fsutil.DirWritable(cfg.Storage.Root) {
		return fmt.Errorf("storage root %s is not writable", cfg.Storage.Root)
	}

	consoleOut := io.Writer(io.Discard)
	if console {
		consoleOut = os.Stdout
	}
	log, err := logger.New(filepath.Join(cfg.Storage.Root, "logs"), consoleOut)
	if err != nil {
		return err
	}
	log.Info("starting fetchd",
		slog.String("root", cfg.Storage.Root),
		slog.String("provider", cfg.Provider.Name))

	dbPath := cfg.Storage.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Storage.Root, dbPath)
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var b bus.Bus
	if cfg.Redis.URL != "" {
		b, err = bus.NewRedisBus(cfg.Redis.URL, cfg.Redis.CancelTTL.Std())
		if err != nil {
			return err
		}
		log.Info("event bus: redis")
	} else {
		b = bus.NewMemoryBus()
		log.Info("event bus: in-memory")
	}
	defer b.Close()
	store.SetBus(b)

	adc := provider.NewAllDebrid(
		cfg.Provider.APIKey, cfg.Provider.Agent, cfg.Provider.BaseURL,
		cfg.Provider.ConnectTimeout.Std(), cfg.Provider.ReadTimeout.Std())
	client := provider.Throttle(adc,
		cfg.Provider.RatePerSec, cfg.Provider.Burst, cfg.Provider.UnlockConc)

	eng := engine.New(cfg, store, b, client, log)
	svc := engine.NewService(cfg, store, b, client.Name(), log)
	svc.BindEngine(eng)
	streamer := engine.NewStreamer(svc, cfg.Stream, log)
	server := api.NewServer(cfg.API, svc, streamer, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("api server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", slog.Any("error", err))
	}
	eng.Stop()
	log.Info("fetchd stopped")
	return nil
}
