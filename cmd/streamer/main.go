package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/exchange/hyperliquid"
	"github.com/rickgao/marketstream/internal/exchange/lighter"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/publish"
	"github.com/rickgao/marketstream/internal/supervisor"
	"github.com/rickgao/marketstream/internal/version"
	"github.com/rickgao/marketstream/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"hyperliquid", cfg.Exchanges.Hyperliquid.Enabled,
		"lighter", cfg.Exchanges.Lighter.Enabled,
		"writer", cfg.Writer.Enabled,
		"nats", cfg.NATS.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Build one adapter per enabled exchange
	adapters := buildAdapters(cfg, logger)

	// Shared output stream, fanned out to the enabled sinks
	out := make(chan model.MarketUpdate, cfg.Connection.BufferSize)

	// Batch Postgres writer
	var (
		updateWriter *writer.UpdateWriter
		writerBuf    *writer.GrowableBuffer[model.MarketUpdate]
	)
	if cfg.Writer.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		writerBuf = writer.NewGrowableBuffer[model.MarketUpdate](cfg.Writer.BufferSize)
		updateWriter = writer.NewUpdateWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, writerBuf, pool, logger)

		if err := updateWriter.Start(ctx); err != nil {
			logger.Error("failed to start writer", "error", err)
			os.Exit(1)
		}
	}

	// NATS fan-out
	var publisher *publish.Publisher
	if cfg.NATS.Enabled {
		publisher, err = publish.Connect(publish.PublisherConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.Instance.ID,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
	}

	// One supervisor per exchange
	supCfg := supervisorConfig(cfg.Connection)
	supervisors := make([]*supervisor.Supervisor, 0, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		sup := supervisor.New(supCfg, adapter, out, logger)
		supervisors = append(supervisors, sup)
		g.Go(func() error { return sup.Run(gctx) })
	}

	// Fan-out loop: the only consumer of the shared stream
	var fanWG sync.WaitGroup
	fanWG.Add(1)
	go func() {
		defer fanWG.Done()
		for update := range out {
			if writerBuf != nil {
				writerBuf.Send(update)
			}
			if publisher != nil {
				publisher.Publish(update)
			}
		}
	}()

	// Health endpoint
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(supervisors, updateWriter, publisher),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"exchanges", len(supervisors),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Block until every supervisor exits: shutdown signal, or a fatal
	// startup failure on one exchange (errgroup cancels the rest).
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("streamer failed", "error", runErr)
	}

	logger.Info("shutting down...")
	cancel()

	// No more producers; drain the fan-out
	close(out)
	fanWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)

	if updateWriter != nil {
		updateWriter.Stop(shutdownCtx)
	}
	if publisher != nil {
		publisher.Close()
	}

	logger.Info("streamer stopped")
}

// buildAdapters creates one adapter per enabled exchange, applying URL
// overrides from config.
func buildAdapters(cfg *config.StreamerConfig, logger *slog.Logger) []supervisor.Adapter {
	var adapters []supervisor.Adapter

	if ec := cfg.Exchanges.Hyperliquid; ec.Enabled {
		adapters = append(adapters, hyperliquid.NewWithEndpoints(
			orDefault(ec.StreamURL, hyperliquid.DefaultStreamURL),
			orDefault(ec.APIURL, hyperliquid.DefaultAPIURL),
			logger,
		))
	}
	if ec := cfg.Exchanges.Lighter; ec.Enabled {
		adapters = append(adapters, lighter.NewWithEndpoints(
			orDefault(ec.StreamURL, lighter.DefaultStreamURL),
			orDefault(ec.APIURL, lighter.DefaultAPIURL),
			logger,
		))
	}

	return adapters
}

// supervisorConfig maps the config section onto supervisor settings.
func supervisorConfig(cc config.ConnectionConfig) supervisor.Config {
	return supervisor.Config{
		PingInterval:       cc.PingInterval,
		IdleTimeout:        cc.IdleTimeout,
		WatchdogTick:       cc.WatchdogTick,
		ReconnectBaseDelay: cc.ReconnectBaseDelay,
		ReconnectMaxDelay:  cc.ReconnectMaxDelay,
		HandshakeTimeout:   cc.HandshakeTimeout,
		WriteTimeout:       cc.WriteTimeout,
		BufferSize:         cc.BufferSize,
		MapFetchRetries:    cc.MapFetchRetries,
		MapFetchBackoff:    cc.MapFetchBackoff,
		PreviewBytes:       supervisor.DefaultConfig().PreviewBytes,
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(
	supervisors []*supervisor.Supervisor,
	updateWriter *writer.UpdateWriter,
	publisher *publish.Publisher,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Version,
			Components: make(map[string]any),
		}

		for _, sup := range supervisors {
			stats := sup.Stats()
			health.Components[string(stats.Exchange)] = map[string]any{
				"state":           stats.State.String(),
				"attempt":         stats.Attempt,
				"session_id":      stats.SessionID.String(),
				"updates_emitted": stats.UpdatesEmitted,
				"decode_failures": stats.DecodeFailures,
				"last_connect_at": stats.LastConnectAt,
			}
			if stats.State != supervisor.StateConnected {
				health.Status = "degraded"
			}
		}

		if updateWriter != nil {
			health.Components["writer"] = updateWriter.Stats()
		}
		if publisher != nil {
			health.Components["nats"] = publisher.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
