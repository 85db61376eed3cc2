// Command agent runs the beam client as a long-lived daemon: it registers
// the device, keeps the live socket open and drains the event queue in the
// background until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/internal/infra/persistence/migrations"
	"github.com/pushbeam/beam/internal/infra/persistence/postgres"
	"github.com/pushbeam/beam/internal/observability"
	"github.com/pushbeam/beam/internal/telemetry"
	libtelemetry "github.com/pushbeam/beam/lib/telemetry"
	"github.com/pushbeam/beam/pkg/beam"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Optional yaml configuration file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "beam-agent ", log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(*debug))

	cfg := config.FromEnv()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, telemetryShutdown, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	opts := []beam.Option{beam.WithMetrics(telemetry.NewMetrics())}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		if err := migrations.Apply(ctx, dsn, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
		pool, err := postgres.Connect(ctx, dsn)
		if err != nil {
			logger.Fatalf("connect database: %v", err)
		}
		defer pool.Close()
		opts = append(opts,
			beam.WithDeviceStore(postgres.NewDeviceStore(pool)),
			beam.WithEventStore(postgres.NewEventStore(pool)),
		)
	}

	sdk, err := beam.New(cfg, opts...)
	if err != nil {
		logger.Fatalf("assemble sdk: %v", err)
	}
	if err := sdk.Launch(ctx); err != nil {
		logger.Fatalf("launch: %v", err)
	}
	logger.Print("agent started; awaiting shutdown signal")

	<-ctx.Done()
	logger.Print("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := sdk.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}
