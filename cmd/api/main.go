package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"

	"github.com/example/promptrelay/api-go/internal/blob"
	"github.com/example/promptrelay/api-go/internal/broadcast"
	"github.com/example/promptrelay/api-go/internal/bus"
	"github.com/example/promptrelay/api-go/internal/config"
	"github.com/example/promptrelay/api-go/internal/executor"
	"github.com/example/promptrelay/api-go/internal/httpapi"
	"github.com/example/promptrelay/api-go/internal/metrics"
	"github.com/example/promptrelay/api-go/internal/prompts"
	"github.com/example/promptrelay/api-go/internal/registry"
	"github.com/example/promptrelay/api-go/internal/retention"
	"github.com/example/promptrelay/api-go/internal/runner"
	"github.com/example/promptrelay/api-go/internal/serializer"
	"github.com/example/promptrelay/api-go/internal/store"
	"github.com/example/promptrelay/api-go/internal/telemetry"
)

func main() {
	loadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := httplog.NewLogger("promptrelay", httplog.Options{
		LogLevel:        parseLevel(cfg.LogLevel),
		JSON:            cfg.LogJSON,
		Concise:         !cfg.LogJSON,
		QuietDownRoutes: []string{"/health", "/metrics"},
		QuietDownPeriod: 10 * time.Second,
	})
	log := logger.Logger
	slog.SetDefault(log)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("setting GOMAXPROCS", "err", err)
	}

	if err := run(cfg, logger); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *httplog.Logger) error {
	log := logger.Logger
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	tp, shutdownTracing, err := telemetry.Init(ctx, log, telemetry.Config{
		ServiceName: "promptrelay",
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    true,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	dbPath := filepath.Join(cfg.DataDir, "jobs.db")
	archive, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open job archive: %w", err)
	}
	defer archive.Close()

	blobs := blob.LocalFS{Root: filepath.Join(cfg.DataDir, "outputs")}
	if err := os.MkdirAll(blobs.Root, 0o755); err != nil {
		return fmt.Errorf("mkdir outputs: %w", err)
	}

	m := metrics.New()
	events := broadcast.New(cfg.BroadcastBuffer, log).WithDropCounter(m)
	jobs := registry.New(events)
	slot := serializer.New()
	m.RegisterGauges(
		func() float64 { return float64(events.Count()) },
		func() float64 { return float64(slot.Waiting()) },
	)

	purger := retention.New(log)
	purger.OnPurge(func(_ string, err error) { m.ObservePurge(err) })
	defer purger.Stop()
	if n, err := retention.Sweep(blobs.Root, cfg.RetentionTTL, time.Now()); err != nil {
		log.Warn("startup sweep failed", "err", err)
	} else if n > 0 {
		log.Info("startup sweep removed expired outputs", "dirs", n)
	}

	exec, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}

	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		go bus.NewForwarder(nc, cfg.NATSSubject, log).Run(ctx, events)
		log.Info("forwarding events to nats", "url", cfg.NATSURL, "subject", cfg.NATSSubject)
	}

	// Jobs outlive the request that submitted them but stop with the process.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	runs := runner.New(jobCtx, runner.Options{
		Registry:     jobs,
		Events:       events,
		Serializer:   slot,
		Executor:     exec,
		Source:       prompts.File{Path: cfg.PromptsFile},
		Blobs:        blobs,
		Retention:    purger,
		Archive:      archive,
		Metrics:      m,
		Tracer:       tp.Tracer("promptrelay/runner"),
		Log:          log,
		UnitTimeout:  cfg.UnitTimeout,
		RetentionTTL: cfg.RetentionTTL,
	})

	baseURL := cfg.BaseURL
	if baseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	server := httpapi.Server{
		Runner:         runs,
		Jobs:           jobs,
		Archive:        archive,
		Blobs:          blobs,
		Events:         events,
		Metrics:        m,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.RunRate), cfg.RunBurst),
		BaseURL:        baseURL,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Log:            log,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", "addr", cfg.Addr, "base_url", baseURL, "executor", cfg.Executor)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}

	cancelJobs()
	runs.Wait()
	return nil
}

func newExecutor(cfg config.Config, log *slog.Logger) (executor.Executor, error) {
	switch cfg.Executor {
	case config.ExecutorCommand:
		return &executor.Command{Command: cfg.ExecutorCommand, Log: log}, nil
	case config.ExecutorHTTP:
		return &executor.HTTP{
			Endpoint:    cfg.ExecutorEndpoint,
			Client:      &http.Client{Timeout: cfg.UnitTimeout + 10*time.Second},
			InitTimeout: cfg.ExecutorInitTimeout,
			Log:         log,
		}, nil
	}
	return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
