package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/argisarris/rampctl/internal/alert"
	"github.com/argisarris/rampctl/internal/circuitbreaker"
	"github.com/argisarris/rampctl/internal/config"
	"github.com/argisarris/rampctl/internal/control/driver"
	"github.com/argisarris/rampctl/internal/metrics"
	simrpc "github.com/argisarris/rampctl/internal/sim/rpc"
	"github.com/argisarris/rampctl/internal/sim/ratelimit"
	"github.com/argisarris/rampctl/internal/store"
	"github.com/argisarris/rampctl/internal/store/postgres"
	redispkg "github.com/argisarris/rampctl/internal/store/redis"
	"github.com/argisarris/rampctl/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting rampctl",
		"sim_rpc", cfg.Sim.RPCURL,
		"ramps", len(cfg.Ramps),
		"coordination_enabled", cfg.Coordination.Enabled,
		"control_interval_sec", cfg.Driver.ControlInterval.Seconds(),
		"warmup_sec", cfg.Driver.WarmupDuration.Seconds(),
	)

	shutdownTracing, err := tracing.Init(context.Background(), "rampctl", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// The tick audit log is optional; without DB_URL the controller
	// runs fully in-memory.
	var sessionRepo store.SessionRepository
	var tickRepo store.TickRepository
	if cfg.DB.URL != "" {
		db, err := postgres.New(postgres.Config{
			URL:             cfg.DB.URL,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(context.Background()); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		sessionRepo = postgres.NewSessionRepo(db)
		tickRepo = postgres.NewTickRepo(db)
		logger.Info("tick audit log enabled")
	}

	// The signal event stream is optional; without REDIS_URL no events
	// are published.
	var publisher redispkg.EventPublisher
	if cfg.Redis.URL != "" {
		stream, err := redispkg.NewStream(cfg.Redis.URL, cfg.Redis.StreamMaxLen)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer stream.Close()
		publisher = stream
		logger.Info("signal event stream enabled", "stream", cfg.Redis.Stream)
	}

	alerter := buildAlerter(cfg, logger)

	client := simrpc.NewClient(cfg.Sim.RPCURL, cfg.Sim.Timeout, logger)
	if cfg.Sim.RateLimitRPS > 0 {
		client.SetRateLimiter(ratelimit.NewLimiter(cfg.Sim.RateLimitRPS, cfg.Sim.RateLimitBurst))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logger.Warn("collaborator breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	d := driver.New(client, cfg.Ramps, driver.Config{
		Regulator:        cfg.Regulator,
		Signal:           cfg.Signal,
		Coordination:     cfg.Coordination,
		WarmupDuration:   cfg.Driver.WarmupDuration,
		ControlInterval:  cfg.Driver.ControlInterval,
		RetryMaxAttempts: cfg.Sim.RetryMaxAttempts,
		RetryBaseDelay:   cfg.Sim.RetryBaseDelay,
		TickFlushEvery:   cfg.Driver.TickFlushEvery,
	}, logger).
		WithTracer(tracing.Tracer("driver")).
		WithBreaker(breaker).
		WithAlerter(alerter)
	if publisher != nil {
		d = d.WithPublisher(publisher, cfg.Redis.Stream)
	}
	if sessionRepo != nil {
		d = d.WithSessionRepo(sessionRepo)
	}
	if tickRepo != nil {
		d = d.WithTickRepo(tickRepo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, d, logger)
	})

	g.Go(func() error {
		err := d.Run(gCtx)
		// The control session ending ends the process.
		cancel()
		return err
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("rampctl exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("rampctl shut down gracefully")
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func runHealthServer(ctx context.Context, port int, d *driver.Driver, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		phase := d.Phase()
		status := http.StatusOK
		if phase == driver.PhaseStopped {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"phase":%q,"session":%q}`, phase.String(), d.SessionID().String())
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("health server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
