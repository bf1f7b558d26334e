// Command controller is the intraday execution control plane's single
// process: it wires the Store, Broker Adapter, Scheduler, Execution Engine,
// Watcher, OCO Manager, EOD Closer and Supervisor together and runs them
// until a termination signal arrives. Grounded on the sibling project's
// cmd/api/main.go wiring order and setupLogger, adapted to this domain's
// components and to the ops-only (no business REST) listener spec §6 calls
// for.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/circuitbreaker"
	"github.com/bikeshrana/intraday-controller/internal/clock"
	"github.com/bikeshrana/intraday-controller/internal/config"
	"github.com/bikeshrana/intraday-controller/internal/eod"
	"github.com/bikeshrana/intraday-controller/internal/events"
	"github.com/bikeshrana/intraday-controller/internal/execution"
	"github.com/bikeshrana/intraday-controller/internal/metrics"
	"github.com/bikeshrana/intraday-controller/internal/oco"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/scheduler"
	"github.com/bikeshrana/intraday-controller/internal/secretstore"
	"github.com/bikeshrana/intraday-controller/internal/store"
	"github.com/bikeshrana/intraday-controller/internal/supervisor"
	"github.com/bikeshrana/intraday-controller/internal/watcher"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exitCode = 1
	}
}

func run() error {
	configPath := "configs/config.yaml"
	if v := os.Getenv("INTRADAY_CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("intraday execution controller starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	logger.Info().Msg("schema ready")

	m := metrics.New("intraday_controller")

	cbManager := circuitbreaker.NewManager(logger)

	secretKey := []byte(os.Getenv("INTRADAY_SECRET_KEY"))
	secrets, err := secretstore.New(secretKey)
	if err != nil {
		return fmt.Errorf("failed to init secret store: %w", err)
	}
	apiPassword, err := secrets.Decrypt(cfg.Broker.APIPasswordEncrypted)
	if err != nil {
		return fmt.Errorf("failed to decrypt broker api password: %w", err)
	}

	brokerCB := cbManager.GetOrCreate("broker", circuitbreaker.DefaultConfig("broker", logger))
	brk := broker.New(broker.Config{
		BaseURL: cfg.Broker.BaseURL,
		Timeout: time.Duration(cfg.Broker.HTTPTimeoutMs) * time.Millisecond,
	}, brokerCB, logger)

	if _, err := brk.Authenticate(ctx, apiPassword); err != nil {
		return fmt.Errorf("failed to authenticate with broker: %w", err)
	}
	logger.Info().Msg("broker session established")

	limiter := ratelimit.New(cfg.Rate.OrderPerSec, cfg.Rate.InfoPerSec)

	bus := events.NewBus(256, logger)
	defer bus.Close()

	realClock := clock.NewReal(time.Local)

	engine := execution.New(st, brk, limiter, bus, m, cbManager, logger)

	enq := &engineEnqueuer{engine: engine, logger: logger}
	sched := scheduler.New(st, enq, realClock, m, logger,
		time.Duration(cfg.Scheduler.TickIntervalMs)*time.Millisecond,
		time.Duration(cfg.Scheduler.MissGraceSec)*time.Second)

	wtc := watcher.New(st, brk, limiter, bus, m, logger,
		time.Duration(cfg.Poll.OrdersIntervalMs)*time.Millisecond,
		time.Duration(cfg.Poll.PositionsIntervalMs)*time.Millisecond,
		time.Now())

	ocoMode := oco.ModePerPartialFill
	if cfg.OCO.Mode == config.OCOModePostComplete {
		ocoMode = oco.ModePostComplete
	}
	ocoMgr := oco.New(st, brk, limiter, bus, m, logger, ocoMode,
		time.Duration(cfg.OCO.PositionHandleWaitSec)*time.Second)

	closer := eod.New(st, brk, limiter, realClock, m, logger, 8)

	sv := supervisor.New(st, engine, closer, ocoMgr, logger)

	// Low-latency path: the OCO Manager reacts to the Watcher's fill-change
	// hint as soon as it is published.
	fillHints := bus.Subscribe(events.TypeItemFillChanged)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fillHints:
				if !ok {
					return
				}
				if fe, ok := ev.(events.ItemFillChangedEvent); ok {
					ocoMgr.HandleFillChanged(ctx, fe.BatchItemID)
				}
			}
		}
	}()

	// Durable recovery path: re-drives every open bracket regardless of
	// whether its hint was delivered, so a dropped event or a restart
	// mid-fill is never fatal to convergence (spec §9).
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ocoMgr.Sweep(ctx)
			}
		}
	}()

	go sched.Run(ctx)
	go wtc.Run(ctx)
	go closer.Run(ctx, 30*time.Second)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Metrics.ListenAddr,
		Handler: router,
	}
	serverErrChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("starting ops listener")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErrChan:
		logger.Error().Err(err).Msg("ops listener error")
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down ops listener")
	}
	if err := sv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during supervisor shutdown")
	}

	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: cfg.TimeFormat,
		}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger
}

// engineEnqueuer adapts the Execution Engine to the Scheduler's Enqueuer
// interface: each activated batch runs in its own goroutine, the same
// fire-and-forget shape the Supervisor uses for an operator-initiated
// ScheduleBatch.
type engineEnqueuer struct {
	engine *execution.Engine
	logger zerolog.Logger
}

func (e *engineEnqueuer) Enqueue(batchJobID int64) {
	go func() {
		if err := e.engine.Run(context.Background(), batchJobID); err != nil {
			e.logger.Error().Err(err).Int64("batch_id", batchJobID).Msg("execution run failed")
		}
	}()
}
