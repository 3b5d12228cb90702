// execd — the execution core of an algorithmic crypto-derivatives trading
// service. It receives authenticated trade signals over HTTP and turns them
// into exchange orders with phase-dependent sizing and execution style.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires subsystems, runs until SIGINT/SIGTERM
//	engine/engine.go     — signal pipeline: PREPARE/CONFIRM/ABORT dispatch, strategy selection, fills
//	ingress/             — HTTP server: HMAC-verified webhook, ops endpoints, WS event stream
//	replay/guard.go      — at-most-once admission: timestamp drift + signal id dedup (memory/Redis)
//	book/                — L2 order-book mirror over exchange WebSocket, OBI/spread validator
//	phase/manager.go     — capital phase table: risk %, leverage, allowed signal types, MAKER/TAKER
//	strategy/            — entry algorithms: limit-or-kill, alpha-decay limit chaser, urgency taker,
//	                       geometric pyramiding with auto-trail
//	trigger/monitor.go   — client-side trigger fast path with auto-abort at bar close
//	shadow/              — local intent/position state, broker reconciliation loop
//	journal/             — async trade/event persistence (Postgres or SQLite via GORM)
//	broker/              — venue adapters (Bybit, Binance futures, mock) behind one gateway
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpexec/internal/book"
	"perpexec/internal/broker"
	"perpexec/internal/config"
	"perpexec/internal/engine"
	"perpexec/internal/events"
	"perpexec/internal/ingress"
	"perpexec/internal/journal"
	"perpexec/internal/phase"
	"perpexec/internal/replay"
	"perpexec/internal/shadow"
	"perpexec/internal/strategy"
	"perpexec/internal/trigger"
)

// Stale non-terminal intents are swept out of shadow state on this cadence.
const (
	intentSweepEvery = time.Minute
	intentMaxAge     = 15 * time.Minute
)

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXEC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("execution core failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	bus := events.NewBus(logger)
	defer bus.Close()

	adapter, err := broker.NewAdapter(cfg.Broker, logger)
	if err != nil {
		return err
	}
	gateway := broker.NewGateway(adapter, cfg.Broker, cfg.RateLimit, cfg.DryRun, logger)

	cache, err := book.NewCache(cfg.Book)
	if err != nil {
		return err
	}
	stream := book.NewStream(cfg.Book, cache, logger)
	validator := book.NewValidator(cache, cfg.Validator, logger)

	guard, err := replay.NewGuard(cfg.Replay, cfg.Auth.MaxDrift, logger)
	if err != nil {
		return err
	}
	defer guard.Close()

	// An empty journal URL runs the core without persistence. Interfaces
	// stay truly nil so downstream nil checks hold.
	var jr *journal.Journal
	if cfg.Journal.URL != "" {
		jr, err = journal.Open(cfg.Journal, bus, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("journal disabled, trades will not be persisted")
	}
	var recorder shadow.Recorder
	var regimes engine.RegimeRecorder
	var trades ingress.TradeStore
	if jr != nil {
		recorder, regimes, trades = jr, jr, jr
	}

	state := shadow.New(recorder, logger)
	if jr != nil {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		positions, err := jr.OpenPositions(recCtx)
		cancel()
		if err != nil {
			logger.Warn("position recovery failed, starting empty", "error", err)
		} else if len(positions) > 0 {
			state.Recover(positions)
			logger.Info("recovered open positions from journal", "count", len(positions))
		}
	}

	phases := phase.NewManager(gateway, cfg.Phase, bus, logger)
	warmCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := phases.Refresh(warmCtx); err != nil {
		logger.Warn("initial equity poll failed, phase defaults until broker answers", "error", err)
	}
	cancel()

	triggers := trigger.NewMonitor(state, bus, cfg.Trigger, logger)
	taker := strategy.NewTaker(gateway, cfg.LOK, logger)
	eng := engine.New(engine.Deps{
		Gateway:   gateway,
		Validator: validator,
		State:     state,
		Phases:    phases,
		Replay:    guard,
		Triggers:  triggers,
		Pyramid:   strategy.NewPyramid(gateway, taker, state, bus, cfg.Pyramid, logger),
		Maker:     strategy.NewLimitOrKill(gateway, cache, cfg.LOK, logger),
		Chaser:    strategy.NewChaser(gateway, cache, bus, cfg.Chaser, logger),
		Taker:     taker,
		Regimes:   regimes,
		Bus:       bus,
		Ticks:     stream.Ticks(),
	}, logger)

	srv := ingress.NewServer(*cfg, ingress.Deps{
		Pipeline:  eng,
		Books:     cache,
		Positions: state,
		Trades:    trades,
		Broker:    gateway,
		Phases:    phases,
		Replays:   guard,
		Triggers:  triggers,
	}, bus, logger)

	reconciler := shadow.NewReconciler(state, gateway, bus, cfg.Reconcile.Interval, logger)

	eng.Manage("ingress", srv.Run)
	eng.Manage("book-stream", stream.Run)
	eng.Manage("phase", phases.Run)
	eng.Manage("reconciler", reconciler.Run)
	eng.Manage("replay-guard", func(ctx context.Context) error {
		return guard.Run(ctx, cfg.Replay.SweepInterval)
	})
	eng.Manage("shadow-sweep", func(ctx context.Context) error {
		return state.Run(ctx, intentSweepEvery, intentMaxAge)
	})
	if jr != nil {
		eng.Manage("journal", jr.Run)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	prof := phases.Current()
	logger.Info("execution core started",
		"broker", gateway.Name(),
		"symbols", cfg.Book.Symbols,
		"phase", prof.Label,
		"equity", phases.Equity(),
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return eng.Run(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
