// Command epochbus-server runs an EpochBus node: an HTTP and WebSocket
// producer in front of one affinity-aware scheduler.
//
// Usage:
//
//	epochbus-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochbus/internal/config"
	"github.com/snehjoshi/epochbus/internal/consumer"
	"github.com/snehjoshi/epochbus/internal/metrics"
	"github.com/snehjoshi/epochbus/internal/node"
	"github.com/snehjoshi/epochbus/internal/projection"
	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/strategy"
	"github.com/snehjoshi/epochbus/internal/transport"
	transphttp "github.com/snehjoshi/epochbus/internal/transport/http"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochbus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("epochbus starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"strategy", cfg.Scheduler.Strategy,
		"consumer", cfg.Consumer.Kind,
	)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry(metrics.WithMaxLabels(cfg.Metrics.MaxLabels))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// ── 4. Build the consumer ────────────────────────────────────────────────
	kinds := append([]config.ConsumerKind{cfg.Consumer.Kind}, cfg.Consumer.Fanout...)
	sinks := make([]scheduler.Consumer, 0, len(kinds))
	for _, kind := range kinds {
		c, closeFn, err := openConsumer(gctx, g, kind, cfg, n, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		sinks = append(sinks, c)
	}
	consume := sinks[0]
	if len(sinks) > 1 {
		consume = consumer.Chain(sinks...)
	}
	if f := cfg.Consumer.Filter; f.Path != "" {
		consume = consumer.Filter(f.Path, f.Equals, consume)
	}
	if t := cfg.Consumer.Throttle; t.Rate > 0 {
		consume = consumer.Throttle(t.Rate, t.Burst, consume)
	}

	// ── 5. Build the scheduler ───────────────────────────────────────────────
	strat, err := strategy.Parse(cfg.Scheduler.Strategy, cfg.Scheduler.RateLimit)
	if err != nil {
		return err
	}
	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithStopTimeout(cfg.Scheduler.StopTimeout.Std()),
	}
	if cfg.Scheduler.MaxPoolSize > 0 {
		opts = append(opts, scheduler.WithMaxPoolSize(cfg.Scheduler.MaxPoolSize))
	}
	if reg != nil {
		opts = append(opts, scheduler.WithMetrics(reg.Scheduler(cfg.Scheduler.Name, strat.Name())))
	}
	sched, err := scheduler.New(cfg.Scheduler.Name, consume, strat, opts...)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.Start()

	// ── 6. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(transport.NewIngress(sched, n, reg), cfg, reg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	g.Go(func() error {
		slog.Info("epochbus ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 7. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if reg != nil {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           reg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "cause", context.Cause(gctx))

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutCtx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}

		if err := sched.Stop(); err != nil {
			if !errors.Is(err, scheduler.ErrStopTimeout) {
				return err
			}
			slog.Warn("scheduler did not drain in time",
				"scheduler", sched.Name(),
				"in_flight", sched.InFlight(),
				"timeout", cfg.Scheduler.StopTimeout.Std(),
			)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("epochbus stopped")
	return err
}

// openConsumer builds the consumer for kind. The returned func releases its
// resources and must be called once the scheduler has stopped.
func openConsumer(ctx context.Context, g *errgroup.Group, kind config.ConsumerKind,
	cfg *config.Config, n *node.Node, logger *slog.Logger) (scheduler.Consumer, func(), error) {
	switch kind {
	case config.ConsumerWebhook:
		wc := cfg.Consumer.Webhook
		return consumer.Webhook(wc.URL, wc.Secret, wc.Timeout.Std()), func() {}, nil

	case config.ConsumerRedis:
		rc := cfg.Consumer.Redis
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
		}
		closeFn := func() {
			if err := rdb.Close(); err != nil {
				slog.Warn("redis close error", "err", err)
			}
		}
		return consumer.RedisStream(rdb, rc.Stream, rc.MaxLen), closeFn, nil

	default:
		store, err := projection.Open(n.Path(cfg.Projection.Path))
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			store.RunCompaction(ctx, cfg.Projection.CompactInterval.Std(), cfg.Projection.Retain, logger)
			return nil
		})
		closeFn := func() {
			if err := store.Close(); err != nil {
				slog.Warn("projection close error", "err", err)
			}
		}
		return store.Consume, closeFn, nil
	}
}
