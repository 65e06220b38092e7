// Package app composes the acknowledgment pipeline with fx.
//
// The host supplies an Environment (remote store, connectivity source and
// optional clock, logger, metrics registry and tracer provider) and a
// config.Config. Start wires every component, resumes the persisted queue
// and subscribes to connectivity; Stop tears everything down in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	"github.com/roach88/acksync/internal/config"
	"github.com/roach88/acksync/internal/connectivity"
	"github.com/roach88/acksync/internal/idempotency"
	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
	"github.com/roach88/acksync/internal/queue"
	"github.com/roach88/acksync/internal/remote"
	"github.com/roach88/acksync/internal/service"
	"github.com/roach88/acksync/internal/store"
	"github.com/roach88/acksync/internal/writer"
)

// Environment is what the host process supplies.
type Environment struct {
	Remote  remote.RecordStore
	Network connectivity.Monitor

	// Optional.
	Clock          clock.Clock
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	IDs            queue.IDGenerator
}

func (e Environment) withDefaults() Environment {
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.TracerProvider == nil {
		e.TracerProvider = otel.GetTracerProvider()
	}
	return e
}

// Runtime exposes the wired components.
type Runtime struct {
	fx.In

	Service     *service.Service
	Queue       *queue.Queue
	Cache       *idempotency.Cache
	Monitor     *monitor.Monitor
	Coordinator *connectivity.Coordinator
}

// Module provides every component from a supplied config.Config and
// Environment.
var Module = fx.Module("acksync",
	fx.Provide(
		providePersistence,
		provideCache,
		provideMonitor,
		provideWriter,
		provideQueue,
		provideService,
		provideCoordinator,
	),
	fx.Invoke(registerLifecycle),
)

// Options returns the fx options for cfg and env.
func Options(cfg config.Config, env Environment) fx.Option {
	env = env.withDefaults()
	logger := env.Logger
	return fx.Options(
		fx.Supply(cfg, env),
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		Module,
	)
}

// App is a started pipeline.
type App struct {
	Runtime
	fx *fx.App
}

// Start builds and starts the pipeline.
func Start(ctx context.Context, cfg config.Config, env Environment) (*App, error) {
	if env.Remote == nil || env.Network == nil {
		return nil, fmt.Errorf("start app: remote store and connectivity monitor are required")
	}
	a := &App{}
	a.fx = fx.New(
		Options(cfg, env),
		fx.Populate(&a.Runtime),
	)
	if err := a.fx.Err(); err != nil {
		return nil, fmt.Errorf("start app: %w", err)
	}
	if err := a.fx.Start(ctx); err != nil {
		return nil, fmt.Errorf("start app: %w", err)
	}
	return a, nil
}

// Stop stops the pipeline. Persisted queue items survive for the next Start.
func (a *App) Stop(ctx context.Context) error {
	return a.fx.Stop(ctx)
}

func providePersistence(lc fx.Lifecycle, cfg config.Config, env Environment) (queue.Persistence, error) {
	if cfg.Store.Path == "" {
		env.Logger.Info("queue persistence disabled, items are kept in memory")
		return nil, nil
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(st.Close))
	return st, nil
}

func provideCache(cfg config.Config, env Environment) (*idempotency.Cache, error) {
	return idempotency.New(idempotency.Config{
		TTL:           cfg.Idempotency.TTL,
		Capacity:      cfg.Idempotency.Capacity,
		SweepInterval: cfg.Idempotency.SweepInterval,
	},
		idempotency.WithClock(env.Clock),
		idempotency.WithLogger(env.Logger.With("component", "idempotency")),
	)
}

func provideMonitor(cfg config.Config, env Environment) (*monitor.Monitor, error) {
	opts := []monitor.Option{
		monitor.WithClock(env.Clock),
		monitor.WithLogger(env.Logger.With("component", "monitor")),
	}
	if env.Registerer != nil {
		opts = append(opts, monitor.WithRegisterer(env.Registerer))
	}
	return monitor.New(monitor.Config{
		MaxSamples: cfg.Monitor.MaxSamples,
		Retention:  cfg.Monitor.Retention,
	}, opts...)
}

func provideWriter(cfg config.Config, env Environment) *writer.Writer {
	return writer.New(env.Remote, writer.Config{
		TransactionAttempts:   cfg.Writer.TransactionAttempts,
		BatchFailureThreshold: cfg.Writer.BatchFailureThreshold,
		MissingTargetWindow:   cfg.Writer.MissingTargetWindow,
	},
		writer.WithClock(env.Clock),
		writer.WithLogger(env.Logger.With("component", "writer")),
		writer.WithTracerProvider(env.TracerProvider),
	)
}

func provideQueue(cfg config.Config, env Environment, p queue.Persistence, m *monitor.Monitor, w *writer.Writer) *queue.Queue {
	opts := []queue.Option{
		queue.WithClock(env.Clock),
		queue.WithLogger(env.Logger.With("component", "queue")),
		queue.WithRecorder(m),
	}
	if env.IDs != nil {
		opts = append(opts, queue.WithIDGenerator(env.IDs))
	}
	if p != nil {
		opts = append(opts, queue.WithPersistence(p))
	}
	q := queue.New(queue.Config{
		Backoff: queue.Backoff{
			Base:   cfg.Queue.BackoffBase,
			Factor: cfg.Queue.BackoffFactor,
			Cap:    cfg.Queue.BackoffCap,
			Jitter: cfg.Queue.Jitter,
		},
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, opts...)
	q.Register(ir.OperationAckBatch, service.QueueHandler(w))
	return q
}

func provideService(env Environment, c *idempotency.Cache, w *writer.Writer, q *queue.Queue, m *monitor.Monitor) *service.Service {
	return service.New(c, w, q,
		service.WithClock(env.Clock),
		service.WithLogger(env.Logger.With("component", "service")),
		service.WithRecorder(m),
	)
}

func provideCoordinator(cfg config.Config, env Environment, q *queue.Queue) *connectivity.Coordinator {
	return connectivity.NewCoordinator(env.Network, q, cfg.Connectivity.Debounce,
		connectivity.WithClock(env.Clock),
		connectivity.WithLogger(env.Logger.With("component", "connectivity")),
	)
}

func registerLifecycle(lc fx.Lifecycle, env Environment, q *queue.Queue, c *idempotency.Cache, s *service.Service, co *connectivity.Coordinator) {
	// Submissions whose queued remainder fails permanently become
	// retryable again.
	unobserve := q.Observe(s.ObserveQueue)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := q.Init(ctx); err != nil {
				return err
			}
			c.Start()
			co.Start()
			// Items resumed from the durable store go out right away when
			// the device is already online.
			if env.Network.Online() && q.Size() > 0 {
				go q.ProcessQueue(context.Background())
			}
			return nil
		},
		OnStop: func(context.Context) error {
			err := co.Close()
			unobserve()
			q.Destroy()
			return multierr.Append(err, c.Close())
		},
	})
}
