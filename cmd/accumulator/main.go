// Command accumulator runs accumulator sessions and serves the submission API.
//
// # Roles
//
// With role "all" (the default) the process executes sessions and accepts
// submissions. With Temporal, "worker" processes only execute sessions and
// "api" processes only accept submissions; completion events then travel from
// workers to API processes over Pulse streams in Redis.
//
// # Configuration
//
// A YAML file (-config) is read over the defaults, then environment variables
// override it:
//
//	ACCUMULATOR_ROLE           - all, worker or api
//	ACCUMULATOR_HTTP_ADDR      - listen address (default ":8080")
//	ACCUMULATOR_ENGINE         - inmem or temporal
//	ACCUMULATOR_IDLE_TIMEOUT   - idle period that closes a batch
//	ACCUMULATOR_MAX_BATCH_SIZE - accepted items that close a batch
//	TEMPORAL_HOST_PORT         - Temporal frontend address
//	MONGO_URI                  - store flushed batches in MongoDB
//	REDIS_URL                  - deliver completions over Pulse
//
// # Example
//
//	MONGO_URI=mongodb://localhost:27017 go run ./cmd/accumulator
//	curl -XPOST localhost:8080/sessions/blue/items -d '{"key":"k1","async":true}'
//	curl -XPOST localhost:8080/sessions/blue/close
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	completionpulse "goa.design/accumulator/features/completion/pulse"
	clientspulse "goa.design/accumulator/features/completion/pulse/clients/pulse"
	flushmongo "goa.design/accumulator/features/flush/mongo"
	clientsmongo "goa.design/accumulator/features/flush/mongo/clients/mongo"
	"goa.design/accumulator/runtime/accumulator/aggregator"
	"goa.design/accumulator/runtime/accumulator/completion"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/engine/inmem"
	"goa.design/accumulator/runtime/accumulator/engine/temporal"
	"goa.design/accumulator/runtime/accumulator/hooks"
	"goa.design/accumulator/runtime/accumulator/runtime"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "accumulator failed")
	}
}

func run(ctx context.Context, cfg config) error {
	logger := telemetry.NewClueLogger("role", cfg.Role)
	var (
		pingers   []health.Pinger
		closers   []func()
		opts      []runtime.RuntimeOption
		queue     = cfg.Queue
		worker    = cfg.Role != roleAPI
		startWork func()
		stopWork  func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	if queue == "" {
		queue = runtime.DefaultQueue
	}

	var eng engine.Engine
	switch cfg.Engine.Kind {
	case "temporal":
		te, err := temporal.New(temporal.Options{
			ClientOptions: &client.Options{
				HostPort:  cfg.Engine.HostPort,
				Namespace: cfg.Engine.Namespace,
			},
			WorkerOptions:          temporal.WorkerOptions{TaskQueue: queue},
			DisableWorkerAutoStart: true,
			Logger:                 logger,
		})
		if err != nil {
			return fmt.Errorf("create temporal engine: %w", err)
		}
		closers = append(closers, te.Close)
		startWork = te.Worker().Start
		stopWork = te.Worker().Stop
		eng = te
	default:
		eng = inmem.New(inmem.Options{Logger: logger})
	}

	reg := completion.NewRegistry()
	opts = append(opts,
		runtime.WithEngine(eng),
		runtime.WithRegistry(reg),
		runtime.WithQueue(queue),
		runtime.WithLoop(cfg.loopOptions()),
		runtime.WithRunTimeout(cfg.RunTimeout),
		runtime.WithSubmitRate(cfg.Submit.Rate, cfg.Submit.Burst),
		runtime.WithLogger(logger),
		runtime.WithMetrics(telemetry.NewOTELMetrics()),
		runtime.WithTracer(telemetry.NewOTELTracer()),
	)
	if cfg.SessionPrefix != "" {
		opts = append(opts, func(o *runtime.Options) { o.SessionPrefix = cfg.SessionPrefix })
	}
	if cfg.Flush.MaxAttempts > 0 {
		opts = append(opts, runtime.WithFlushActivity(engine.ActivityOptions{
			Timeout: cfg.Flush.Timeout,
			RetryPolicy: engine.RetryPolicy{
				MaxAttempts:        cfg.Flush.MaxAttempts,
				InitialInterval:    cfg.Flush.Backoff,
				BackoffCoefficient: 2,
			},
		}))
	}
	if cfg.PayloadSchema != "" {
		schema, err := os.ReadFile(cfg.PayloadSchema)
		if err != nil {
			return fmt.Errorf("read payload schema: %w", err)
		}
		opts = append(opts, runtime.WithPayloadSchema(schema))
	}

	if worker {
		flusher, p, closeFn, err := newFlusher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if p != nil {
			pingers = append(pingers, p)
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
		opts = append(opts, runtime.WithFlusher(flusher))
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		closers = append(closers, func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Redis.StreamMaxLen})
		if err != nil {
			return err
		}
		workerBus := hooks.NewBus()
		if worker {
			sink, err := completionpulse.NewSink(completionpulse.Options{Client: pc})
			if err != nil {
				return err
			}
			if _, err := workerBus.Register(sink); err != nil {
				return err
			}
			pingers = append(pingers, sink)
		}
		localBus := hooks.NewBus()
		listener, err := completionpulse.NewListener(completionpulse.ListenerOptions{
			Client:   pc,
			Bus:      localBus,
			SinkName: cfg.Listener.SinkName,
			Pending:  reg.Pending,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		closers = append(closers, listener.Close)
		opts = append(opts,
			runtime.WithHooks(localBus),
			runtime.WithWorkerHooks(workerBus),
			runtime.WithSessionWatcher(listener),
		)
	}

	rt, err := runtime.New(opts...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	closers = append(closers, func() { _ = rt.Shutdown() })
	if worker {
		if err := rt.RegisterWorker(ctx); err != nil {
			return err
		}
		if startWork != nil {
			startWork()
			closers = append(closers, stopWork)
		}
	}

	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHandler(ctx, rt, pingers...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveHTTP(ctx, srv, &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// newFlusher returns the Mongo flusher when a URI is configured and a logging
// flusher otherwise.
func newFlusher(ctx context.Context, cfg config, logger telemetry.Logger) (aggregator.Flusher, health.Pinger, func(), error) {
	if cfg.Mongo.URI == "" {
		return logFlusher(logger), nil, nil, nil
	}
	mc, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	closeFn := func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	bc, err := clientsmongo.New(clientsmongo.Options{
		Client:     mc,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	})
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("create batch store: %w", err)
	}
	f, err := flushmongo.New(flushmongo.Options{Client: bc})
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return f, f, closeFn, nil
}

// logFlusher logs every batch and returns its size.
func logFlusher(logger telemetry.Logger) aggregator.Flusher {
	return aggregator.FlusherFunc(func(ctx context.Context, b aggregator.Batch) (json.RawMessage, error) {
		logger.Info(ctx, "batch flushed", "session_id", b.SessionID, "generation", b.Generation, "count", len(b.Items))
		return json.Marshal(map[string]int{"count": len(b.Items)})
	})
}
