// Command kerneld runs the task kernel behind its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/agents"
	"github.com/vinayprograms/taskkernel/api"
	"github.com/vinayprograms/taskkernel/background"
	"github.com/vinayprograms/taskkernel/bus"
	"github.com/vinayprograms/taskkernel/config"
	"github.com/vinayprograms/taskkernel/contextstore"
	"github.com/vinayprograms/taskkernel/credentials"
	"github.com/vinayprograms/taskkernel/entitystore"
	"github.com/vinayprograms/taskkernel/heartbeat"
	"github.com/vinayprograms/taskkernel/kernel"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/pipeline"
	"github.com/vinayprograms/taskkernel/ratelimit"
	"github.com/vinayprograms/taskkernel/shutdown"
	"github.com/vinayprograms/taskkernel/state"
	"github.com/vinayprograms/taskkernel/telemetry"
	"github.com/vinayprograms/taskkernel/tenant"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("TASKKERNEL_CONFIG", "kernel.toml"), "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(cfg.Server.LogLevel))
	log := logger.WithComponent("kerneld")

	creds, credPath, err := credentials.Load()
	if err != nil {
		return fmt.Errorf("load credentials %s: %w", credPath, err)
	}
	if creds == nil {
		creds = &credentials.Credentials{}
	} else {
		log.Info("credentials loaded", map[string]interface{}{"path": credPath})
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		DefaultTimeout:  cfg.Shutdown.Timeout,
		ContinueOnError: true,
		OnProgress: func(r shutdown.HandlerResult) {
			fields := map[string]interface{}{
				"handler":     r.Name,
				"phase":       r.Phase,
				"duration_ms": r.Duration.Milliseconds(),
			}
			if r.Err != nil {
				fields["error"] = r.Err.Error()
				log.Warn("shutdown handler failed", fields)
				return
			}
			log.Info("shutdown handler done", fields)
		},
	})

	ctx := context.Background()

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			Debug:          cfg.Telemetry.Debug,
			Headers:        creds.TelemetryHeaders(),
			SampleRatio:    cfg.Telemetry.SampleRatio,
			Mode:           cfg.Agents.Mode,
		})
		if err != nil {
			log.Warn("tracing disabled", map[string]interface{}{"error": err.Error()})
		} else {
			tracer = provider.Tracer()
			coord.RegisterFuncWithPhase("tracing", provider.Shutdown, shutdown.PhaseTelemetry)
		}
	}

	conn, msgBus := connectNATS(cfg, creds, log)
	if msgBus != nil {
		coord.RegisterFuncWithPhase("bus", func(context.Context) error {
			err := msgBus.Close()
			conn.Close()
			return err
		}, shutdown.PhaseBus)
	}

	exporterCfg := telemetry.ExporterConfig{
		Kind:     cfg.Telemetry.Events,
		Endpoint: cfg.Telemetry.EventsEndpoint,
		Headers:  creds.TelemetryHeaders(),
	}
	if msgBus != nil {
		exporterCfg.Bus = msgBus
	} else if exporterCfg.Kind == "bus" {
		log.DegradedMode("events", "no bus connection, events discarded")
		exporterCfg.Kind = "noop"
	}
	events, err := telemetry.NewExporter(exporterCfg)
	if err != nil {
		return fmt.Errorf("event exporter: %w", err)
	}
	coord.RegisterFuncWithPhase("events", func(context.Context) error { return events.Close() }, shutdown.PhaseTelemetry)

	contexts := openContexts(cfg, conn, logger)
	coord.RegisterFuncWithPhase("contexts", func(context.Context) error { return contexts.Close() }, shutdown.PhaseStores)

	db, err := entitystore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	coord.RegisterFuncWithPhase("entities", func(context.Context) error { return db.Close() }, shutdown.PhaseStores)
	entities := entitystore.NewStore(db)

	executor := background.New(background.Config{
		Contexts: contexts,
		Bus:      msgBus,
		TTL:      cfg.Context.DefaultTTL,
		Logger:   logger,
		Events:   events,
	})

	registry := agent.NewRegistry()
	k, err := kernel.New(kernel.Config{
		Registry:  registry,
		Ownership: entities,
		Loader:    tenant.NewLoader(cfg.Tenant.ProfilesDir, tenant.Config(cfg.Tenant.Defaults), logger),
		Contexts:  contexts,
		Executor:  executor,
		Logger:    logger,
		Tracer:    tracer,
		Events:    events,
	})
	if err != nil {
		return err
	}

	manager := pipeline.NewManager(pipeline.ManagerConfig{
		Counts:     entities,
		Dispatcher: k,
		Locks:      contexts.Backend(),
		Policy: pipeline.Policy{
			DripLimit:      cfg.Pipeline.DripLimit,
			ReviewBuffer:   cfg.Pipeline.ReviewBuffer,
			KeywordRatio:   cfg.Pipeline.KeywordRatio,
			AuditThreshold: cfg.Pipeline.AuditThreshold,
		},
		DispatchTimeout: cfg.Pipeline.DispatchTimeout,
		LockTTL:         cfg.Pipeline.LockTTL,
		Logger:          logger,
		Tracer:          tracer,
		Events:          events,
	})

	var workerMonitor agents.WorkerCounter
	if msgBus != nil {
		monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{Bus: msgBus})
		if err != nil {
			return fmt.Errorf("worker monitor: %w", err)
		}
		if err := monitor.Start(); err != nil {
			return fmt.Errorf("worker monitor: %w", err)
		}
		monitor.OnDead(func(id string) {
			log.Warn("worker went silent", map[string]interface{}{"worker_id": id})
		})
		coord.RegisterFuncWithPhase("worker-monitor", func(context.Context) error { return monitor.Stop() }, shutdown.PhaseWorkers)
		workerMonitor = monitor
	}

	if err := agents.Register(agents.Deps{
		Registry:       registry,
		Entities:       entities,
		Pipeline:       manager,
		Contexts:       contexts,
		Executor:       executor,
		Mode:           cfg.Agents.Mode,
		Bus:            msgBus,
		RequestTimeout: cfg.Pipeline.DispatchTimeout,
		Workers:        workerMonitor,
		Aliases:        cfg.Agents.Aliases,
		Version:        version,
	}); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workers, workerCtx := errgroup.WithContext(workerCtx)
	var sender *heartbeat.Sender
	if cfg.Agents.Mode == agents.ModeBus && cfg.Agents.Workers {
		tasks := make([]string, 0, len(agent.PipelineTasks))
		for _, task := range agent.PipelineTasks {
			factory := agents.StageFactory(task, entities)
			workers.Go(func() error {
				return agents.Serve(workerCtx, msgBus, task, factory, logger)
			})
			tasks = append(tasks, task.String())
		}
		sender, err = heartbeat.NewSender(heartbeat.SenderConfig{
			Bus:      msgBus,
			WorkerID: workerID(),
			Tasks:    tasks,
		})
		if err != nil {
			return fmt.Errorf("worker heartbeat: %w", err)
		}
		if err := sender.Start(workerCtx); err != nil {
			return fmt.Errorf("worker heartbeat: %w", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: (&api.Server{
			Kernel:    k,
			Contexts:  contexts,
			Limiter:   newLimiter(cfg.RateLimit),
			Logger:    logger,
			StartedAt: time.Now(),
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	coord.RegisterFuncWithPhase("http", srv.Shutdown, shutdown.PhaseFrontend)
	coord.RegisterFuncWithPhase("background", executor.Drain, shutdown.PhaseWorkers)
	coord.RegisterFuncWithPhase("workers", func(context.Context) error {
		if sender != nil {
			_ = sender.Stop()
		}
		stopWorkers()
		return workers.Wait()
	}, shutdown.PhaseWorkers)
	coord.HandleSignals(ctx)

	go func() {
		log.Info("listening", map[string]interface{}{
			"addr":     cfg.Server.HTTPAddr,
			"mode":     cfg.Agents.Mode,
			"degraded": contexts.Degraded(),
			"version":  version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", map[string]interface{}{"error": err.Error()})
			go coord.ShutdownWithTimeout(cfg.Shutdown.Timeout)
		}
	}()

	<-coord.Done()
	if err := coord.Err(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

// connectNATS dials NATS when a URL is configured. A failed dial leaves
// the kernel on in-process backends.
func connectNATS(cfg *config.Config, creds *credentials.Credentials, log *logging.Logger) (*nats.Conn, bus.MessageBus) {
	if cfg.NATS.URL == "" {
		return nil, nil
	}
	natsCfg := bus.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name
	natsCfg.Token = cfg.NATS.Token
	if natsCfg.Token == "" {
		natsCfg.Token = creds.NATSToken()
	}
	natsCfg.User, natsCfg.Password = creds.NATSUser()

	conn, err := bus.Connect(natsCfg)
	if err != nil {
		log.DegradedMode("nats", err.Error())
		return nil, nil
	}
	return conn, bus.NewNATSBusFromConn(conn, natsCfg)
}

// openContexts puts the context store on the shared KV bucket when NATS is
// up. Without a NATS URL the single-node memory store is the intended
// backend and is not reported as degraded.
func openContexts(cfg *config.Config, conn *nats.Conn, logger *logging.Logger) *contextstore.Store {
	opts := []contextstore.Option{
		contextstore.WithDefaultTTL(cfg.Context.DefaultTTL),
		contextstore.WithLogger(logger),
	}
	if cfg.NATS.URL == "" {
		return contextstore.New(state.NewMemoryStore(), opts...)
	}
	return contextstore.Open(func() (state.StateStore, error) {
		if conn == nil {
			return nil, errors.New("nats connection unavailable")
		}
		return state.NewNATSStore(state.NATSStoreConfig{
			Conn:   conn,
			Bucket: cfg.NATS.Bucket,
			TTL:    cfg.NATS.BucketTTL,
		})
	}, opts...)
}

func newLimiter(cfg config.RateLimitConfig) *ratelimit.Limiter {
	if cfg.Rate <= 0 && len(cfg.Tenants) == 0 {
		return nil
	}
	l := ratelimit.New(ratelimit.Capacity{Rate: cfg.Rate, Burst: cfg.Burst}, ratelimit.WithIdleTTL(cfg.IdleTTL))
	for tenant, r := range cfg.Tenants {
		l.SetCapacity(tenant, ratelimit.Capacity{Rate: r.Rate, Burst: r.Burst})
	}
	return l
}

// workerID names this process in worker heartbeats.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "kerneld"
	}
	return host + "-" + uuid.NewString()[:8]
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
