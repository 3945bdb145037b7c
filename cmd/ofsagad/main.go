// Package main implements ofsagad, the daemon that turns flow and switch
// requests into speaker commands and drives them to completion.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/ofsaga/config"
	"github.com/c360/ofsaga/dispatch"
	"github.com/c360/ofsaga/flowhs"
	"github.com/c360/ofsaga/health"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/metric"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/natsclient"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/pkg/retry"
	"github.com/c360/ofsaga/processor/orchestrator"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/swmanager"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ofsagad"
)

const shardCheckTimeout = time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting ofsagad",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"storage_mode", cfg.Storage.Mode)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsRegistry := metric.NewMetricsRegistry()
	natsClient, err := connectToNATS(signalCtx, cfg, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	var st *stores
	err = retry.Do(signalCtx, retry.Startup(), func() error {
		var openErr error
		st, openErr = openStores(signalCtx, cfg, natsClient)
		return openErr
	})
	if err != nil {
		return err
	}

	proc, err := buildProcessor(cfg, st, natsClient, metricsRegistry, logger)
	if err != nil {
		return err
	}

	metricsServer := metric.NewServer(cliCfg.MetricsAddr, "/metrics", metricsRegistry)
	metricsServer.SetHealthHandler(newMonitor(natsClient, proc).Handler())

	return serve(signalCtx, cliCfg, proc, metricsServer, logger)
}

// newMonitor checks the NATS connection and the orchestrator shards. An
// inactive orchestrator is degraded: it is alive but rejects new requests. So
// is one whose shards do not answer within shardCheckTimeout.
func newMonitor(client *natsclient.Client, proc *orchestrator.Processor) *health.Monitor {
	monitor := health.NewMonitor(appName, nil)
	monitor.Register("nats", func() health.Status {
		if client.IsHealthy() {
			return health.Healthy("nats", "connected")
		}
		return health.Unhealthy("nats", fmt.Errorf("connection is %s", client.Status()))
	})
	monitor.Register("orchestrator", func() health.Status {
		ctx, cancel := context.WithTimeout(context.Background(), shardCheckTimeout)
		defer cancel()
		keys, err := proc.RunningKeys(ctx)
		if err != nil {
			return health.Degraded("orchestrator", "shards unresponsive")
		}
		msg := fmt.Sprintf("%d sagas running", len(keys))
		if proc.Lifecycle().IsActive() {
			return health.Healthy("orchestrator", msg)
		}
		return health.Degraded("orchestrator", "inactive, "+msg)
	})
	return monitor
}

// loadConfig layers the given files over the defaults.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready.
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	}
	if wait := cfg.NATS.ReconnectWait.Std(); wait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(wait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLSCert != "" || cfg.NATS.TLSCA != "" {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLSCert, cfg.NATS.TLSKey, cfg.NATS.TLSCA))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	client.OnHealthChange(func(healthy bool) {
		if healthy {
			logger.Info("NATS connection healthy")
		} else {
			logger.Warn("NATS connection unhealthy")
		}
	})

	logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// stores are the repositories and sinks selected by storage.mode.
type stores struct {
	flows     persistence.Repository[*model.Flow]
	yFlows    persistence.Repository[*model.YFlow]
	lags      persistence.Repository[*model.LagLogicalPort]
	bfds      persistence.Repository[*model.BfdSession]
	resources resources.Store
	history   history.Sink
}

func openStores(ctx context.Context, cfg *config.Config, client *natsclient.Client) (*stores, error) {
	newFlow := func() *model.Flow { return &model.Flow{} }
	newYFlow := func() *model.YFlow { return &model.YFlow{} }
	newLag := func() *model.LagLogicalPort { return &model.LagLogicalPort{} }
	newBfd := func() *model.BfdSession { return &model.BfdSession{} }

	if cfg.Storage.Mode == config.StorageModeMemory {
		slog.Warn("Using in-memory storage, state is lost on restart")
		return &stores{
			flows:     persistence.NewMemoryRepository(newFlow),
			yFlows:    persistence.NewMemoryRepository(newYFlow),
			lags:      persistence.NewMemoryRepository(newLag),
			bfds:      persistence.NewMemoryRepository(newBfd),
			resources: resources.NewMemoryStore(),
			history:   history.NewMemorySink(),
		}, nil
	}

	sc := cfg.Storage
	st := &stores{}
	var err error
	if st.flows, err = persistence.NewKVRepository(ctx, client, sc.FlowsBucket, newFlow); err != nil {
		return nil, fmt.Errorf("open flows bucket: %w", err)
	}
	if st.yFlows, err = persistence.NewKVRepository(ctx, client, sc.YFlowsBucket, newYFlow); err != nil {
		return nil, fmt.Errorf("open y-flows bucket: %w", err)
	}
	if st.lags, err = persistence.NewKVRepository(ctx, client, sc.LagsBucket, newLag); err != nil {
		return nil, fmt.Errorf("open LAG bucket: %w", err)
	}
	if st.bfds, err = persistence.NewKVRepository(ctx, client, sc.BfdBucket, newBfd); err != nil {
		return nil, fmt.Errorf("open BFD bucket: %w", err)
	}
	if st.resources, err = resources.NewKVStore(ctx, client, sc.ResourcesBucket); err != nil {
		return nil, fmt.Errorf("open resources bucket: %w", err)
	}
	if st.history, err = history.NewStreamSink(ctx, client, sc.HistoryStream, cfg.Subjects.History, sc.HistoryMaxAge.Std()); err != nil {
		return nil, fmt.Errorf("open history stream: %w", err)
	}
	return st, nil
}

func buildProcessor(
	cfg *config.Config,
	st *stores,
	client *natsclient.Client,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*orchestrator.Processor, error) {
	res, err := resources.NewManager(st.resources, cfg.Resources.Pools(), resources.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create resource manager: %w", err)
	}

	flows := flowhs.NewService(st.flows, st.yFlows, res, cfg.Features, logger)
	switches, err := swmanager.NewService(st.lags, st.bfds, res, cfg.Features, cfg.Resources.Switches(), logger)
	if err != nil {
		return nil, fmt.Errorf("create switch manager: %w", err)
	}

	recorder := history.NewRecorder(st.history, history.WithLogger(logger), history.WithMetrics(registry))

	procCfg := orchestrator.Config{
		Subjects: orchestrator.Subjects{
			Requests:      cfg.Subjects.Requests,
			Responses:     cfg.Subjects.Responses,
			Commands:      cfg.Subjects.Commands,
			Notifications: cfg.Subjects.Notifications,
			Lifecycle:     cfg.Subjects.Lifecycle,
		},
		Dispatch: dispatch.Config{
			RetryLimit:       cfg.Saga.RetryLimit,
			MaxParallelSends: cfg.Saga.MaxParallelSends,
		},
		Partitions:        cfg.Workers.Partitions,
		QueueSize:         cfg.Workers.QueueSize,
		CommandTimeout:    cfg.Saga.CommandTimeout.Std(),
		CommandsPerSecond: cfg.Saga.CommandsPerSecond,
		CommandBurst:      cfg.Saga.CommandBurst,
	}
	proc, err := orchestrator.NewProcessor(procCfg, orchestrator.Dependencies{
		Client:          client,
		Flows:           flows,
		Switches:        switches,
		History:         recorder,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return proc, nil
}

// serve runs the processor and the metrics server until a shutdown signal.
func serve(
	ctx context.Context,
	cliCfg *CLIConfig,
	proc *orchestrator.Processor,
	metricsServer *metric.Server,
	logger *slog.Logger,
) error {
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cliCfg.MetricsAddr != "" {
		g.Go(metricsServer.Start)
		logger.Info("Metrics server listening", "addr", cliCfg.MetricsAddr)
	}
	logger.Info("ofsagad started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()

		procErr := proc.Stop(cliCfg.ShutdownTimeout)
		if procErr != nil {
			logger.Error("Error stopping orchestrator", "error", procErr)
		}
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", "error", err)
		}
		return procErr
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("ofsagad shutdown complete")
	return nil
}
