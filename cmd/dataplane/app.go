package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/c360/dataplane/api"
	"github.com/c360/dataplane/backend/amazons3"
	"github.com/c360/dataplane/backend/file"
	"github.com/c360/dataplane/backend/httpdata"
	"github.com/c360/dataplane/backend/objectstore"
	"github.com/c360/dataplane/config"
	"github.com/c360/dataplane/dispatcher"
	"github.com/c360/dataplane/events"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/health"
	"github.com/c360/dataplane/metric"
	"github.com/c360/dataplane/natsclient"
	"github.com/c360/dataplane/pkg/tlsutil"
	"github.com/c360/dataplane/transfer"
)

const natsConnectTimeout = 10 * time.Second

// app owns every long-lived component of a serve run
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *metric.MetricsRegistry
	nats       *natsclient.Client
	store      flowstore.Store
	dispatcher *dispatcher.Dispatcher
	monitor    *health.Monitor
	api        *api.Server
	metrics    *metric.Server
}

// newApp builds the component graph. Nothing is started; NATS is connected
// only when some component needs it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
	}
	defer func() {
		if err != nil && a.nats != nil {
			_ = a.nats.Close(context.Background())
		}
	}()
	core := a.registry.CoreMetrics()

	if cfg.NeedsNATS() {
		if a.nats, err = connectNATS(ctx, cfg, logger, core); err != nil {
			return nil, err
		}
	}

	if a.store, err = newStore(ctx, cfg, a.nats, logger, core); err != nil {
		return nil, err
	}

	var hub *api.Hub
	listeners := events.NewMulti(logger)
	if cfg.API.Enabled {
		hub = api.NewHub(logger, cfg.API.EventBuffer)
		listeners.Add(hub)
	}
	if cfg.NATS.EventSubject != "" && a.nats != nil {
		listeners.Add(events.NewNATSPublisher(a.nats, cfg.NATS.EventSubject, logger))
	}

	deps := backendDeps{logger: logger, metrics: core}
	if a.nats != nil {
		deps.buckets = objectstore.NewNATSBuckets(a.nats)
	}
	backends, err := buildBackends(cfg, deps)
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatcher.New(dispatcherConfig(cfg), a.store,
		dispatcher.WithLogger(logger),
		dispatcher.WithMetrics(core),
		dispatcher.WithPoolMetrics(a.registry),
		dispatcher.WithListener(listeners),
		dispatcher.WithRegistry(transfer.NewRegistry(backends...)),
		dispatcher.WithInstanceID(cfg.InstanceID),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	a.monitor = health.NewMonitor(appName, 5*time.Second)
	a.monitor.Register(a.dispatcher.HealthChecker())
	if a.nats != nil {
		a.monitor.Register(a.nats.HealthChecker())
	}

	if cfg.API.Enabled {
		a.api, err = api.NewServer(apiConfig(cfg), a.dispatcher,
			api.WithLogger(logger),
			api.WithHealth(a.monitor),
			api.WithMetricsRegistry(a.registry),
			api.WithHub(hub),
		)
		if err != nil {
			return nil, fmt.Errorf("create api server: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry)
	}
	return a, nil
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger, core *metric.Metrics) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Duration()),
		natsclient.WithClientName(appName),
		natsclient.WithMetrics(core),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func newStore(ctx context.Context, cfg *config.Config, client *natsclient.Client,
	logger *slog.Logger, core *metric.Metrics) (flowstore.Store, error) {

	if cfg.Store.Mode != config.StoreModeKV {
		logger.Info("Using in-memory flow store; entries do not survive restarts")
		return flowstore.NewMemoryStore(), nil
	}
	store, err := flowstore.NewKVStore(ctx, client,
		flowstore.WithBucket(cfg.Store.Bucket),
		flowstore.WithHistory(uint8(cfg.Store.History)),
		flowstore.WithTTL(cfg.Store.TTL.Duration()),
		flowstore.WithStoreLogger(logger),
		flowstore.WithStoreMetrics(core),
	)
	if err != nil {
		return nil, fmt.Errorf("create KV flow store: %w", err)
	}
	return store, nil
}

type backendDeps struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	buckets objectstore.Buckets
}

// buildBackends returns one backend per enabled family, in registration
// order, followed by a backend that pairs any enabled source with any enabled
// destination. Same-family transfers therefore select their own backend.
func buildBackends(cfg *config.Config, deps backendDeps) ([]transfer.Backend, error) {
	sinkOpts := []transfer.SinkOption{
		transfer.WithPartitionSize(cfg.Partition.Size),
		transfer.WithConcurrency(cfg.Partition.Concurrency),
		transfer.WithLogger(deps.logger),
		transfer.WithMetrics(deps.metrics),
	}

	var (
		backends []transfer.Backend
		sources  []transfer.SourceFactory
		sinks    []transfer.SinkFactory
	)

	if cfg.Backends.File.Enabled {
		backends = append(backends, file.NewBackend(deps.logger, sinkOpts...))
		sources = append(sources, file.NewSourceFactory())
		sinks = append(sinks, file.NewSinkFactory(sinkOpts...))
	}

	if cfg.Backends.HTTP.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.Security.Client)
		if err != nil {
			return nil, fmt.Errorf("load client TLS config: %w", err)
		}
		httpCfg := httpdata.Config{
			Timeout: cfg.Backends.HTTP.Timeout.Duration(),
			Retry:   cfg.Backends.HTTP.Retry.Retry(),
			TLS:     tlsConfig,
		}
		client := httpdata.NewHTTPClient(httpCfg)
		backends = append(backends, httpdata.NewBackend(httpCfg, deps.logger, sinkOpts...))
		sources = append(sources, httpdata.NewSourceFactory(client))
		sinks = append(sinks, httpdata.NewSinkFactory(client, httpCfg.Retry, deps.logger, sinkOpts...))
	}

	if cfg.Backends.S3.Enabled {
		clients := amazons3.NewAWSClientFactory(cfg.Backends.S3.Retry.Retry())
		backends = append(backends, amazons3.NewBackend(clients, deps.logger, sinkOpts...))
		sources = append(sources, amazons3.NewSourceFactory(clients))
		sinks = append(sinks, amazons3.NewSinkFactory(clients, deps.logger, sinkOpts...))
	}

	if cfg.Backends.ObjectStore.Enabled {
		if deps.buckets == nil {
			return nil, fmt.Errorf("objectstore backend requires a NATS connection")
		}
		policy := cfg.Backends.ObjectStore.Retry.Retry()
		backends = append(backends, objectstore.NewBackend(deps.buckets, policy, deps.logger, sinkOpts...))
		sources = append(sources, objectstore.NewSourceFactory(deps.buckets))
		sinks = append(sinks, objectstore.NewSinkFactory(deps.buckets, policy, deps.logger, sinkOpts...))
	}

	if len(backends) > 1 {
		backends = append(backends, transfer.NewPipelineBackend("mixed", sources, sinks, deps.logger))
	}
	return backends, nil
}

func dispatcherConfig(cfg *config.Config) dispatcher.Config {
	return dispatcher.Config{
		QueueCapacity: cfg.Dispatcher.QueueCapacity,
		Workers:       cfg.Dispatcher.Workers,
		WaitTimeout:   cfg.Dispatcher.WaitTimeout.Duration(),
		Backpressure:  dispatcher.Backpressure(cfg.Dispatcher.Backpressure),
	}
}

func apiConfig(cfg *config.Config) api.Config {
	c := cfg.API
	return api.Config{
		Addr:            c.Addr,
		ReadTimeout:     c.ReadTimeout.Duration(),
		WriteTimeout:    c.WriteTimeout.Duration(),
		ShutdownTimeout: c.ShutdownTimeout.Duration(),
		MaxRequestSize:  c.MaxRequestSize,
		RateLimit:       c.RateLimit,
		RateBurst:       c.RateBurst,
		EnableCORS:      c.EnableCORS,
		CORSOrigins:     c.CORSOrigins,
		EventBuffer:     c.EventBuffer,
		TLS:             cfg.Security.Server,
	}
}

// start brings components up in dependency order. The dispatcher outlives
// ctx so that shutdown can let in-flight transfers finish.
func (a *app) start(ctx context.Context) error {
	if err := a.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
		a.logger.Info("Control API listening", "addr", a.api.Addr())
	}
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	return nil
}

// shutdown stops components in reverse order. Queued transfers stay QUEUED
// in the store for the next instance to recover.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if a.api != nil {
		err = multierr.Append(err, a.api.Stop(ctx))
	}
	if a.dispatcher.Running() {
		err = multierr.Append(err, a.dispatcher.Stop(timeout))
	}
	if a.metrics != nil {
		err = multierr.Append(err, a.metrics.Stop(ctx))
	}
	if a.nats != nil {
		err = multierr.Append(err, a.nats.Close(ctx))
	}
	return err
}
