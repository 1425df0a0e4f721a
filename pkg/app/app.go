// Package app wires the engine from a config.Config: stores, locker, the
// bank gateway behind its breaker, the orchestrator, the scheduler and the
// operator servers.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transfer-engine/pkg/api"
	"transfer-engine/pkg/config"
	"transfer-engine/pkg/gateway"
	"transfer-engine/pkg/idempotency"
	"transfer-engine/pkg/idempotency/redis"
	"transfer-engine/pkg/logging"
	promMetrics "transfer-engine/pkg/metrics/prometheus"
	"transfer-engine/pkg/orchestrator"
	"transfer-engine/pkg/resilience"
	"transfer-engine/pkg/scheduler"
	"transfer-engine/pkg/transfer"
	tmem "transfer-engine/pkg/transfer/memory"
	"transfer-engine/pkg/transfer/postgres"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "transfer_engine"

// App holds the wired components.
type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *promMetrics.PrometheusCollector

	Ledger    transfer.LedgerStore
	Contracts transfer.RecurringContractStore
	Accounts  transfer.AccountLinkLookup

	Breaker      *resilience.Breaker
	Gateway      *resilience.Gateway
	Guard        *idempotency.Guard
	Orchestrator *orchestrator.Orchestrator
	Runner       *scheduler.Runner
	Daily        *scheduler.Daily
	Location     *time.Location

	API    *api.Server
	Health *api.HealthServer

	closers []func() error
}

// Option customizes wiring, mostly for tests.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	transport gateway.Transport
	ledger    transfer.LedgerStore
	contracts transfer.RecurringContractStore
	accounts  transfer.AccountLinkLookup
}

// WithLogger sets the root logger (default: logging.Global()).
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the HTTP transport to the bank.
func WithTransport(t gateway.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStores replaces the configured stores. Nil arguments keep the configured store.
func WithStores(ledger transfer.LedgerStore, contracts transfer.RecurringContractStore, accounts transfer.AccountLinkLookup) Option {
	return func(o *options) {
		o.ledger = ledger
		o.contracts = contracts
		o.accounts = accounts
	}
}

// New validates cfg and wires every component. Callers must Close the app.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Global()
	}

	a := &App{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	a.Location = loc

	if err := a.initMetrics(); err != nil {
		return nil, err
	}

	db, err := a.initStores(ctx, o)
	if err != nil {
		return nil, err
	}

	locker, err := a.initLocker(db)
	if err != nil {
		return nil, err
	}

	a.initGateway(o.transport)

	a.Guard = idempotency.NewGuard(a.Ledger, locker,
		idempotency.WithLogger(a.Logger),
		idempotency.WithMetrics(a.Metrics))

	a.Orchestrator = orchestrator.New(a.Gateway, a.Guard,
		orchestrator.WithContracts(a.Contracts),
		orchestrator.WithAccounts(a.Accounts),
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithLogger(a.Logger))

	a.Runner = scheduler.NewRunnerWithMetrics(a.Contracts, a.Accounts, a.Orchestrator,
		cfg.Settlement.Account(), cfg.Scheduler, a.Metrics).WithLogger(a.Logger)

	a.Daily, err = scheduler.NewDaily(a.Runner, cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	a.API = api.NewServer(api.Deps{
		Orchestrator: a.Orchestrator,
		Runner:       a.Runner,
		Contracts:    a.Contracts,
		Breakers:     []*resilience.Breaker{a.Breaker},
		Gatherer:     a.Registry,
		Location:     a.Location,
		Logger:       a.Logger,
	}, api.ServerConfig{
		Address:         cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	if cfg.GRPC.Enabled {
		a.Health = api.NewHealthServer(cfg.GRPC.Addr, []*resilience.Breaker{a.Breaker}, a.Logger)
	}

	a.Logger.Info("transfer engine wired",
		logging.Gateway(cfg.Gateway.Name),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("timezone", a.Location.String()))

	return a, nil
}

func (a *App) initMetrics() error {
	a.Registry = prometheus.NewRegistry()
	a.Metrics = promMetrics.NewPrometheusCollector(MetricsNamespace)

	if err := a.Metrics.Register(a.Registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := a.Registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	if err := a.Registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("register process collector: %w", err)
	}
	return nil
}

// initStores returns the database handle when the postgres store is used.
func (a *App) initStores(ctx context.Context, o *options) (*sql.DB, error) {
	var db *sql.DB

	switch a.Config.Store.Driver {
	case config.StorePostgres:
		open := postgres.Connect
		if a.Config.Store.Migrate {
			open = postgres.Open
		}
		var err error
		db, err = open(ctx, a.Config.Store.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)

		a.Ledger = postgres.NewLedger(db)
		a.Contracts = postgres.NewContractStore(db)
		a.Accounts = postgres.NewAccountLinks(db)
	default:
		a.Ledger = tmem.NewLedger()
		a.Contracts = tmem.NewContractStore()
		a.Accounts = tmem.NewAccountLinks()
	}

	if o.ledger != nil {
		a.Ledger = o.ledger
	}
	if o.contracts != nil {
		a.Contracts = o.contracts
	}
	if o.accounts != nil {
		a.Accounts = o.accounts
	}
	return db, nil
}

// initLocker returns nil for the local driver; the guard then uses an
// in-process locker.
func (a *App) initLocker(db *sql.DB) (idempotency.Locker, error) {
	switch a.Config.Lock.Driver {
	case config.LockRedis:
		l, err := redis.NewLocker(a.Config.Lock.Redis, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		return l, nil
	case config.LockPostgres:
		if db == nil {
			return nil, errors.New("lock: postgres locking requires the postgres store")
		}
		return postgres.NewAdvisoryLocker(db, a.Logger), nil
	default:
		return nil, nil
	}
}

func (a *App) initGateway(transport gateway.Transport) {
	cfg := a.Config
	if transport == nil {
		transport = gateway.NewHTTPTransport(cfg.Gateway.BaseURL, nil)
	}
	retry := cfg.RetryPolicy()

	clientOpts := []gateway.Option{
		gateway.WithLogger(a.Logger),
		gateway.WithMetrics(a.Metrics),
	}
	if cfg.Gateway.AppKey != "" {
		tokens := gateway.NewTokenSource(gateway.TokenConfig{
			AppKey:    cfg.Gateway.AppKey,
			AppSecret: cfg.Gateway.AppSecret,
			Path:      cfg.Gateway.TokenPath,
			Timeout:   cfg.Gateway.Timeout,
		}, transport).WithRetry(retry.Do)
		clientOpts = append(clientOpts, gateway.WithTokenSource(tokens))
	}
	client := gateway.NewClient(cfg.Gateway, transport, clientOpts...)

	a.Breaker = resilience.NewBreakerWithMetrics(client.Name(), cfg.BreakerConfig(), a.Metrics)
	a.Gateway = resilience.NewGatewayWithMetrics(client, a.Breaker, retry, a.Metrics)
}

// Serve runs the HTTP API, the gRPC health server and, when enabled, the
// daily scheduler until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.API.Run(ctx)
	})
	if a.Health != nil {
		g.Go(func() error {
			return a.Health.Serve(ctx)
		})
	}
	if a.Config.Scheduler.Enabled {
		a.Daily.OnRun = a.logRun
		g.Go(func() error {
			return a.Daily.Run(ctx)
		})
	}

	return g.Wait()
}

func (a *App) logRun(summary *scheduler.RunSummary, err error) {
	if err != nil {
		a.Logger.Error("scheduled run failed", zap.Error(err))
		return
	}
	if summary.Unknown > 0 || summary.Failed > 0 {
		a.Logger.Warn("scheduled run finished with failures",
			logging.RunID(summary.RunID),
			zap.Int("failed", summary.Failed),
			zap.Int("unknown", summary.Unknown))
	}
}

// Close releases every resource, newest first.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	if a.Logger != nil {
		// Sync fails on stdout/stderr on some platforms; ignore it.
		_ = a.Logger.Sync()
	}
	return err
}
