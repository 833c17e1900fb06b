package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/priceoracle/gateway/internal/adapter"
	"github.com/priceoracle/gateway/internal/adapter/binance"
	"github.com/priceoracle/gateway/internal/adapter/coinbase"
	"github.com/priceoracle/gateway/internal/adapter/kraken"
	"github.com/priceoracle/gateway/internal/adapter/okx"
	"github.com/priceoracle/gateway/internal/aggregator"
	"github.com/priceoracle/gateway/internal/cache"
	"github.com/priceoracle/gateway/internal/config"
	"github.com/priceoracle/gateway/internal/datamanager"
	"github.com/priceoracle/gateway/internal/event"
	"github.com/priceoracle/gateway/internal/failover"
	"github.com/priceoracle/gateway/internal/httpapi"
	gwlog "github.com/priceoracle/gateway/internal/log"
	"github.com/priceoracle/gateway/internal/metrics"
	"github.com/priceoracle/gateway/internal/net/budget"
	"github.com/priceoracle/gateway/internal/net/circuit"
	"github.com/priceoracle/gateway/internal/net/client"
	"github.com/priceoracle/gateway/internal/net/ratelimit"
	"github.com/priceoracle/gateway/internal/orchestrator"
	"github.com/priceoracle/gateway/internal/scheduler"
	"github.com/priceoracle/gateway/internal/validator"
)

// exchangeSpec is the static per-exchange wiring table: REST host for
// the rate-limit/circuit/budget managers plus the protocol constructor.
// Binance and Coinbase get the largest REST budgets; Kraken gets the
// smallest, with OKX in between.
type exchangeSpec struct {
	name     string
	host     string
	rps      float64
	burst    int
	daily    int64
	newProto func() adapter.Protocol
}

func exchangeSpecs() []exchangeSpec {
	return []exchangeSpec{
		{name: "binance", host: "api.binance.com", rps: 10, burst: 20, daily: 160_000, newProto: func() adapter.Protocol { return binance.New() }},
		{name: "coinbase", host: "api.exchange.coinbase.com", rps: 8, burst: 15, daily: 100_000, newProto: func() adapter.Protocol { return coinbase.New() }},
		{name: "kraken", host: "api.kraken.com", rps: 1, burst: 5, daily: 50_000, newProto: func() adapter.Protocol { return kraken.New() }},
		{name: "okx", host: "www.okx.com", rps: 5, burst: 10, daily: 80_000, newProto: func() adapter.Protocol { return okx.New() }},
	}
}

func serveCmd() *cobra.Command {
	var (
		catalogPath string
		redisAddr   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: connect every exchange, serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(catalogPath, redisAddr)
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "feeds.yaml", "Path to the feed catalog YAML file")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "Optional Redis address for the shared aggregation cache")

	return cmd
}

// gateway bundles every long-lived component runServe constructs, so
// shutdown can unwind them in reverse dependency order.
type gateway struct {
	log       zerolog.Logger
	sched     *scheduler.Scheduler
	failover  *failover.Controller
	busHandle event.Handle
	server    *httpapi.Server
}

func runServe(catalogPath, redisAddr string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("app", appName).Logger()

	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	catalog, err := config.LoadCatalog(catalogPath)
	if err != nil {
		return fmt.Errorf("load feed catalog: %w", err)
	}

	bus := event.NewBus()
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	aggCache := buildAggregationCache(redisAddr)
	valCache := cache.NewTTLCache(5000)

	val := validator.New(validator.Options{
		MaxAgeMS:          settings.MaxAgeMS,
		OutlierThreshold:  settings.OutlierThreshold,
		CrossSourceWindow: settings.CrossSourceWindow(),
		HistoricalWindow:  settings.HistoricalWindow,
	}, valCache)
	val.SetMetrics(reg)

	agg := aggregator.New(aggregator.Options{
		MinSources:       settings.MinSources,
		Lambda:           settings.Lambda,
		OutlierThreshold: settings.OutlierThreshold,
		CacheTTL:         settings.CacheTTL(),
	}, aggCache)
	agg.SetMetrics(reg)

	rateLimitedLog := gwlog.NewRateLimitedLogger(log, 1.0/300.0)
	dm := datamanager.New(agg, val, catalog, bus, rateLimitedLog)

	orch := orchestrator.New(log, 10*time.Second)

	fc := failover.New(failover.Options{
		FailureThreshold:    settings.FailureThreshold,
		RecoveryThreshold:   settings.RecoveryThreshold,
		MaxFailoverTime:     settings.MaxFailover(),
		HealthCheckInterval: settings.HealthCheckInterval(),
	}, bus, log)
	fc.SetMetrics(reg)
	for _, f := range catalog.Feeds() {
		fc.AddFeed(f)
	}
	dm.SetFailoverController(fc)

	clientMgr, restBreakers, err := buildHTTPClients(reg)
	if err != nil {
		return fmt.Errorf("build REST client managers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtimes := make(map[string]*adapter.Runtime, len(exchangeSpecs()))
	for _, spec := range exchangeSpecs() {
		proto := spec.newProto()
		if setter, ok := proto.(interface{ SetHTTPClient(*http.Client) }); ok {
			if hc, ok := clientMgr.GetClient(spec.name); ok {
				setter.SetHTTPClient(hc)
			}
		}
		rt := adapter.NewRuntime(proto, bus, adapter.Config{}, log)
		rt.SetMetrics(reg)
		runtimes[spec.name] = rt

		orch.RegisterAdapter(spec.name, rt)
		fc.RegisterSubscriber(spec.name, rt)
		if err := dm.AddDataSource(ctx, rt); err != nil {
			log.Warn().Err(err).Str("exchange", spec.name).Msg("initial data source connect failed, orchestrator will retry")
		}
	}

	progress := gwlog.NewConnectProgress(log, len(runtimes))
	orchestrator.RunInitializer(ctx, orch, catalog, progress)

	sched := scheduler.New()
	probe := &runtimeHealthProbe{runtimes: runtimes}
	sched.Every("failover-health-monitor", settings.HealthCheckInterval(), func(ctx context.Context) {
		fc.SampleHealth(probe)
	})
	sched.Every("orchestrator-reconnect-sweep", 15*time.Second, func(ctx context.Context) {
		for ex, st := range orch.GetConnectionStatus() {
			if !st.Connected {
				orch.ReconnectExchange(ctx, ex)
			}
		}
	})

	busHandle := bus.Subscribe(func(ev event.Event) {
		cc, ok := ev.(event.ConnectionChange)
		if !ok || cc.Connected {
			return
		}
		orch.ReconnectExchange(ctx, cc.Source)
	})

	handlers := httpapi.NewHandlers(dm, orch, log)
	handlers.SetRESTBreakers(restBreakers)
	handlers.SetCatalog(catalog)
	server, err := httpapi.NewServer(httpapi.DefaultServerConfig(), handlers, log)
	if err != nil {
		return fmt.Errorf("build HTTP server: %w", err)
	}

	gw := &gateway{log: log, sched: sched, failover: fc, busHandle: busHandle, server: server}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.GetAddress()).Msg("gateway HTTP server starting")
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server exited unexpectedly")
	}

	return gw.shutdown()
}

func (g *gateway) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.busHandle.Unsubscribe()
	g.sched.Close()
	g.failover.Close()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	g.log.Info().Msg("gateway shut down cleanly")
	return nil
}

// runtimeHealthProbe adapts the registered adapter.Runtimes to
// failover.HealthProbe, keyed by exchange/source ID.
type runtimeHealthProbe struct {
	runtimes map[string]*adapter.Runtime
}

func (p *runtimeHealthProbe) IsConnected(sourceID string) bool {
	rt, ok := p.runtimes[sourceID]
	return ok && rt.IsConnected()
}

func (p *runtimeHealthProbe) LatencyMS(sourceID string) float64 {
	rt, ok := p.runtimes[sourceID]
	if !ok {
		return 0
	}
	return rt.LatencyMS()
}

// buildAggregationCache uses a shared Redis tier when redisAddr is set
// (consensus results shared across gateway instances), falling back to
// an in-process TTL cache otherwise.
func buildAggregationCache(redisAddr string) cache.Cache {
	if redisAddr == "" {
		return cache.NewTTLCache(5000)
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	return cache.NewRedisCache(rdb, "oracle:agg:")
}

// buildHTTPClients wires the rate-limit/circuit/budget managers for
// every exchange's REST fallback path, distinct from each adapter's own
// WebSocket connect-retry breaker (internal/adapter.Runtime.breaker).
// buildHTTPClients returns both the client.Manager (wrapped *http.Client
// per exchange) and the underlying circuit.Manager, since /health
// surfaces the latter's per-provider REST breaker state directly
// (spec.md SUPPLEMENTED FEATURES).
func buildHTTPClients(reg *metrics.Registry) (*client.Manager, *circuit.Manager, error) {
	rlMgr := ratelimit.NewManager()
	cbMgr := circuit.NewManager()
	budgetMgr := budget.NewManager()

	for _, spec := range exchangeSpecs() {
		rlMgr.AddProvider(spec.name, spec.rps, spec.burst)
		cbMgr.AddProvider(spec.name, circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			RequestTimeout:   5 * time.Second,
		})
		budgetMgr.AddProvider(spec.name, spec.daily, 0, 0.8)
	}

	mgr := client.NewManager(rlMgr, cbMgr, budgetMgr)
	mgr.SetMetrics(reg)
	for _, spec := range exchangeSpecs() {
		mgr.AddProvider(spec.name, spec.host, 5*time.Second)
	}
	return mgr, cbMgr, nil
}
