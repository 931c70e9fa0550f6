// Command gridtrader runs the grid trading service: exchange adapter, tick
// feed, risk supervisor, grid controller, webhook router and HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridtrader/internal/config"
	"gridtrader/internal/controller"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/exchange/bybit"
	"gridtrader/internal/feed"
	"gridtrader/internal/mock"
	"gridtrader/internal/risk"
	"gridtrader/internal/server"
	"gridtrader/internal/store"
	"gridtrader/pkg/logging"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	alertpkg "gridtrader/internal/alert"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "gridtrader: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	logger.Info("Starting gridtrader",
		"exchange", cfg.Exchange.Kind,
		"grids", len(cfg.Grids),
		"listen_addr", cfg.Server.ListenAddr)

	// exchange adapter
	var inner core.IExchange
	var filterSource core.IFilterProvider
	switch cfg.Exchange.Kind {
	case "mock":
		m := mock.NewExchange()
		inner, filterSource = m, m
	default:
		client := bybit.NewClient(bybit.Credentials{
			APIKey:    string(cfg.Exchange.APIKey),
			APISecret: string(cfg.Exchange.SecretKey),
			Testnet:   cfg.Exchange.Testnet,
		}, cfg.Exchange.BaseURL, logger)
		inner, filterSource = client, client
	}

	resilient := exchange.NewResilient(inner, exchange.Options{
		RateLimitPerSecond: cfg.Exchange.RateLimitPerSecond,
		OrderTimeout:       time.Duration(cfg.Exchange.OrderTimeoutSeconds) * time.Second,
	}, logger)

	filters := newFilterOverlay(filterSource, cfg.Filters)

	// persistence
	var st core.IStore
	switch cfg.Store.Driver {
	case "sqlite":
		sqlStore, err := store.NewSQLiteStore(cfg.Store.Path, cfg.Store.QueueSize, logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		st = sqlStore
	default:
		st = store.NullStore{}
	}
	defer st.Close()

	// risk supervision; the resilient wrapper reports every API attempt
	supervisor := risk.NewSupervisor(resilient, risk.Thresholds{
		MaxDrawdownPercent:     cfg.Risk.MaxDrawdownPercent,
		MaxAPIErrorRatePercent: cfg.Risk.MaxAPIErrorRatePercent,
		MinAPICallsForRate:     cfg.Risk.MinAPICallsForRate,
		VolatilityWindow:       cfg.Risk.VolatilityWindow,
		VolatilityThreshold:    cfg.Risk.VolatilityThreshold,
		BreakersToKill:         cfg.Risk.BreakersToKill,
		EquityPollInterval:     time.Duration(cfg.Risk.EquityPollSeconds) * time.Second,
		CheckInterval:          time.Duration(cfg.Risk.CheckIntervalSeconds) * time.Second,
		MaxExposurePercent:     risk.DefaultThresholds().MaxExposurePercent,
	}, logger)
	resilient.SetReporter(supervisor)

	// tick feed covers every configured grid symbol
	symbols := make([]string, 0, len(cfg.Grids))
	for _, g := range cfg.Grids {
		symbols = append(symbols, g.Symbol)
	}
	tickFeed := feed.NewFeed(resilient, symbols, time.Second, logger)
	tickFeed.OnTick(func(t core.Tick) {
		supervisor.ObserveTick(t.Symbol, t.Price, t.Ts)
	})

	ctrl := controller.NewController(resilient, filters, tickFeed, supervisor, st, logger)

	alerts := alertpkg.NewRouter(alertpkg.Options{
		Secret:              string(cfg.Webhook.Secret),
		MaxAgeSeconds:       cfg.Webhook.MaxAgeSeconds,
		MaxDeviationPercent: cfg.Webhook.MaxDeviationPercent,
		HistorySize:         cfg.Webhook.HistorySize,
	}, ctrl, tickFeed, supervisor, st, logger)

	srv := server.NewServer(cfg.Server.ListenAddr, ctrl, alerts, supervisor, tickFeed, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tickFeed.Run(ctx) })
	g.Go(func() error { return supervisor.Run(ctx) })
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	// deploy configured grids once the runners are up
	g.Go(func() error {
		for _, deployment := range cfg.Grids {
			params := deployment.Parameters(cfg.Exchange.FeeRate)
			if err := ctrl.Deploy(ctx, params, deployment.AutoStart); err != nil {
				logger.Error("Deploy failed", "symbol", params.Symbol, "error", err.Error())
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("gridtrader shut down")
	return err
}

// filterOverlay serves configured per-symbol filters and falls back to the
// exchange's instrument info for everything else.
type filterOverlay struct {
	inner     core.IFilterProvider
	overrides map[string]core.SymbolFilters
}

func newFilterOverlay(inner core.IFilterProvider, cfgs map[string]config.FilterConfig) *filterOverlay {
	overrides := make(map[string]core.SymbolFilters, len(cfgs))
	for sym, fc := range cfgs {
		overrides[sym] = core.SymbolFilters{
			TickSize: decimal.NewFromFloat(fc.TickSize),
			LotStep:  decimal.NewFromFloat(fc.LotStep),
		}
	}
	return &filterOverlay{inner: inner, overrides: overrides}
}

func (f *filterOverlay) Filters(symbol string) core.SymbolFilters {
	if flt, ok := f.overrides[symbol]; ok {
		return flt
	}
	return f.inner.Filters(symbol)
}
