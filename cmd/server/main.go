package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotexchange/internal/api"
	"spotexchange/internal/bus"
	"spotexchange/internal/config"
	"spotexchange/internal/engine"
	"spotexchange/internal/feed"
	"spotexchange/internal/ledger"
	"spotexchange/internal/marketmaker"
	"spotexchange/internal/model"
	"spotexchange/internal/query"
	"spotexchange/internal/store"
	"spotexchange/internal/wsapi"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Str("service", "spotexchange").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	st, err := store.Open(cfg.Persistence.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	if err := st.Migrate(cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Msg("migrations applied")

	ctx := context.Background()
	pairs, err := seedReferenceData(ctx, st, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("seed reference data")
	}

	lg := ledger.New(st, log)
	b := bus.New(log)
	mgr := engine.NewManager(st, lg, b, log, config.Decimal(cfg.Trading.FeeMaker, "0.001"), config.Decimal(cfg.Trading.FeeTaker, "0.001"))

	if err := mgr.Boot(ctx, pairs); err != nil {
		log.Fatal().Err(err).Msg("boot engine")
	}
	log.Info().Int("pairs", len(pairs)).Msg("engine booted")

	q := query.New(st, lg, mgr)

	hub := wsapi.NewHub(b, log, cfg.Bus.MaxPerSessionQueue, snapshotFunc(q))

	fd := feed.New(cfg.ExternalFeed.URL, cfg.ExternalFeedPollInterval(), cfg.ExternalFeedTTL(), log)
	var feedPairs []string
	for _, p := range pairs {
		feedPairs = append(feedPairs, p.Symbol())
	}
	fd.Start(ctx, feedPairs)

	mm := marketmaker.New(mgr, lg, fd, st, log)
	if cfg.MarketMaker.Enabled {
		mm.Start(ctx, marketMakerPairConfigs(cfg), marketMakerSeedBalances(cfg))
		log.Info().Msg("market maker started")
	}

	srv := api.NewServer(st, lg, mgr, q, hub, cfg.Auth.JWTSecret, log)

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.Router()}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var merr *multierror.Error

	if cfg.MarketMaker.Enabled {
		mm.Stop()
	}
	fd.Stop()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		merr = multierror.Append(merr, err)
	}

	mgr.Shutdown(shutdownCtx)

	if err := st.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}

	if merr.ErrorOrNil() != nil {
		log.Error().Err(merr).Msg("errors during shutdown")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

// seedReferenceData upserts every asset implied by trading.pairs and the
// pairs themselves, then returns the active set the engine should boot
// (spec §6: "reference data is configuration, not a runtime mutation path").
func seedReferenceData(ctx context.Context, st *store.Store, cfg *config.Config) ([]model.TradingPair, error) {
	seen := make(map[string]bool)
	for _, pc := range cfg.Trading.Pairs {
		for _, sym := range []string{pc.Base, pc.Quote} {
			if seen[sym] {
				continue
			}
			seen[sym] = true
			if err := st.UpsertAsset(ctx, model.Asset{Symbol: sym, Chain: "native", Decimals: 8, Active: true}); err != nil {
				return nil, err
			}
		}

		p := model.TradingPair{
			Base:         pc.Base,
			Quote:        pc.Quote,
			MinOrderSize: config.Decimal(pc.MinOrderSize, "0.0001"),
			MaxOrderSize: config.Decimal(pc.MaxOrderSize, "1000000"),
			PriceStep:    config.Decimal(pc.PriceStep, "0.01"),
			SizeStep:     config.Decimal(pc.SizeStep, "0.0001"),
			MakerFee:     config.Decimal(pc.FeeMaker, cfg.Trading.FeeMaker),
			TakerFee:     config.Decimal(pc.FeeTaker, cfg.Trading.FeeTaker),
			Active:       true,
		}
		if err := st.UpsertPair(ctx, p); err != nil {
			return nil, err
		}
	}
	return st.ListActivePairs(ctx)
}

func marketMakerPairConfigs(cfg *config.Config) []marketmaker.PairConfig {
	out := make([]marketmaker.PairConfig, 0, len(cfg.MarketMaker.Pairs))
	for _, pc := range cfg.MarketMaker.Pairs {
		out = append(out, marketmaker.PairConfig{
			Pair:           pc.Pair,
			Spread:         config.Decimal(pc.Spread, "0.004"),
			OrderSize:      config.Decimal(pc.OrderSize, "1"),
			MaxOrders:      pc.MaxOrders,
			PriceDeviation: config.Decimal(pc.PriceDeviation, "0.02"),
			Enabled:        pc.Enabled,
			AllowSelfMatch: pc.AllowSelfMatch,
		})
	}
	return out
}

func marketMakerSeedBalances(cfg *config.Config) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(cfg.MarketMaker.SeedBalances))
	for asset, amt := range cfg.MarketMaker.SeedBalances {
		out[asset] = config.Decimal(amt, "0")
	}
	return out
}

func snapshotFunc(q *query.Query) func(topic string) (string, any, bool) {
	return func(topic string) (string, any, bool) {
		parts := strings.SplitN(topic, "@", 2)
		if len(parts) != 2 {
			return "", nil, false
		}
		kind, arg := parts[0], parts[1]
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		switch kind {
		case "orderbook":
			snap, err := q.BookSnapshot(ctx, arg, 50)
			if err != nil {
				return "", nil, false
			}
			return "orderbook", snap, true
		case "ticker":
			if arg == "all" {
				return "", nil, false
			}
			stats, err := q.PairStats(ctx, arg)
			if err != nil {
				return "", nil, false
			}
			return "ticker", stats, true
		default:
			return "", nil, false
		}
	}
}
