package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/nftledger/internal/api"
	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/config"
	"github.com/punchamoorthee/nftledger/internal/domain"
	"github.com/punchamoorthee/nftledger/internal/service"
	"github.com/punchamoorthee/nftledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		ledger  service.Ledger
		catalog service.Catalog
	)
	switch cfg.LedgerBackend {
	case "memory":
		mem := store.NewMemoryStore()
		seedDemoCatalog(mem)
		ledger, catalog = mem, mem
		logger.Warn("using in-memory ledger; state is lost on exit")
	default:
		pool, err := store.Connect(ctx, cfg.DBSource)
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.RunMigrations {
			if err := store.Migrate(ctx, pool, logger); err != nil {
				return err
			}
		}
		ledger, catalog = store.NewLedgerStore(pool), store.NewCatalog(pool)
	}

	// Chain
	observer := chain.NewSuiClient(chain.SuiConfig{
		URL:          cfg.SuiRPCURL,
		Timeout:      cfg.SuiRPCTimeout,
		RateRPS:      cfg.SuiRateRPS,
		RateBurst:    cfg.SuiRateBurst,
		CoinType:     cfg.PaymentCoinType,
		CoinDecimals: cfg.PaymentCoinDecimals,
	}, logger)

	// Services
	verifier := service.NewVerifier(ledger, observer, logger, nil)
	matcher := service.NewMatcher(ledger, observer, logger, nil)
	purchases := service.NewPurchaseService(ledger, catalog, verifier, matcher, service.PurchaseConfig{
		TreasuryAddress: cfg.TreasuryAddress,
		CoinType:        cfg.PaymentCoinType,
		IntentTTL:       cfg.IntentTTL,
	}, logger, nil)
	sweeper := service.NewSweeper(ledger, matcher, service.SweeperConfig{
		Interval:           cfg.SweepInterval,
		Concurrency:        cfg.SweepConcurrency,
		FulfillmentTimeout: cfg.FulfillmentTimeout,
	}, logger, nil)

	handler := api.NewHandler(purchases, sweeper, api.NewAuthenticator(cfg.AuthJWTSecret), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("backend", cfg.LedgerBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sweeper.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err == nil {
		logger.Info("server stopped")
	}
	return err
}

// seedDemoCatalog gives the in-memory backend something to sell.
func seedDemoCatalog(m *store.MemoryStore) {
	collection := os.Getenv("DEMO_COLLECTION")
	if collection == "" {
		collection = "0x2::devnet_nft::DevNetNFT"
	}
	m.AddItem(domain.CatalogItem{ItemID: "demo-1", Name: "Demo", Price: decimal.RequireFromString("0.5"), Collection: collection, StockRemaining: 100, Available: true})
}
