package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dutchauction/config"
	"dutchauction/core/clock"
	"dutchauction/core/events"
	"dutchauction/core/state"
	"dutchauction/crypto"
	"dutchauction/native/auction"
	"dutchauction/native/collectible"
	"dutchauction/observability/logging"
	"dutchauction/rpc"
	"dutchauction/storage"
)

const envVar = "AUCTION_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("auctiond", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env != "" {
		cfg.Environment = env
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	if err := state.EnsureLayoutVersion(state.NewManager(db)); err != nil {
		logger.Error("Persisted state layout is incompatible with this binary", slog.Any("error", err))
		os.Exit(1)
	}

	journal, err := events.OpenJournal(cfg.JournalPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open event journal: %v", err))
	}
	defer journal.Close()

	interval, err := clock.NewInterval(db, time.Duration(cfg.BlockIntervalSeconds)*time.Second)
	if err != nil {
		panic(fmt.Sprintf("Failed to establish block clock: %v", err))
	}

	engine, shim, err := buildEngine(db, journal, interval.Height, cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to build auction engine: %v", err))
	}

	if err := bootstrap(db, engine, cfg, logger); err != nil {
		logger.Error("Failed to bootstrap auction", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(engine, shim, journal, interval.Height)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("RPC server listening", slog.String("address", cfg.RPCAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// buildEngine wires the engine and upgrade shim with the collaborators the
// configuration selects: token-ledger settlement when a payment token is
// configured, native balances otherwise.
func buildEngine(db storage.Database, journal *events.Journal, height func() uint64, cfg *config.Config) (*auction.Engine, *auction.Shim, error) {
	engine := auction.NewEngine(db)
	engine.SetEmitter(journal)
	engine.SetHeightFunc(height)

	if symbol := strings.TrimSpace(cfg.Auction.PaymentToken); symbol != "" {
		payment, err := auction.TokenPayment(symbol, symbol, 18)
		if err != nil {
			return nil, nil, err
		}
		engine.SetPayment(payment)
	}

	lot, err := auction.RegistryCollectible(cfg.Auction.CollectibleSymbol)
	if err != nil {
		return nil, nil, err
	}
	engine.SetCollectible(lot)

	shim := auction.NewShim(db)
	shim.SetEmitter(journal)
	shim.SetGuard(engine.Guard())
	return engine, shim, nil
}

// bootstrap initializes the auction on first run: it mints the collectible to
// the seller, authorizes the escrow vault to move it at settlement, grants the
// upgrade-admin role and creates the auction record. On restarts the persisted
// record is authoritative and the configuration's auction section is ignored.
func bootstrap(db storage.Database, engine *auction.Engine, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Auction.Validate(); err != nil {
		return err
	}
	seller, err := crypto.DecodeAddress(cfg.Auction.Seller)
	if err != nil {
		return fmt.Errorf("invalid seller address: %w", err)
	}
	reserve, err := config.ParseAmount(cfg.Auction.ReservePrice)
	if err != nil {
		return err
	}
	decrement, err := config.ParseAmount(cfg.Auction.OfferPriceDecrement)
	if err != nil {
		return err
	}

	if _, err := engine.Info(); err == nil {
		logger.Info("Resuming existing auction")
		return nil
	} else if !errors.Is(err, auction.ErrNotInitialized) {
		return err
	}

	// collateral setup runs before Initialize and is idempotent, so a crash
	// between the two steps heals on the next start
	ov := storage.NewOverlay(db)
	mgr := state.NewManager(ov)
	registry, err := collectible.NewRegistry(mgr, cfg.Auction.CollectibleSymbol)
	if err != nil {
		return err
	}
	if err := registry.Mint(seller.Raw(), cfg.Auction.CollectibleID); err != nil && !errors.Is(err, collectible.ErrAlreadyMinted) {
		return err
	}
	if err := registry.SetApprovalForAll(seller.Raw(), auction.VaultAddress(), true); err != nil {
		return err
	}
	if admin := strings.TrimSpace(cfg.Auction.UpgradeAdmin); admin != "" {
		addr, err := crypto.DecodeAddress(admin)
		if err != nil {
			return fmt.Errorf("invalid upgrade admin address: %w", err)
		}
		raw := addr.Raw()
		if err := mgr.SetRole(auction.RoleUpgradeAdmin, raw[:]); err != nil {
			return err
		}
	}
	if err := ov.Commit(); err != nil {
		return err
	}

	record, err := engine.Initialize(auction.Params{
		Seller:              seller.Raw(),
		ReservePrice:        reserve,
		NumBlocksOpen:       cfg.Auction.NumBlocksOpen,
		OfferPriceDecrement: decrement,
		CollectibleSymbol:   cfg.Auction.CollectibleSymbol,
		CollectibleID:       cfg.Auction.CollectibleID,
		PaymentToken:        cfg.Auction.PaymentToken,
	})
	if err != nil {
		return err
	}

	logger.Info("Auction initialized",
		slog.String("seller", seller.String()),
		slog.String("reservePrice", record.ReservePrice.String()),
		slog.Uint64("numBlocksOpen", record.NumBlocksOpen),
		slog.String("offerPriceDecrement", record.OfferPriceDecrement.String()),
		slog.String("initialPrice", record.Schedule().InitialPrice().String()),
		slog.Uint64("initialBlock", record.InitialBlock),
		slog.String("collectible", fmt.Sprintf("%s/%d", record.CollectibleSymbol, record.CollectibleID)))
	return nil
}
