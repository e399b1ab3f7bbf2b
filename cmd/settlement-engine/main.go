package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/config"
	"github.com/fadedwax/settlement-engine/internal/db"
	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/inventory"
	"github.com/fadedwax/settlement-engine/internal/ledger"
	"github.com/fadedwax/settlement-engine/internal/notify"
	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/payout"
	"github.com/fadedwax/settlement-engine/internal/rail"
	"github.com/fadedwax/settlement-engine/internal/ratings"
	"github.com/fadedwax/settlement-engine/internal/refund"
	"github.com/fadedwax/settlement-engine/internal/settlement"
	"github.com/fadedwax/settlement-engine/internal/transport"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Starting settlement-engine...")

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	if err := db.Migrate(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	ctx := context.Background()
	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	calc, err := fees.NewCalculator(cfg.Fees)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid fee configuration")
	}
	notifier := notify.NewLogNotifier()

	ledgerRepo := ledger.NewRepository(pg.Pool)
	ledgerSvc := ledger.NewService(ledgerRepo, cfg.Fees)

	settlementRepo := settlement.NewRepository(pg.Pool)
	settlementSvc := settlement.NewService(settlementRepo, calc, ledgerSvc, notifier, cfg.App.Currency)

	directory := payee.NewDirectory(pg.Pool)

	// Rails come up only when their credentials are configured; payees
	// whose rail is missing park in awaiting_connect until it is.
	var cardRail *rail.StripeClient
	var batchRail *rail.PayPalClient
	availability := payout.RailAvailability{}
	if cfg.Stripe.SecretKey != "" {
		cardRail = rail.NewStripeClient(cfg.Stripe.SecretKey, cfg.RailTimeout)
		availability.Stripe = true
	}
	if cfg.PayPal.ClientID != "" && cfg.PayPal.Secret != "" {
		batchRail = rail.NewPayPalClient(cfg.PayPal.ClientID, cfg.PayPal.Secret, cfg.PayPal.BaseURL, cfg.RailTimeout)
		availability.PayPal = true
	}
	if !availability.Stripe && !availability.PayPal {
		log.Warn().Msg("No payment rail credentials configured, payouts and refunds will fail")
	}

	payoutRepo := payout.NewRepository(pg.Pool)
	payoutSvc := newPayoutService(payoutRepo, directory, cardRail, batchRail, notifier, payout.Config{
		BatchFeeRate: cfg.PayPalFeeRate,
		RailTimeout:  cfg.RailTimeout,
		Availability: availability,
	})

	refundRepo := refund.NewRepository(pg.Pool, settlementRepo)
	refundSvc := newRefundService(refundRepo, cardRail, batchRail, inventory.NewStore(pg.Pool), notifier, cfg.RailTimeout)

	ratingsSvc := ratings.NewService(ratings.NewRepository(pg.Pool))

	router := transport.NewRouter(transport.Services{
		Settlement: settlementSvc,
		Payouts:    payoutSvc,
		Refunds:    refundSvc,
		Ledger:     ledgerSvc,
		Ratings:    ratingsSvc,
		Directory:  directory,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("port", cfg.App.Port).Msg("Could not listen")
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server shutdown failed")
	}

	pg.Close()

	log.Info().Msg("Settlement-engine stopped gracefully.")
}

// newPayoutService keeps the nil-interface pitfall out of main: a nil
// *rail.StripeClient stored directly in the interface field would pass
// the availability check but panic on use.
func newPayoutService(repo payout.Repository, directory payee.Directory, cardRail *rail.StripeClient, batchRail *rail.PayPalClient, notifier notify.Notifier, cfg payout.Config) payout.Service {
	var card payout.CardTransferRail
	var batch payout.BatchPayoutRail
	if cardRail != nil {
		card = cardRail
	}
	if batchRail != nil {
		batch = batchRail
	}
	return payout.NewService(repo, directory, card, batch, notifier, cfg)
}

func newRefundService(repo refund.Repository, cardRail *rail.StripeClient, batchRail *rail.PayPalClient, store refund.InventoryStore, notifier notify.Notifier, timeout time.Duration) refund.Service {
	var card refund.CardRail
	var batch refund.BatchRail
	if cardRail != nil {
		card = cardRail
	}
	if batchRail != nil {
		batch = batchRail
	}
	return refund.NewService(repo, card, batch, store, notifier, timeout)
}
