// Command ledger-backfill replays historical settled orders into the
// sales ledger. Entries already present are left untouched, so the
// command is safe to run repeatedly.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/config"
	"github.com/fadedwax/settlement-engine/internal/db"
	"github.com/fadedwax/settlement-engine/internal/ledger"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx := context.Background()
	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	ledgerSvc := ledger.NewService(ledger.NewRepository(pg.Pool), cfg.Fees)
	orders := settlement.NewRepository(pg.Pool)

	result, err := ledgerSvc.Backfill(ctx, orders)
	if err != nil {
		log.Fatal().Err(err).Msg("Backfill failed")
	}

	log.Info().
		Int("scanned", result.Scanned).
		Int("inserted", result.Inserted).
		Int("already_present", result.AlreadyPresent).
		Int("skipped_cancelled", result.SkippedCancelled).
		Int("skipped_test", result.SkippedTest).
		Int("fees_estimated", result.FeesEstimated).
		Msg("Backfill complete")
}
