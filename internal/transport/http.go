// Package transport assembles the HTTP surface on top of the domain
// services.
package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	handler "github.com/fadedwax/settlement-engine/internal/handler/http"
	"github.com/fadedwax/settlement-engine/internal/ledger"
	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/payout"
	"github.com/fadedwax/settlement-engine/internal/ratings"
	"github.com/fadedwax/settlement-engine/internal/refund"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type Services struct {
	Settlement settlement.Service
	Payouts    payout.Service
	Refunds    refund.Service
	Ledger     ledger.Service
	Ratings    ratings.Service
	Directory  payee.Directory
}

func NewRouter(svcs Services) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	handler.NewOrderHandler(svcs.Settlement).RegisterRoutes(r)
	handler.NewRefundHandler(svcs.Refunds).RegisterRoutes(r)
	handler.NewPayoutHandler(svcs.Payouts, svcs.Directory).RegisterRoutes(r)
	handler.NewRatingHandler(svcs.Ratings).RegisterRoutes(r)
	handler.NewLedgerHandler(svcs.Ledger).RegisterRoutes(r)

	return r
}
