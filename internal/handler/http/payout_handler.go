package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/payout"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type PayoutHandler struct {
	service   payout.Service
	directory payee.Directory
}

func NewPayoutHandler(service payout.Service, directory payee.Directory) *PayoutHandler {
	return &PayoutHandler{
		service:   service,
		directory: directory,
	}
}

func (h *PayoutHandler) RegisterRoutes(router chi.Router) {
	router.Post("/obligations/{id}/dispatch", h.handleDispatch)
	router.Get("/obligations/{id}", h.handleGetObligation)
	router.Get("/obligations", h.handleListObligations)
	router.Post("/payouts/retry-sweep", h.handleRetrySweep)
	router.Get("/payees/{id}", h.handleGetPayee)
	router.Get("/payees/{id}/payouts", h.handleListPayouts)
}

func (h *PayoutHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	obligationID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("obligation_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	result, err := h.service.Dispatch(r.Context(), obligationID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to dispatch obligation via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		switch {
		case errors.Is(err, payout.ErrObligationNotFound):
			clientMessage = "Obligation not found"
		case errors.Is(err, payout.ErrObligationClosed):
			clientMessage = "Obligation is already settled"
		case errors.Is(err, payout.ErrDispatchInFlight):
			clientMessage = "Another dispatch for this obligation is in flight"
		case errors.Is(err, payee.ErrPayeeNotFound):
			clientMessage = "Payee not found"
		default:
			clientMessage = "Failed to dispatch obligation"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	// A nil payout means no money had to move: the obligation was
	// cleared (zero amount) or parked awaiting payee onboarding.
	if result == nil {
		obligation, err := h.service.GetObligation(r.Context(), obligationID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload obligation after dispatch")
			respondWithError(w, mapErrorToStatusCode(err), "Failed to dispatch obligation")
			return
		}
		respondWithJSON(w, http.StatusOK, obligation)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *PayoutHandler) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	obligationID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("obligation_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	obligation, err := h.service.GetObligation(r.Context(), obligationID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get obligation via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, payout.ErrObligationNotFound) {
			clientMessage = "Obligation not found"
		} else {
			clientMessage = "Failed to get obligation"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, obligation)
}

var obligationStatuses = map[string]settlement.ObligationStatus{
	"pending":          settlement.ObligationPending,
	"processing":       settlement.ObligationProcessing,
	"completed":        settlement.ObligationCompleted,
	"retry_pending":    settlement.ObligationRetryPending,
	"awaiting_connect": settlement.ObligationAwaitingConnect,
	"cleared":          settlement.ObligationCleared,
}

func (h *PayoutHandler) handleListObligations(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	status, ok := obligationStatuses[statusParam]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid or missing status parameter")
		return
	}

	obligations, err := h.service.ListObligations(r.Context(), status)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list obligations via service")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to list obligations")
		return
	}

	respondWithJSON(w, http.StatusOK, obligations)
}

func (h *PayoutHandler) handleRetrySweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RetrySweep(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to run retry sweep via service")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to run retry sweep")
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *PayoutHandler) handleGetPayee(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	payeeID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("payee_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	found, err := h.directory.Get(r.Context(), payeeID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get payee via directory")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, payee.ErrPayeeNotFound) {
			clientMessage = "Payee not found"
		} else {
			clientMessage = "Failed to get payee"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, found)
}

func (h *PayoutHandler) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	payeeID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("payee_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	payouts, err := h.service.ListPayouts(r.Context(), payeeID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list payouts via service")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to list payouts")
		return
	}

	respondWithJSON(w, http.StatusOK, payouts)
}
