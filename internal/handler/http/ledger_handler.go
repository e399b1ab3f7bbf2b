package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/ledger"
)

type LedgerHandler struct {
	service ledger.Service
}

func NewLedgerHandler(service ledger.Service) *LedgerHandler {
	return &LedgerHandler{service: service}
}

func (h *LedgerHandler) RegisterRoutes(router chi.Router) {
	router.Get("/ledger/{orderID}", h.handleGetEntry)
}

func (h *LedgerHandler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "orderID")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	entry, err := h.service.Get(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get ledger entry via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, ledger.ErrEntryNotFound) {
			clientMessage = "Ledger entry not found"
		} else {
			clientMessage = "Failed to get ledger entry"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}
