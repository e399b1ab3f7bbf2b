package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/ledger"
	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/payout"
	"github.com/fadedwax/settlement-engine/internal/ratings"
	"github.com/fadedwax/settlement-engine/internal/refund"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		details[fieldErr.Field()] = "failed on the '" + fieldErr.Tag() + "' rule"
	}
	return details
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, settlement.ErrValidation),
		errors.Is(err, refund.ErrInvalidAmount),
		errors.Is(err, ratings.ErrInvalidRating):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrOrderNotFound),
		errors.Is(err, payout.ErrObligationNotFound),
		errors.Is(err, payee.ErrPayeeNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ratings.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrDuplicateOrder),
		errors.Is(err, payout.ErrDispatchInFlight),
		errors.Is(err, payout.ErrObligationClosed),
		errors.Is(err, refund.ErrConflict),
		errors.Is(err, ratings.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, refund.ErrExceedsCap):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
