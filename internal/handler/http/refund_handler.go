package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/refund"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type CreateRefundRequest struct {
	// Amount in pence; zero or omitted refunds the full remaining amount.
	Amount       int64       `json:"amount_pence" validate:"gte=0"`
	Reason       string      `json:"reason"`
	RestoreItems []uuid.UUID `json:"restore_items,omitempty"`
}

type RefundHandler struct {
	service  refund.Service
	validate *validator.Validate
}

func NewRefundHandler(service refund.Service) *RefundHandler {
	return &RefundHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *RefundHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders/{id}/refunds", h.handleCreateRefund)
	router.Get("/orders/{id}/refunds", h.handleListRefunds)
}

func (h *RefundHandler) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	var requestPayload CreateRefundRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&requestPayload); err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(requestPayload); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if ok {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		}
		return
	}

	created, err := h.service.Refund(r.Context(), orderID, refund.Request{
		Amount:       money.Pence(requestPayload.Amount),
		Reason:       requestPayload.Reason,
		RestoreItems: requestPayload.RestoreItems,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to refund order via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		switch {
		case errors.Is(err, settlement.ErrOrderNotFound):
			clientMessage = "Order not found"
		case errors.Is(err, refund.ErrExceedsCap):
			clientMessage = "Refund amount exceeds the remaining refundable amount"
		case errors.Is(err, refund.ErrInvalidAmount):
			clientMessage = "Invalid refund amount"
		case errors.Is(err, refund.ErrConflict):
			clientMessage = "Refund conflicted with a concurrent refund, try again"
		default:
			clientMessage = "Failed to refund order"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	// A declined rail call still produces a record; surface it as-is so
	// the caller can tell a failed refund from a rejected request.
	respondWithJSON(w, http.StatusCreated, created)
}

func (h *RefundHandler) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	refunds, err := h.service.ListByOrder(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list refunds via service")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to list refunds")
		return
	}

	respondWithJSON(w, http.StatusOK, refunds)
}
