package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type OrderItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Type      string    `json:"type" validate:"required,oneof=digital track vinyl merch giftcard"`
	PayeeID   uuid.UUID `json:"payee_id"`
	UnitPrice int64     `json:"unit_price_pence" validate:"gte=0"`
	Quantity  int       `json:"quantity" validate:"required,gt=0"`
}

type CreateOrderRequest struct {
	// CustomerID is Nil for guest checkout.
	CustomerID       uuid.UUID          `json:"customer_id"`
	CustomerEmail    string             `json:"customer_email" validate:"required,email"`
	CustomerName     string             `json:"customer_name" validate:"required"`
	Items            []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	Shipping         int64              `json:"shipping_pence" validate:"gte=0"`
	ShippingAddress  string             `json:"shipping_address"`
	PaymentMethod    string             `json:"payment_method" validate:"required,oneof=stripe paypal free"`
	PaymentReference string             `json:"payment_reference"`
	Test             bool               `json:"test"`
}

type OrderHandler struct {
	service  settlement.Service
	validate *validator.Validate
}

func NewOrderHandler(service settlement.Service) *OrderHandler {
	return &OrderHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders", h.handleCreateOrder)
	router.Get("/orders/{id}", h.handleGetOrder)
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateOrderRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&requestPayload); err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
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

	input := settlement.CreateOrderInput{
		Customer: settlement.Customer{
			UserID: requestPayload.CustomerID,
			Email:  requestPayload.CustomerEmail,
			Name:   requestPayload.CustomerName,
		},
		Shipping:         money.Pence(requestPayload.Shipping),
		ShippingAddress:  requestPayload.ShippingAddress,
		PaymentMethod:    settlement.PaymentMethod(requestPayload.PaymentMethod),
		PaymentReference: requestPayload.PaymentReference,
		Test:             requestPayload.Test,
	}
	for _, item := range requestPayload.Items {
		input.Items = append(input.Items, settlement.NewLineItem{
			ProductID: item.ProductID,
			Type:      settlement.ItemType(item.Type),
			PayeeID:   item.PayeeID,
			UnitPrice: money.Pence(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}

	created, err := h.service.BuildOrder(r.Context(), input)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build order via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, settlement.ErrDuplicateOrder) {
			clientMessage = "Order with that payment reference already exists"
		} else if errors.Is(err, settlement.ErrValidation) {
			clientMessage = err.Error()
		} else {
			clientMessage = "Failed to build order"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get order via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, settlement.ErrOrderNotFound) {
			clientMessage = "Order not found"
		} else {
			clientMessage = "Failed to get order"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, order)
}
