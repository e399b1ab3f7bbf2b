package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/ratings"
)

type RateReleaseRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Rating int       `json:"rating" validate:"required,gte=1,lte=5"`
}

type RatingHandler struct {
	service  ratings.Service
	validate *validator.Validate
}

func NewRatingHandler(service ratings.Service) *RatingHandler {
	return &RatingHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *RatingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/releases/{id}/ratings", h.handleRateRelease)
	router.Get("/releases/{id}/rating", h.handleGetRating)
}

func (h *RatingHandler) handleRateRelease(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	releaseID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("release_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	var requestPayload RateReleaseRequest

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

	aggregate, err := h.service.Rate(r.Context(), releaseID, requestPayload.UserID, requestPayload.Rating)
	if err != nil {
		log.Error().Err(err).Msg("Failed to rate release via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, ratings.ErrInvalidRating) {
			clientMessage = "Rating must be between 1 and 5"
		} else if errors.Is(err, ratings.ErrConflict) {
			clientMessage = "Rating conflicted with concurrent updates, try again"
		} else {
			clientMessage = "Failed to rate release"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, aggregate)
}

func (h *RatingHandler) handleGetRating(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	releaseID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("release_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	aggregate, err := h.service.Get(r.Context(), releaseID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get rating via service")

		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, ratings.ErrNotFound) {
			clientMessage = "Release has no ratings"
		} else {
			clientMessage = "Failed to get rating"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, aggregate)
}
