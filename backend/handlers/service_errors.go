package handlers

import (
	"errors"
	"net/http"

	"github.com/primoscope/echotune-router/backend/services"
	"github.com/primoscope/echotune-router/backend/services/routing"
	"github.com/primoscope/echotune-router/backend/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps routing errors to HTTP responses. Caller mistakes
// map to 4xx; upstream provider trouble maps to 502/503 so clients can tell
// the two apart.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	// A fully exhausted fallback chain carries its attempt trail
	var exhausted *routing.ExhaustedError
	if errors.As(err, &exhausted) {
		details := map[string]interface{}{"attempts": exhausted.Attempts}
		writeOrLog(logger, utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse{
			Error:   "all_providers_failed",
			Message: exhausted.Error(),
			Details: details,
		}))
		return
	}

	var routingErr *services.RoutingError
	if !errors.As(err, &routingErr) {
		logger.Error("unhandled error type", zap.Error(err))
		writeOrLog(logger, utils.WriteInternalServerError(w, "An unexpected error occurred"))
		return
	}

	details := routingErr.Details

	switch routingErr.Kind {
	case services.KindValidation:
		writeOrLog(logger, utils.WriteBadRequest(w, routingErr.Message, details))

	case services.KindModelUnavailable:
		writeOrLog(logger, utils.WriteNotFound(w, routingErr.Message))

	case services.KindRateLimit:
		writeOrLog(logger, utils.WriteTooManyRequests(w, routingErr.Message, details))

	case services.KindCircuitOpen:
		writeOrLog(logger, utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse{
			Error:   "no_healthy_provider",
			Message: routingErr.Message,
			Details: details,
		}))

	case services.KindAuthentication, services.KindTransient:
		// Upstream credentials or transient provider trouble, not the
		// caller's fault
		writeOrLog(logger, utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse{
			Error:   "provider_error",
			Message: routingErr.Message,
			Details: details,
		}))

	default:
		logger.Error("internal routing error", zap.Error(err))
		writeOrLog(logger, utils.WriteInternalServerError(w, "An internal error occurred"))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		writeOrLog(logger, utils.WriteBadRequest(w, "Validation failed", details))
		return
	}

	writeOrLog(logger, utils.WriteBadRequest(w, err.Error(), nil))
}

func writeOrLog(logger *zap.Logger, err error) {
	if err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}
