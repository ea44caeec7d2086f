package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/modelrouter"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/payments"
	"github.com/simpleclaw/fleet/internal/state"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", tooLarge.Error())
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeOpError maps domain errors onto HTTP status codes. Unmapped
// errors are logged and reported as a generic 500.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, state.ErrConflict):
		WriteError(w, http.StatusConflict, "CONFLICT", "conflicting state change")
	case errors.Is(err, lifecycle.ErrDeployInFlight):
		WriteError(w, http.StatusConflict, "DEPLOY_IN_FLIGHT", "a deploy is already running on your server")
	case errors.Is(err, lifecycle.ErrNoCapacity):
		WriteError(w, http.StatusServiceUnavailable, "NO_CAPACITY", "no server capacity available right now")
	case errors.Is(err, lifecycle.ErrSubscriptionExpired):
		WriteError(w, http.StatusConflict, "SUBSCRIPTION_EXPIRED", err.Error())
	case errors.Is(err, notify.ErrInvalidBotToken):
		writeInvalidArgument(w, "invalid bot token")
	case errors.Is(err, modelrouter.ErrUnavailable), errors.Is(err, payments.ErrUnavailable):
		WriteError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "an upstream service is unavailable, try again")
	default:
		log.Printf("[api] internal error: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
