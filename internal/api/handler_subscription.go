package api

import (
	"net/http"
	"time"

	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/state"
)

type checkoutRequest struct {
	BotToken string `json:"bot_token"`
	Model    string `json:"model,omitempty"`
}

type checkoutResponse struct {
	ConfirmationURL string `json:"confirmation_url"`
}

// HandleCheckout returns a handler for POST /api/v1/subscription/checkout.
// It validates the bot token against the messaging API and opens a
// gateway checkout; the returned URL completes the payment.
func HandleCheckout(co *lifecycle.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkoutRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.BotToken == "" {
			writeInvalidArgument(w, "bot_token is required")
			return
		}
		if req.Model != "" && !modelSlugRe.MatchString(req.Model) {
			writeInvalidArgument(w, "model: invalid model identifier")
			return
		}
		url, err := co.StartCheckout(r.Context(), UserID(r), req.BotToken, req.Model)
		if err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, checkoutResponse{ConfirmationURL: url})
	}
}

type subscriptionResponse struct {
	Active      bool   `json:"active"`
	AutoRenew   bool   `json:"auto_renew"`
	Status      string `json:"status"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// HandleGetSubscription returns a handler for GET /api/v1/subscription.
func HandleGetSubscription(store *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := store.GetSubscriptionByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, subscriptionResponse{
			Active:      sub.Active,
			AutoRenew:   sub.AutoRenew,
			Status:      sub.Status,
			PeriodStart: time.Unix(0, sub.PeriodStartNs).UTC().Format(time.RFC3339),
			PeriodEnd:   time.Unix(0, sub.PeriodEndNs).UTC().Format(time.RFC3339),
		})
	}
}

type cancelRequest struct {
	Immediate bool `json:"immediate,omitempty"`
}

// HandleCancelSubscription returns a handler for POST /api/v1/subscription/cancel.
// By default the service runs to period end; immediate=true tears it
// down now.
func HandleCancelSubscription(co *lifecycle.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cancelRequest{}
		if r.ContentLength != 0 {
			if err := DecodeBody(r, &req); err != nil {
				writeDecodeBodyError(w, err)
				return
			}
		}
		if err := co.CancelSubscription(r.Context(), UserID(r), req.Immediate); err != nil {
			writeOpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleReactivateSubscription returns a handler for POST /api/v1/subscription/reactivate.
// Only undoes a period-end cancellation; an expired subscription needs
// a new checkout.
func HandleReactivateSubscription(co *lifecycle.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := co.ReactivateSubscription(UserID(r)); err != nil {
			writeOpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
