package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/payments"
)

// HandlePaymentWebhook returns a handler for POST /api/v1/payments/webhook/{secret}.
// The gateway cannot send an Authorization header, so the shared secret
// rides in the path. Replayed events are acknowledged with 200 so the
// gateway stops retrying; handler errors return 500 to trigger a retry.
func HandlePaymentWebhook(secret string, co *lifecycle.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.PathValue("secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			WriteError(w, http.StatusForbidden, "FORBIDDEN", "unknown webhook path")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeInvalidArgument(w, "unreadable body")
			return
		}
		ev, err := payments.ParseWebhook(body)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		if err := co.HandleWebhook(r.Context(), ev); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
