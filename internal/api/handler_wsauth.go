package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/maypok86/otter"

	"github.com/simpleclaw/fleet/internal/state"
)

// wsAuthCacheTTL bounds how long a revoked gateway token keeps working.
const wsAuthCacheTTL = time.Minute

// WsAuth authorizes websocket upgrades proxied to user nodes. The edge
// proxy subrequests here with the client's gateway token; the response
// header names the node to forward to.
type WsAuth struct {
	store       *state.Store
	gatewayPort int
	cache       otter.Cache[string, string]
}

// NewWsAuth builds the authorizer with a short-TTL token cache so a
// chatty websocket client does not hammer the database.
func NewWsAuth(store *state.Store, gatewayPort int) *WsAuth {
	cache, err := otter.MustBuilder[string, string](4096).
		WithTTL(wsAuthCacheTTL).
		Build()
	if err != nil {
		panic(err)
	}
	return &WsAuth{store: store, gatewayPort: gatewayPort, cache: cache}
}

// HandleWsAuth returns a handler for GET /internal/ws-auth.
func HandleWsAuth(wa *WsAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Gateway-Token")
		if token == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing gateway token")
			return
		}

		if upstream, ok := wa.cache.Get(token); ok {
			w.Header().Set("X-Ws-Upstream", upstream)
			w.WriteHeader(http.StatusOK)
			return
		}

		n, err := wa.store.GetNodeByGatewayToken(token)
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusForbidden, "FORBIDDEN", "unknown gateway token")
			return
		}
		if err != nil {
			writeOpError(w, err)
			return
		}

		upstream := net.JoinHostPort(n.IP, strconv.Itoa(wa.gatewayPort))
		wa.cache.Set(token, upstream)
		w.Header().Set("X-Ws-Upstream", upstream)
		w.WriteHeader(http.StatusOK)
	}
}
