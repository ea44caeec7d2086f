package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/simpleclaw/fleet/internal/authn"
	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/modelrouter"
	"github.com/simpleclaw/fleet/internal/state"
)

// Deps carries everything the route handlers need.
type Deps struct {
	Store       *state.Store
	Google      authn.Verifier
	Apple       authn.Verifier
	Controller  *lifecycle.Controller
	Coordinator *lifecycle.Coordinator
	Router      modelrouter.API
	Marketplace *converge.Marketplace

	AdminToken    string
	WebhookSecret string
	GatewayPort   int
}

// Server wraps the HTTP server and mux for the fleet API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a new API server wired with all routes.
func NewServer(listenAddress string, port int, apiMaxBodyBytes int64, d Deps) *Server {
	mux := http.NewServeMux()

	// Public (no bearer auth).
	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("POST /api/v1/auth/google", HandleSignIn(d.Store, d.Google))
	mux.Handle("POST /api/v1/auth/apple", HandleSignIn(d.Store, d.Apple))
	mux.Handle("POST /api/v1/payments/webhook/{secret}", HandlePaymentWebhook(d.WebhookSecret, d.Coordinator))
	mux.Handle("GET /internal/ws-auth", HandleWsAuth(NewWsAuth(d.Store, d.GatewayPort)))

	// User routes (opaque API token).
	user := http.NewServeMux()
	user.Handle("GET /api/v1/server/status", HandleServerStatus(d.Store, d.Router))
	user.Handle("POST /api/v1/server/redeploy", HandleRedeploy(d.Store, d.Controller))
	user.Handle("GET /api/v1/server/models", HandleListModels())
	user.Handle("POST /api/v1/server/set-model", HandleSetModel(d.Store, d.Controller))
	user.Handle("POST /api/v1/server/pairing/approve", HandleApprovePairing(d.Store, d.Controller))
	user.Handle("POST /api/v1/server/skills/install", HandleInstallSkill(d.Store, d.Controller))
	user.Handle("POST /api/v1/server/skills/uninstall", HandleUninstallSkill(d.Store, d.Controller))
	user.Handle("GET /api/v1/server/skills/search", HandleSearchSkills(d.Marketplace))
	user.Handle("POST /api/v1/server/extension", HandleSetExtension(d.Store, d.Controller))
	user.Handle("GET /api/v1/subscription", HandleGetSubscription(d.Store))
	user.Handle("POST /api/v1/subscription/checkout", HandleCheckout(d.Coordinator))
	user.Handle("POST /api/v1/subscription/cancel", HandleCancelSubscription(d.Coordinator))
	user.Handle("POST /api/v1/subscription/reactivate", HandleReactivateSubscription(d.Coordinator))

	// The exact-path registrations above win over this subtree.
	mux.Handle("/api/v1/", UserAuthMiddleware(d.Store, user))

	// Admin routes (static token).
	mux.Handle("GET /api/v1/admin/pool", AdminAuthMiddleware(d.AdminToken, HandlePoolStatus(d.Store)))

	handler := RequestBodyLimitMiddleware(apiMaxBodyBytes, mux)
	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: handler,
	}

	return &Server{
		httpServer: srv,
		handler:    handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
