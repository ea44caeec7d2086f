package api

import (
	"net/http"

	"github.com/simpleclaw/fleet/internal/authn"
	"github.com/simpleclaw/fleet/internal/state"
)

type signInRequest struct {
	IDToken string `json:"id_token"`
}

type signInResponse struct {
	Token string     `json:"token"`
	User  signInUser `json:"user"`
}

type signInUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// HandleSignIn returns a handler for POST /api/v1/auth/{google,apple}.
// It verifies the OAuth ID token, finds or creates the account and
// mints an opaque API token.
func HandleSignIn(store *state.Store, verifier authn.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.IDToken == "" {
			writeInvalidArgument(w, "id_token is required")
			return
		}

		id, err := verifier.Verify(r.Context(), req.IDToken)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "id token verification failed")
			return
		}

		u, err := store.UpsertUser(id.Email, id.Provider, id.Subject)
		if err != nil {
			writeOpError(w, err)
			return
		}
		token, err := authn.NewAPIToken()
		if err != nil {
			writeOpError(w, err)
			return
		}
		if err := store.InsertAPIToken(token, u.ID); err != nil {
			writeOpError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, signInResponse{
			Token: token,
			User:  signInUser{ID: u.ID, Email: u.Email},
		})
	}
}
