package api

import (
	"net/http"

	"github.com/simpleclaw/fleet/internal/state"
)

// HandlePoolStatus returns a handler for GET /api/v1/admin/pool.
func HandlePoolStatus(store *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.GetPoolCounts()
		if err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, counts)
	}
}
