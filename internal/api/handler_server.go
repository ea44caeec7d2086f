package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/modelrouter"
	"github.com/simpleclaw/fleet/internal/state"
)

type nodeStatus struct {
	State          model.NodeState   `json:"state"`
	Stage          model.DeployStage `json:"stage"`
	RuntimeRunning bool              `json:"runtime_running"`
	LastError      string            `json:"last_error,omitempty"`
}

type usageStatus struct {
	UsageUSD float64 `json:"usage_usd"`
	LimitUSD float64 `json:"limit_usd"`
}

type serverStatusResponse struct {
	SubscriptionStatus string       `json:"subscription_status"`
	SelectedModel      string       `json:"selected_model"`
	BotUsername        string       `json:"bot_username,omitempty"`
	ExtensionEnabled   bool         `json:"extension_enabled"`
	Node               *nodeStatus  `json:"node,omitempty"`
	Usage              *usageStatus `json:"usage,omitempty"`
}

// HandleServerStatus returns a handler for GET /api/v1/server/status.
// Usage is read live from the model router and persisted best-effort.
func HandleServerStatus(store *state.Store, router modelrouter.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}

		resp := serverStatusResponse{
			SubscriptionStatus: p.SubscriptionStatus,
			SelectedModel:      p.SelectedModel,
			BotUsername:        p.BotUsername,
			ExtensionEnabled:   p.ExtensionEnabled,
		}

		n, err := store.GetNodeByProfileID(p.ID)
		switch {
		case err == nil:
			resp.Node = &nodeStatus{
				State:          n.State,
				Stage:          n.Stage,
				RuntimeRunning: n.RuntimeRunning,
				LastError:      n.LastError,
			}
		case !errors.Is(err, state.ErrNotFound):
			writeOpError(w, err)
			return
		}

		if p.RouterKey != "" {
			u, uerr := router.CheckKeyUsage(r.Context(), p.RouterKey)
			if uerr != nil {
				log.Printf("[api] usage check for profile %d: %v", p.ID, uerr)
				resp.Usage = &usageStatus{UsageUSD: p.UsageUSD, LimitUSD: p.LimitUSD}
			} else {
				resp.Usage = &usageStatus{UsageUSD: u.UsageUSD, LimitUSD: u.LimitUSD}
				if err := store.SetProfileUsage(p.ID, u.UsageUSD, u.LimitUSD); err != nil {
					log.Printf("[api] persist usage for profile %d: %v", p.ID, err)
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleRedeploy returns a handler for POST /api/v1/server/redeploy.
// The rebuild is slow, so the request only schedules a durable job; the
// dispatcher runs the deploy detached from the connection, and a client
// that hangs up cannot cancel it mid-command.
func HandleRedeploy(store *state.Store, ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		n, err := store.GetNodeByProfileID(p.ID)
		if err != nil {
			writeOpError(w, err)
			return
		}
		if ctl.Busy(n.ID) {
			writeOpError(w, lifecycle.ErrDeployInFlight)
			return
		}
		job := &model.Job{
			ID:      uuid.NewString(),
			Kind:    lifecycle.JobKindRedeploy,
			Payload: fmt.Sprintf(`{"user_id": %d}`, UserID(r)),
		}
		if err := store.EnqueueJob(job); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	}
}

// modelSlugRe bounds what reaches the model resolver.
var modelSlugRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type setModelRequest struct {
	Model string `json:"model"`
}

// HandleSetModel returns a handler for POST /api/v1/server/set-model.
// The new model is persisted only after the node demonstrably runs it.
func HandleSetModel(store *state.Store, ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setModelRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if !modelSlugRe.MatchString(req.Model) {
			writeInvalidArgument(w, "model: invalid model identifier")
			return
		}
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		if _, err := ctl.Engine.ResolveModel(req.Model); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if err := ctl.SetModel(r.Context(), p.ID, req.Model); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"model": req.Model})
	}
}

// HandleListModels returns a handler for GET /api/v1/server/models.
func HandleListModels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string][]string{"models": converge.KnownModels()})
	}
}

// pairingCodeRe mirrors what the runtime accepts as a pairing code.
var pairingCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type approvePairingRequest struct {
	Code string `json:"code"`
}

// HandleApprovePairing returns a handler for POST /api/v1/server/pairing/approve.
func HandleApprovePairing(store *state.Store, ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req approvePairingRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if !pairingCodeRe.MatchString(req.Code) {
			writeInvalidArgument(w, "code: invalid pairing code")
			return
		}
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		if err := ctl.ApprovePairing(r.Context(), p.ID, req.Code); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	}
}

var skillNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type installSkillRequest struct {
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
}

// HandleInstallSkill returns a handler for POST /api/v1/server/skills/install.
func HandleInstallSkill(store *state.Store, ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req installSkillRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if !skillNameRe.MatchString(req.Name) {
			writeInvalidArgument(w, "name: invalid skill name")
			return
		}
		if !strings.HasPrefix(req.SourceURL, "https://github.com/") {
			writeInvalidArgument(w, "source_url: must be a public github repository")
			return
		}
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		if err := ctl.InstallSkill(r.Context(), p.ID, req.Name, req.SourceURL); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "installed"})
	}
}

type uninstallSkillRequest struct {
	Name string `json:"name"`
}

// HandleUninstallSkill returns a handler for POST /api/v1/server/skills/uninstall.
func HandleUninstallSkill(store *state.Store, ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req uninstallSkillRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if !skillNameRe.MatchString(req.Name) {
			writeInvalidArgument(w, "name: invalid skill name")
			return
		}
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		if err := ctl.UninstallSkill(r.Context(), p.ID, req.Name); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
	}
}

// HandleSearchSkills returns a handler for GET /api/v1/server/skills/search.
func HandleSearchSkills(market *converge.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeInvalidArgument(w, "q: search query is required")
			return
		}
		skills, err := market.Search(r.Context(), q)
		if err != nil {
			writeOpError(w, err)
			return
		}
		if skills == nil {
			skills = []converge.Skill{}
		}
		WriteJSON(w, http.StatusOK, map[string][]converge.Skill{"skills": skills})
	}
}

type setExtensionRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetExtension returns a handler for POST /api/v1/server/extension.
func HandleSetExtension(store *state.Store, ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setExtensionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		p, err := store.GetProfileByUserID(UserID(r))
		if err != nil {
			writeOpError(w, err)
			return
		}
		if err := ctl.SetExtension(r.Context(), p.ID, req.Enabled); err != nil {
			writeOpError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	}
}
