// Package handlers implements the HTTP handlers for the Maestro
// orchestrator. Handlers stay thin: decode, call the core, encode. Error
// mapping from the core's sentinel errors to HTTP status lives here and
// nowhere else.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/cgrag"
	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/engine"
	"github.com/maestro-llm/maestro/internal/events"
	"github.com/maestro-llm/maestro/internal/pipeline"
	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/internal/supervisor"
	"github.com/maestro-llm/maestro/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config     *config.Config
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Engine     *engine.Engine
	Tracker    *pipeline.Tracker
	Bus        *events.Bus
	Retriever  *cgrag.Retriever
	Indexer    *cgrag.Indexer
	Profiles   *engine.ProfileSet
}

// ── Query ────────────────────────────────────────────────────

func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.Engine.Query(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Models ───────────────────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.List())
}

func (h *Handlers) ScanModels(w http.ResponseWriter, r *http.Request) {
	n, err := h.Registry.Scan()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	log.Info().Int("discovered", n).Msg("Registry scan requested")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"discovered": n,
		"models":     h.Registry.List(),
	})
}

func (h *Handlers) PatchModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")

	var patch models.ModelPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	m, err := h.Registry.Update(modelID, patch)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) EnableModel(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handlers) DisableModel(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	modelID := chi.URLParam(r, "modelID")
	var err error
	if enabled {
		err = h.Registry.Enable(modelID)
	} else {
		err = h.Registry.Disable(modelID)
	}
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	m, err := h.Registry.Get(modelID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// ── Servers ──────────────────────────────────────────────────

func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Supervisor.Status())
}

func (h *Handlers) StartServer(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if err := h.Supervisor.Start(r.Context(), modelID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"model_id": modelID, "state": string(models.ServerReady)})
}

func (h *Handlers) StopServer(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if err := h.Supervisor.Stop(r.Context(), modelID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"model_id": modelID, "state": string(models.ServerStopped)})
}

func (h *Handlers) RestartServer(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if err := h.Supervisor.Restart(r.Context(), modelID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"model_id": modelID, "state": string(models.ServerReady)})
}

func (h *Handlers) StartAllServers(w http.ResponseWriter, r *http.Request) {
	skipped, err := h.Supervisor.StartAll(r.Context(), h.Config.VRAMBudgetGB)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if skipped == nil {
		skipped = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"servers": h.Supervisor.Status(),
		"skipped": skipped,
	})
}

func (h *Handlers) StopAllServers(w http.ResponseWriter, r *http.Request) {
	if err := h.Supervisor.StopAll(r.Context()); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Supervisor.Status())
}

// ── Pipelines ────────────────────────────────────────────────

func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	p, err := h.Tracker.Get(queryID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) PipelineStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Tracker.Stats())
}

// ── Index ────────────────────────────────────────────────────

type indexRequest struct {
	Paths []string `json:"paths"`
}

// BuildIndex rebuilds the CGRAG index from the given paths and swaps it
// into the live retriever.
func (h *Handlers) BuildIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		respondError(w, http.StatusBadRequest, "paths is required")
		return
	}

	store, err := h.Indexer.Index(r.Context(), req.Paths, h.Config.IndexDir())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	h.Retriever.SwapStore(store)

	count, _ := store.Count(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{"chunks": count})
}

// ── Settings & profiles ──────────────────────────────────────

func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.Settings)
}

// UpdateSettings persists new runtime settings. Running servers and the
// engine pick them up on restart.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := config.SaveSettings(h.Config.SettingsPath(), s); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Config.Settings = s
	respondJSON(w, http.StatusOK, s)
}

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"profiles": h.Profiles.Names()})
}

// ── Helpers ──────────────────────────────────────────────────

// statusFor maps the core's sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPortConflict),
		errors.Is(err, models.ErrPortBusy),
		errors.Is(err, models.ErrPortExhausted),
		errors.Is(err, models.ErrIndexMissing):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoModelAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrDeadline):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
