// Package api serves the local admin and dashboard HTTP API consumed by
// the POS UI: engine status, queue and DLQ inspection, conflict
// resolution, device presence, and session management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/muntu/possync/internal/conflict"
	"github.com/muntu/possync/internal/device"
	"github.com/muntu/possync/internal/orchestrator"
	"github.com/muntu/possync/internal/remote"
	"github.com/muntu/possync/internal/replicator"
	possync "github.com/muntu/possync/internal/sync"
)

// Store is the persistence surface the handlers need.
type Store interface {
	Enqueue(ctx context.Context, op possync.Operation, entityType possync.EntityType, entityID string, payload possync.Envelope, priority int) (*possync.QueueItem, error)
	UpsertEntity(ctx context.Context, entityType possync.EntityType, entityID string, payload json.RawMessage, updatedAt time.Time, synced bool) error
	DeleteEntity(ctx context.Context, entityType possync.EntityType, entityID string) error
	ListQueue(ctx context.Context, limit int) ([]possync.QueueItem, error)
	GetQueueStats(ctx context.Context, now time.Time) (*possync.QueueStats, error)
	ListDeadLetters(ctx context.Context, limit int) ([]possync.DeadLetterItem, error)
	RetryDeadLetter(ctx context.Context, id string) (*possync.QueueItem, error)
	DiscardDeadLetter(ctx context.Context, id string) error
}

// Engine is the orchestrator surface the handlers need.
type Engine interface {
	Status() orchestrator.StatusSnapshot
	ForcePush(ctx context.Context) (replicator.PushStats, error)
	ForcePull(ctx context.Context) (replicator.PullStats, error)
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context) error
}

// Conflicts is the resolver surface the handlers need.
type Conflicts interface {
	List(ctx context.Context) ([]possync.ConflictRecord, error)
	Resolve(ctx context.Context, id string, resolution possync.Resolution) error
}

// Devices is the registry surface the handlers need.
type Devices interface {
	List(ctx context.Context, now time.Time) ([]device.View, error)
}

// Handler implements the admin API handlers.
type Handler struct {
	store     Store
	engine    Engine
	conflicts Conflicts
	devices   Devices
	apiKey    string
	version   string
}

// NewHandler creates a Handler.
func NewHandler(store Store, engine Engine, conflicts Conflicts, devices Devices, apiKey, version string) *Handler {
	return &Handler{
		store:     store,
		engine:    engine,
		conflicts: conflicts,
		devices:   devices,
		apiKey:    apiKey,
		version:   version,
	}
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// statusResponse joins the engine snapshot with the headline queue
// counters the dashboard polls for.
type statusResponse struct {
	orchestrator.StatusSnapshot
	Pending             int `json:"pending"`
	UnresolvedConflicts int `json:"unresolvedConflicts"`
	DeadLettered        int `json:"deadLettered"`
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetQueueStats(r.Context(), time.Now().UTC())
	if err != nil {
		slog.Error("status query failed", "error", err)
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		StatusSnapshot:      h.engine.Status(),
		Pending:             stats.Pending,
		UnresolvedConflicts: stats.UnresolvedConflicts,
		DeadLettered:        stats.DeadLettered,
	})
}

// SyncStats handles GET /api/v1/sync/stats.
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetQueueStats(r.Context(), time.Now().UTC())
	if err != nil {
		slog.Error("stats query failed", "error", err)
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ForcePush handles POST /api/v1/sync/push.
func (h *Handler) ForcePush(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.ForcePush(r.Context())
	if err != nil {
		writeCycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ForcePull handles POST /api/v1/sync/pull.
func (h *Handler) ForcePull(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.ForcePull(r.Context())
	if err != nil {
		writeCycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeCycleError maps a force-cycle failure onto a problem response.
func writeCycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrCycleInProgress):
		WriteProblem(w, r, http.StatusConflict, "A sync cycle is already in progress")
	case errors.Is(err, orchestrator.ErrLoggedOut):
		WriteProblem(w, r, http.StatusConflict, "Not logged in")
	default:
		WriteProblem(w, r, http.StatusBadGateway, "Sync cycle failed: "+err.Error())
	}
}

// enqueueRequest is the POS UI's record-a-mutation request.
type enqueueRequest struct {
	Operation  possync.Operation  `json:"operation"`
	EntityType possync.EntityType `json:"entityType"`
	EntityID   string             `json:"entityId"`
	Data       json.RawMessage    `json:"data,omitempty"`
}

// EnqueueMutation handles POST /api/v1/sync/queue: the single entry point
// through which local business operations reach the engine. The entity
// row cache and the queue row are written together so the merge policy
// sees the mutation as unsynced immediately.
func (h *Handler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if !req.Operation.Valid() {
		WriteProblem(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("Unknown operation %q", req.Operation))
		return
	}
	if !req.EntityType.Valid() {
		WriteProblem(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("Unknown entity type %q", req.EntityType))
		return
	}
	if req.EntityID == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "entityId is required")
		return
	}

	envelope := possync.Envelope{
		EntityType:    req.EntityType,
		SchemaVersion: possync.SchemaVersion,
		Data:          req.Data,
	}
	if req.Operation != possync.OperationDelete {
		if len(req.Data) == 0 {
			WriteProblem(w, r, http.StatusUnprocessableEntity, "data is required for create and update")
			return
		}
		if _, err := envelope.Decode(); err != nil {
			WriteProblem(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("Invalid payload: %s", err.Error()))
			return
		}
	}

	now := time.Now().UTC()
	if req.Operation == possync.OperationDelete {
		if err := h.store.DeleteEntity(r.Context(), req.EntityType, req.EntityID); err != nil {
			slog.Error("entity delete failed", "error", err, "entity_type", string(req.EntityType), "entity_id", req.EntityID)
			MapError(w, r, err)
			return
		}
	} else {
		if err := h.store.UpsertEntity(r.Context(), req.EntityType, req.EntityID, req.Data, now, false); err != nil {
			slog.Error("entity write failed", "error", err, "entity_type", string(req.EntityType), "entity_id", req.EntityID)
			MapError(w, r, err)
			return
		}
	}

	item, err := h.store.Enqueue(r.Context(), req.Operation, req.EntityType, req.EntityID,
		envelope, req.EntityType.DefaultPriority())
	if err != nil {
		slog.Error("enqueue failed", "error", err, "entity_type", string(req.EntityType), "entity_id", req.EntityID)
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// ListQueue handles GET /api/v1/sync/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListQueue(r.Context(), queryLimit(r, 50))
	if err != nil {
		slog.Error("queue query failed", "error", err)
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// ListConflicts handles GET /api/v1/sync/conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	records, err := h.conflicts.List(r.Context())
	if err != nil {
		slog.Error("conflicts query failed", "error", err)
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// resolveRequest is the conflict resolution decision body.
type resolveRequest struct {
	Resolution possync.Resolution `json:"resolution"`
}

// ResolveConflict handles POST /api/v1/sync/conflicts/{id}/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if err := h.conflicts.Resolve(r.Context(), id, req.Resolution); err != nil {
		if errors.Is(err, conflict.ErrInvalidResolution) {
			WriteProblem(w, r, http.StatusUnprocessableEntity, "Resolution must be keep_local or keep_server")
			return
		}
		slog.Error("conflict resolution failed", "error", err, "conflict_id", id)
		MapError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListDeadLetters handles GET /api/v1/sync/dlq.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListDeadLetters(r.Context(), queryLimit(r, 50))
	if err != nil {
		slog.Error("dlq query failed", "error", err)
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// RetryDeadLetter handles POST /api/v1/sync/dlq/{id}/retry.
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.store.RetryDeadLetter(r.Context(), id)
	if err != nil {
		slog.Error("dlq retry failed", "error", err, "dlq_id", id)
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// DiscardDeadLetter handles DELETE /api/v1/sync/dlq/{id}.
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DiscardDeadLetter(r.Context(), id); err != nil {
		slog.Error("dlq discard failed", "error", err, "dlq_id", id)
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDevices handles GET /api/v1/devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	views, err := h.devices.List(r.Context(), time.Now().UTC())
	if err != nil {
		slog.Error("devices query failed", "error", err)
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// loginRequest carries cloud credentials from the POS UI.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Email == "" || req.Password == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "email and password are required")
		return
	}

	if err := h.engine.Login(r.Context(), req.Email, req.Password); err != nil {
		if remote.IsAuthError(err) {
			WriteProblem(w, r, http.StatusUnauthorized, "Cloud rejected the credentials")
			return
		}
		slog.Error("login failed", "error", err)
		WriteProblem(w, r, http.StatusBadGateway, "Login failed: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Logout handles POST /api/v1/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Logout(r.Context()); err != nil {
		// The local session is cleared regardless; the cloud call failing
		// is informational.
		slog.Warn("cloud logout failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// queryLimit parses a ?limit query parameter with a default.
func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
