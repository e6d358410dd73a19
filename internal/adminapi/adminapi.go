// Package adminapi implements the reporting and control surface:
// GET /api/status, GET /api/session/<id>, POST /api/session/<id>/stop,
// GET /api/user/<id>, and POST /api/user/<id>/regenerate_token. Every
// response goes through apierr's {metacode, result} envelope.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vmmaster/vmmaster/internal/apierr"
	"github.com/vmmaster/vmmaster/internal/cache"
	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

// statusCacheKey is the key the /api/status aggregate is cached under.
// A short TTL keeps the admin surface off the pool's hot-path lock under
// polling load while staying close to real-time.
const statusCacheKey = "admin:status"

// Handler serves the admin API. It holds no state of its own beyond
// references to the components it reports on.
type Handler struct {
	store       *store.Store
	pool        *pool.Pool
	sessions    *session.Manager
	statusCache cache.Cache
	invalidator *cache.CacheInvalidator
}

// New builds a Handler. statusCache may be nil, in which case every
// /api/status request recomputes the aggregate directly.
func New(st *store.Store, p *pool.Pool, sessions *session.Manager, statusCache cache.Cache) *Handler {
	return &Handler{store: st, pool: p, sessions: sessions, statusCache: statusCache}
}

// SetCacheInvalidator attaches a cross-instance cache invalidator. When
// set, mutating admin endpoints publish the status cache key so every
// vmmasterd instance sharing this Redis drops its stale L1 copy instead
// of waiting out the TieredCache TTL.
func (h *Handler) SetCacheInvalidator(inv *cache.CacheInvalidator) {
	h.invalidator = inv
}

func (h *Handler) invalidateStatus(ctx context.Context) {
	if h.invalidator != nil {
		_ = h.invalidator.PublishInvalidation(ctx, statusCacheKey)
	}
}

// Register wires the admin routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/session/{id}", h.handleGetSession)
	mux.HandleFunc("POST /api/session/{id}/stop", h.handleStopSession)
	mux.HandleFunc("GET /api/user/{id}", h.handleGetUser)
	mux.HandleFunc("POST /api/user/{id}/regenerate_token", h.handleRegenerateToken)
}

// statusResponse is the payload for GET /api/status: platforms,
// sessions, queue depth, and the pool snapshot.
type statusResponse struct {
	Platforms map[string]platformCount `json:"platforms"`
	Sessions  []*domain.Session        `json:"sessions"`
	Queue     int                      `json:"queue"`
	Pool      pool.Snapshot            `json:"pool"`
}

type platformCount struct {
	Ready int `json:"ready"`
	Using int `json:"using"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.statusCache != nil {
		if cached, err := h.statusCache.Get(r.Context(), statusCacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	snap := h.pool.Stats()
	readyByPlatform, usingByPlatform := h.pool.CountByPlatform()

	platforms := make(map[string]platformCount)
	for platform, n := range readyByPlatform {
		pc := platforms[platform]
		pc.Ready = n
		platforms[platform] = pc
	}
	for platform, n := range usingByPlatform {
		pc := platforms[platform]
		pc.Using = n
		platforms[platform] = pc
	}

	resp := statusResponse{
		Platforms: platforms,
		Sessions:  h.sessions.Active(),
		Queue:     h.sessions.Queued(),
		Pool:      snap,
	}

	if h.statusCache != nil {
		if encoded, err := json.Marshal(envelopeResult{Metacode: http.StatusOK, Result: resp}); err == nil {
			_ = h.statusCache.Set(r.Context(), statusCacheKey, append(encoded, '\n'), 2*time.Second)
		}
	}

	apierr.WriteResult(w, resp)
}

// envelopeResult mirrors apierr's private envelope shape so a cached
// /api/status body is byte-identical to a freshly computed one.
type envelopeResult struct {
	Metacode int `json:"metacode"`
	Result   any `json:"result"`
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.WriteError(w, apierr.UnknownSession(err.Error()))
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		apierr.WriteError(w, apierr.UnknownSession(fmt.Sprintf("unknown session: %d", id)))
		return
	}
	apierr.WriteResult(w, sess)
}

func (h *Handler) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.WriteError(w, apierr.UnknownSession(err.Error()))
		return
	}
	h.sessions.Close(id)
	h.invalidateStatus(r.Context())
	apierr.WriteResult(w, map[string]any{"stopped": id})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindProviderError, err.Error(), nil))
		return
	}
	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindProviderError, fmt.Sprintf("unknown user: %d", id), err))
		return
	}
	apierr.WriteResult(w, user)
}

// handleRegenerateToken issues a fresh opaque token for a user,
// invalidating the previous one immediately (any cached identity for the
// old token still expires within the authenticator's cache TTL).
func (h *Handler) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindProviderError, err.Error(), nil))
		return
	}
	token := uuid.NewString()
	if err := h.store.SetUserToken(r.Context(), id, token); err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindProviderError, "regenerate token", err))
		return
	}
	apierr.WriteResult(w, map[string]any{"user_id": id, "token": token})
}
