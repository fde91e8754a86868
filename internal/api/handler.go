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

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/taxonomy"
)

// maxBodyBytes bounds a scoring request body.
const maxBodyBytes = 1 << 20

// Scorer scores, audits and publishes one request.
type Scorer interface {
	Score(ctx context.Context, req *domain.RiskRequest, explain bool) (*service.Result, error)
}

// TaxonomyRegistry serves and reloads the active taxonomy.
type TaxonomyRegistry interface {
	Loaded() *taxonomy.Loaded
	ReloadChecked(check func(*taxonomy.Loaded) error) (*taxonomy.Loaded, error)
}

// ReloadHook runs after a taxonomy is swapped in, e.g. to rebuild the label index.
type ReloadHook func(ctx context.Context, l *taxonomy.Loaded) error

// Handler holds dependencies for API handlers.
type Handler struct {
	scorer   Scorer
	registry TaxonomyRegistry
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	onReload ReloadHook
	version  string
}

// Deps are the handler's collaborators. Only Scorer and Registry are required.
type Deps struct {
	Scorer   Scorer
	Registry TaxonomyRegistry
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	OnReload ReloadHook
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		scorer:   deps.Scorer,
		registry: deps.Registry,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		onReload: deps.OnReload,
		version:  version,
	}
}

// Score handles POST /risk/score. The explain query flag accepts 1 or true.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.RiskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// The header is authoritative over the body
	req.TenantID = GetTenantID(ctx)

	explain, _ := strconv.ParseBool(r.URL.Query().Get("explain"))

	res, err := h.scorer.Score(ctx, &req, explain)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetDecision handles GET /decisions/{id}.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rec, err := h.repo.GetDecision(ctx, GetTenantID(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListDecisions handles GET /decisions?entity_type=&entity_id=&since=.
// since is RFC 3339 and defaults to 30 days back.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	entityType, entityID := q.Get("entity_type"), q.Get("entity_id")

	since := time.Now().Add(-30 * 24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC 3339",
			})
			return
		}
		since = t
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	recs, err := h.repo.ListDecisionsByEntity(ctx, GetTenantID(ctx), entityType, entityID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": recs,
		"count":     len(recs),
	})
}

// GetTaxonomy handles GET /taxonomy.
func (h *Handler) GetTaxonomy(w http.ResponseWriter, r *http.Request) {
	l := h.registry.Loaded()
	writeJSON(w, http.StatusOK, map[string]any{
		"taxonomy": l.Taxonomy,
		"hash":     l.Hash,
		"loadedAt": l.LoadedAt,
	})
}

// GetTaxonomySnapshot handles GET /taxonomy/snapshots/{version}.
func (h *Handler) GetTaxonomySnapshot(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	snap, err := h.repo.GetTaxonomySnapshot(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"body":     string(snap.Body),
	})
}

// ReloadTaxonomy handles POST /taxonomy/reload. The new taxonomy is pinned
// before it goes live; a version already pinned with other content is refused.
func (h *Handler) ReloadTaxonomy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	l, err := h.registry.ReloadChecked(func(l *taxonomy.Loaded) error {
		if h.repo == nil {
			return nil
		}
		return h.repo.SaveTaxonomySnapshot(ctx, l.Snapshot())
	})
	if err != nil {
		metrics.TaxonomyReloadsTotal.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, repository.ErrConflict):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "taxonomy version already pinned with different content",
			})
		case errors.Is(err, taxonomy.ErrInvalidTaxonomy):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "taxonomy reload failed",
			})
		}
		return
	}
	metrics.TaxonomyReloadsTotal.WithLabelValues("ok").Inc()

	if h.onReload != nil {
		if err := h.onReload(ctx, l); err != nil {
			slog.Error("taxonomy reload hook failed", "version", l.Taxonomy.Version, "error", err)
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(l.Snapshot())
		if err := h.bus.Publish(ctx, domain.SharedTenant, domain.TopicTaxonomy, payload); err != nil {
			slog.Warn("failed to publish taxonomy reload", "version", l.Taxonomy.Version, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    l.Taxonomy.Version,
		"hash":       l.Hash,
		"categories": len(l.Taxonomy.Categories),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	probe := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		probe("repository", h.repo.Ping)
	}
	if h.cache != nil {
		probe("cache", h.cache.Ping)
	}
	if h.bus != nil {
		probe("eventBus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"version":         h.version,
		"taxonomyVersion": h.registry.Loaded().Taxonomy.Version,
		"checks":          checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "repository unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &maxErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
		})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, orchestrator.ErrNoSignals):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
