package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-sentinel/internal/cost"
	"github.com/technosupport/ts-sentinel/internal/event"
)

// GatewayStats, EngineStats and RunnerStats decouple the ops surface from
// the concrete pipeline components.
type GatewayStats interface {
	Stats() (accepted, duplicate, malformed int64)
}

type EngineStats interface {
	OpenGroups() int
}

type RunnerStats interface {
	Stats() (processed, fatal int64, queued int)
}

type PolicyReader interface {
	Get(cameraID string) event.AnalysisPolicy
	Count() int
}

// ResultReader is optional; nil disables the results endpoint.
type ResultReader interface {
	RecentResults(ctx context.Context, cameraID string, limit int) ([]event.AnalysisResult, error)
}

type Deps struct {
	Gateway  GatewayStats
	Engine   EngineStats
	Runner   RunnerStats
	Ledger   cost.Ledger
	Policies PolicyReader
	Results  ResultReader
}

type Handler struct {
	deps      Deps
	startedAt time.Time
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, startedAt: time.Now()}
}

// Router builds the ops surface: health, metrics and a small read-only
// API for policies and recent results.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/policies/{camera_id}", h.GetPolicy)
		r.Get("/results/{camera_id}", h.GetResults)
	})
	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	accepted, duplicate, malformed := h.deps.Gateway.Stats()
	processed, fatal, queued := h.deps.Runner.Stats()

	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"gateway": map[string]int64{
			"accepted":  accepted,
			"duplicate": duplicate,
			"malformed": malformed,
		},
		"correlation": map[string]int{
			"open_groups": h.deps.Engine.OpenGroups(),
		},
		"pipeline": map[string]int64{
			"processed": processed,
			"fatal":     fatal,
			"queued":    int64(queued),
		},
		"policies": h.deps.Policies.Count(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if snap, err := h.deps.Ledger.Snapshot(ctx); err == nil {
		body["cost"] = map[string]any{
			"day":             snap.Day,
			"day_spend":       snap.DaySpend,
			"month_spend":     snap.MonthSpend,
			"day_remaining":   remaining(snap.Caps.Daily, snap.DaySpend),
			"month_remaining": remaining(snap.Caps.Monthly, snap.MonthSpend),
			"cap_reached":     snap.CapReached(),
		}
	} else {
		body["status"] = "degraded"
		body["cost"] = map[string]any{"error": err.Error()}
	}

	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")
	if cameraID == "" {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Policies.Get(cameraID))
}

func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		http.Error(w, "result storage not configured", http.StatusNotFound)
		return
	}
	cameraID := chi.URLParam(r, "camera_id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := h.deps.Results.RecentResults(r.Context(), cameraID, limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []event.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func remaining(limit, spend int64) int64 {
	if limit <= 0 {
		return -1 // uncapped
	}
	if spend >= limit {
		return 0
	}
	return limit - spend
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
