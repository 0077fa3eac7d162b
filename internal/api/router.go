// Package api serves the run ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/ledger"
	"github.com/spherical/ocr-pipeline/internal/observability"
)

// RunStore is the read side of the run ledger. *ledger.Ledger implements it.
type RunStore interface {
	Ping(ctx context.Context) error
	RecentRuns(ctx context.Context, limit int) ([]ledger.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*ledger.Run, error)
	Items(ctx context.Context, runID uuid.UUID) ([]domain.ItemOutcome, error)
}

const maxLimit = 500

// NewRouter builds the HTTP handler
func NewRouter(store RunStore, logger *observability.Logger, timeout time.Duration) http.Handler {
	h := &handler{store: store, logger: observability.OrNop(logger).WithComponent("api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimiddleware.Recoverer)
	if timeout > 0 {
		r.Use(chimiddleware.Timeout(timeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "ocr-pipeline"})
	})
	r.Get("/ready", h.ready)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.listRuns)
		r.Get("/{runID}", h.getRun)
	})

	return r
}

type handler struct {
	store  RunStore
	logger *observability.Logger
}

// RunDTO is the API representation of a run
type RunDTO struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Engine      string     `json:"engine"`
	State       string     `json:"state"`
	Listed      int        `json:"listed"`
	Written     int        `json:"written"`
	Skipped     int        `json:"skipped"`
	CacheHits   int        `json:"cacheHits"`
	OutputPath  string     `json:"outputPath,omitempty"`
	PublishedID string     `json:"publishedId,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ItemDTO is the API representation of one item outcome
type ItemDTO struct {
	ItemID     string    `json:"itemId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// RunDetailDTO is a run with its items
type RunDetailDTO struct {
	RunDTO
	Items []ItemDTO `json:"items"`
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listRuns handles GET /runs?limit=N
func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			h.writeError(w, http.StatusBadRequest, "invalid limit", "must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.store.RecentRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list runs")
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "")
		return
	}

	out := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

// getRun handles GET /runs/{runID}
func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid runID", err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found", "")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", id.String()).Msg("Failed to load run")
		h.writeError(w, http.StatusInternalServerError, "failed to load run", "")
		return
	}

	items, err := h.store.Items(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", id.String()).Msg("Failed to load run items")
		h.writeError(w, http.StatusInternalServerError, "failed to load run items", "")
		return
	}

	detail := RunDetailDTO{RunDTO: toRunDTO(*run), Items: make([]ItemDTO, 0, len(items))}
	for _, it := range items {
		detail.Items = append(detail.Items, ItemDTO{
			ItemID:     it.ItemID,
			Name:       it.Name,
			Status:     string(it.Status),
			Stage:      string(it.Stage),
			Reason:     it.Reason,
			RecordedAt: it.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// requestLogger logs each request through the structured logger
func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (h *handler) writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toRunDTO(r ledger.Run) RunDTO {
	return RunDTO{
		ID:          r.ID.String(),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Source:      r.Source,
		Destination: r.Destination,
		Engine:      r.Engine,
		State:       string(r.State),
		Listed:      r.Listed,
		Written:     r.Written,
		Skipped:     r.Skipped,
		CacheHits:   r.CacheHits,
		OutputPath:  r.OutputPath,
		PublishedID: r.PublishedID,
		Error:       r.Error,
	}
}
