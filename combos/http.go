package combos

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/kwrank/kit"
	"github.com/hazyhaar/kwrank/observability"
	"github.com/hazyhaar/kwrank/shield"
)

// TenantHeaderName carries the tenant resolved by the identity layer in
// front of the service.
const TenantHeaderName = "X-Tenant-ID"

// TenantHeader copies X-Tenant-ID into the request context.
func TenantHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(TenantHeaderName)); id != "" {
			r = r.WithContext(kit.WithTenantID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Routes mounts the HTTP API on r. Mount TenantHeader (or another
// middleware that sets kit.WithTenantID) in front of it.
func (svc *Service) Routes(r chi.Router) {
	r.Post("/combos/generate", svc.handleGenerate)
	r.Post("/combos/analyze", svc.handleAnalyze)
	r.Get("/subjects", svc.handleListSubjects)
	r.Post("/subjects", svc.handleTrackSubject)
	r.Delete("/subjects/{id}", svc.handleUntrackSubject)
	r.Post("/subjects/{id}/refresh", svc.handleRefreshSubject)
	r.Get("/history", svc.handleHistory)
	r.Get("/health", svc.handleHealth)
	r.Get("/metrics", svc.handleMetrics)
}

func (svc *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := svc.Generate(r.Context(), &req)
	if err != nil {
		svc.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (svc *Service) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := svc.Analyze(r.Context(), kit.GetTenantID(r.Context()), &req)
	if err != nil {
		svc.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (svc *Service) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	subs, err := svc.ListTracked(r.Context(), kit.GetTenantID(r.Context()))
	if err != nil {
		svc.respondError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*TrackedSubject{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (svc *Service) handleTrackSubject(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub := req.subject()
	if err := svc.TrackSubject(r.Context(), kit.GetTenantID(r.Context()), sub); err != nil {
		svc.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (svc *Service) handleUntrackSubject(w http.ResponseWriter, r *http.Request) {
	if err := svc.UntrackSubject(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		svc.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleRefreshSubject(w http.ResponseWriter, r *http.Request) {
	resp, err := svc.RefreshTracked(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		svc.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (svc *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := HistoryQuery{
		TenantID:   kit.GetTenantID(r.Context()),
		SubjectID:  qs.Get("subject_id"),
		Platform:   qs.Get("platform"),
		Locale:     qs.Get("locale"),
		Combos:     qs["combo"],
		From:       qs.Get("from"),
		To:         qs.Get("to"),
		RankedOnly: qs.Get("ranked_only") == "true",
	}
	if s := qs.Get("limit"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		q.Limit = n
	}
	rows, err := svc.History(r.Context(), q)
	if err != nil {
		svc.respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*HistoryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (svc *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Health())
}

func (svc *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := svc.Metrics(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		svc.respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*observability.Metric{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// respondError maps service errors to status codes. Internal errors are
// logged, never echoed.
func (svc *Service) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidArguments):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		shield.GetLogger(r.Context()).ErrorContext(r.Context(), "combos: request failed",
			"path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
