package harvest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/mtcrawl/internal/runlog"
	"github.com/hazyhaar/mtcrawl/kit"
	"github.com/hazyhaar/mtcrawl/shield"
)

// APIConfig protects the HTTP API. An empty PasswordHash leaves it open.
type APIConfig struct {
	User         string
	PasswordHash string
	// Limiter, when set, throttles failed logins and rate-limited
	// endpoints such as POST /api/crawl.
	Limiter *shield.RateLimiter
}

// Handler returns the HTTP API:
//
//	GET  /healthz
//	GET  /api/reports
//	GET  /api/runs?limit=N
//	GET  /api/runs/{id}
//	GET  /api/records/{report}?from=&to=&org=&limit=
//	POST /api/crawl	202, the run continues in the background
func (s *Service) Handler(cfg APIConfig) http.Handler {
	eps := s.Endpoints()
	r := chi.NewRouter()
	for _, mw := range shield.APIStack() {
		r.Use(mw)
	}
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.FailureLimit(shield.AuthFailureRule, http.StatusUnauthorized))
	}
	r.Use(shield.BasicAuth(cfg.User, cfg.PasswordHash, "/healthz"))
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/reports", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, eps["reports"], nil)
		})
		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, eps["runs"], &RunsRequest{Limit: queryInt(r, "limit", 20)})
		})
		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, eps["run"], &RunRequest{ID: chi.URLParam(r, "id")})
		})
		r.Get("/records/{report}", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			serve(w, r, eps["records"], &RecordsRequest{
				Report: chi.URLParam(r, "report"),
				From:   q.Get("from"),
				To:     q.Get("to"),
				Org:    q.Get("org"),
				Limit:  queryInt(r, "limit", 0),
			})
		})
		r.Post("/crawl", func(w http.ResponseWriter, r *http.Request) {
			var req Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			serveStatus(w, r, eps["start"], &req, http.StatusAccepted)
		})
	})
	return r
}

func serve(w http.ResponseWriter, r *http.Request, ep kit.Endpoint, req any) {
	serveStatus(w, r, ep, req, http.StatusOK)
}

func serveStatus(w http.ResponseWriter, r *http.Request, ep kit.Endpoint, req any, code int) {
	resp, err := ep(r.Context(), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, code, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, runlog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrNoRunLog):
		return http.StatusServiceUnavailable
	case IsConfigError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
