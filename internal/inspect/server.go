// Package inspect serves loop statistics and the execution journal over
// HTTP for debugging a running host.
package inspect

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"runloop/internal/journal"
	"runloop/loop"
)

type Server struct {
	r   *chi.Mux
	lp  *loop.Loop
	rec *journal.Recorder
}

// NewServer returns an inspector for lp. rec may be nil, which disables
// the journal routes.
func NewServer(lp *loop.Loop, rec *journal.Recorder) http.Handler {
	return NewServerWithDebug(lp, rec, false)
}

func NewServerWithDebug(lp *loop.Loop, rec *journal.Recorder, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, lp: lp, rec: rec}

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Get("/journal/tasks", s.journalTasks)
	r.Get("/journal/rejections", s.journalRejections)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lp.Stats())
}

func (s *Server) journalTasks(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	events, err := s.rec.RecentTasks(r.Context(), queryLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) journalRejections(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	events, err := s.rec.RecentRejections(r.Context(), queryLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
