// Package api serves the gear's status endpoints. The server is optional:
// a batch run inside the platform works without it, but operators can pass
// -listen to watch progress and inspect run records while a long project
// download is processing.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/khula-data/gambas/internal/db"
	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/version"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Progress is the live pipeline state, updated by the run loop.
type Progress struct {
	Stage     string `json:"stage"` // parsing, downloading, processing, uploading, done
	Subject   string `json:"subject,omitempty"`
	Session   string `json:"session,omitempty"`
	Model     string `json:"model,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// Tracker holds the mutable progress shared between pipeline and server.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

// NewTracker returns a tracker in the parsing stage.
func NewTracker() *Tracker {
	return &Tracker{p: Progress{Stage: "parsing"}}
}

// Update applies f to the progress under the lock.
func (t *Tracker) Update(f func(*Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(&t.p)
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

// Server exposes run records and live progress over HTTP.
type Server struct {
	db      *db.DB
	tracker *Tracker
}

func NewServer(database *db.DB, tracker *Tracker) *Server {
	return &Server{db: database, tracker: tracker}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.health)
	mux.HandleFunc("/api/status", s.status)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.getRun)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Progress Progress       `json:"progress"`
		Runs     map[string]int `json:"runs"`
	}{Progress: s.tracker.Snapshot()}

	if s.db != nil {
		counts, err := s.db.StatusCounts()
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("failed to count runs: %v", err))
			return
		}
		resp.Runs = counts
	}
	s.writeJSON(w, resp)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*db.Run{}
	}
	s.writeJSON(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing run id")
		return
	}
	run, err := s.db.GetRun(id)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	files, err := s.db.RunFiles(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, struct {
		Run   *db.Run      `json:"run"`
		Files []db.RunFile `json:"files"`
	}{run, files})
}
