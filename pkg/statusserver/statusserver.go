// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package statusserver is the read-only HTTP surface SPEC_FULL adds
// alongside the orchestrator: a gorilla/mux router serving the same
// data the out-of-scope CLI's status/work commands would consume, plus
// a gorilla/websocket endpoint streaming work-package transitions as
// the supervisor observes them. It never mutates the store.
package statusserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/internal/store"
	"github.com/jontk/slurm-orchestrator/pkg/logging"
)

// JobStatus is one job's package-state tally, the shape the CLI's
// `status` command would render.
type JobStatus struct {
	JobName   string         `json:"job_name"`
	Total     int            `json:"total"`
	Counts    map[string]int `json:"counts"`
}

// Server serves GET /status, GET /work/{job}, and the /events
// websocket stream over a Store snapshot.
type Server struct {
	store  store.Store
	logger logging.Logger
	hub    *hub
	router *mux.Router
}

// New builds a Server backed by st. Register it with a Supervisor via
// sup.OnChange(srv.Broadcast) before the run starts to get live
// /events pushes; without that call /status and /work still work, just
// without push updates.
func New(st store.Store, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	s := &Server{
		store:  st,
		logger: logger,
		hub:    newHub(),
	}
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/work/{job}", s.handleWork).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router = r
	return s
}

// Router returns the underlying mux.Router for embedding in an
// http.Server.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Broadcast pushes pkg to every connected /events client. Wire it to a
// Supervisor with sup.OnChange(srv.Broadcast).
func (s *Server) Broadcast(pkg api.WorkPackage) {
	s.hub.broadcast(PackageEvent{Package: pkg, Time: time.Now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	names := s.store.JobNames()
	statuses := make([]JobStatus, 0, len(names))
	for _, name := range names {
		pkgs := s.store.Snapshot(name)
		js := JobStatus{JobName: name, Total: len(pkgs), Counts: map[string]int{}}
		for _, pkg := range pkgs {
			js.Counts[string(pkg.State)]++
		}
		statuses = append(statuses, js)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	jobName := mux.Vars(r)["job"]
	pkgs := s.store.Snapshot(jobName)
	if pkgs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job " + jobName})
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PackageEvent is one work-package transition pushed to /events
// subscribers.
type PackageEvent struct {
	Package api.WorkPackage `json:"package"`
	Time    time.Time       `json:"time"`
}

// handleEvents upgrades to a websocket and streams every subsequent
// PackageEvent until the client disconnects, adapted from the
// teacher's WebSocketServer.HandleWebSocket keepAlive shape.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("statusserver: websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	ctx := r.Context()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// hub fans one PackageEvent out to every currently-subscribed
// /events client, dropping the event for any subscriber whose buffer is
// full rather than blocking the supervisor's writer goroutine.
type hub struct {
	mu   sync.Mutex
	subs map[chan PackageEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan PackageEvent]struct{})}
}

func (h *hub) subscribe() chan PackageEvent {
	ch := make(chan PackageEvent, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan PackageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) broadcast(ev PackageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop this event rather than block the
			// caller, which runs on the supervisor's writer goroutine.
		}
	}
}
