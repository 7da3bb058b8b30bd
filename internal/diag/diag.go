// Package diag implements the read-only HTTP diagnostics API: role,
// neighbor table, network data, and address-cache snapshots for an
// operator or test harness to poll, grounded on the teacher's chi-based
// REST server shape but with no mutating routes (this mesh core exposes
// no user/auth model — diagnostics are read-only by construction).
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NeighborSnapshot is one row of the neighbor-table diagnostic view.
type NeighborSnapshot struct {
	ExtAddress   string `json:"extAddress"`
	ShortAddress uint16 `json:"shortAddress"`
	State        string `json:"state"`
	Kind         string `json:"kind"` // "parent", "child", "router", "peer"
}

// Snapshotter is implemented by the running mesh instance; the diag
// server only reads through it, never mutates state.
type Snapshotter interface {
	Role() string
	Rloc16() uint16
	Neighbors() []NeighborSnapshot
	NetworkDataVersion() (dataVersion, stableVersion uint8)
	AddressCacheLen() int
}

// Server is the read-only diagnostics HTTP API.
type Server struct {
	snap   Snapshotter
	router chi.Router
	http   *http.Server
	log    zerolog.Logger
}

// New builds a diag Server backed by snap.
func New(snap Snapshotter, log zerolog.Logger) *Server {
	s := &Server{snap: snap, log: log, router: chi.NewRouter()}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))

	s.router.Route("/diag/v1", func(r chi.Router) {
		r.Get("/role", s.handleRole)
		r.Get("/neighbors", s.handleNeighbors)
		r.Get("/netdata", s.handleNetData)
		r.Get("/addrcache", s.handleAddrCache)
	})
}

// ListenAndServe starts serving at addr and blocks until error.
func (s *Server) ListenAndServe(addr string) error {
	s.http.Addr = addr
	s.log.Info().Str("addr", addr).Msg("diag: starting HTTP server")
	return s.http.ListenAndServe()
}

// Handler exposes the chi router directly, mainly for tests that drive
// requests with httptest without binding a real socket.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("diag: marshal response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) handleRole(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"role":   s.snap.Role(),
		"rloc16": fmt.Sprintf("0x%04x", s.snap.Rloc16()),
	})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.snap.Neighbors())
}

func (s *Server) handleNetData(w http.ResponseWriter, r *http.Request) {
	dataVersion, stableVersion := s.snap.NetworkDataVersion()
	s.respondJSON(w, http.StatusOK, map[string]uint8{
		"dataVersion":   dataVersion,
		"stableVersion": stableVersion,
	})
}

func (s *Server) handleAddrCache(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]int{"entries": s.snap.AddressCacheLen()})
}
