// Package httpapi exposes the dispatch engine over two surfaces: a small
// REST facade for request/response callers and a websocket endpoint for
// the live event protocol.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

type Server struct {
	coordinator *dispatch.Coordinator
	tracking    *tracking.Channel
	store       storage.RideStore
	registry    *registry.Registry
	verifier    auth.Verifier
	logger      *slog.Logger
	mux         *mux.Router
}

func NewServer(co *dispatch.Coordinator, tr *tracking.Channel, store storage.RideStore, reg *registry.Registry, verifier auth.Verifier, logger *slog.Logger) *Server {
	s := &Server{
		coordinator: co,
		tracking:    tr,
		store:       store,
		registry:    reg,
		verifier:    verifier,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/arriving", s.handleArriving).Methods("POST")
	api.HandleFunc("/rides/{id}/arrive", s.handleArrive).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
