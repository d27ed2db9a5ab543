package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

// authenticate resolves the bearer token on the request. The websocket
// endpoint accepts the token as a query parameter too, since browser
// clients cannot set headers on an upgrade.
func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return s.verifier.Resolve(r.Context(), token)
}

func (s *Server) requireDriver(r *http.Request) (auth.Identity, error) {
	id, err := s.authenticate(r)
	if err != nil {
		return auth.Identity{}, err
	}
	if !id.IsDriver() {
		return auth.Identity{}, auth.ErrForbidden
	}
	return id, nil
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req events.RequestRide
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &events.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	ride, err := s.coordinator.RequestRide(r.Context(), id.UserID, req)
	if errors.Is(err, dispatch.ErrNoCandidates) {
		// The ride exists in no_driver state; the caller still gets it.
		s.writeJSON(w, http.StatusOK, ride)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !id.Admin && ride.PassengerID != id.UserID && (id.DriverID == "" || ride.DriverID != id.DriverID) {
		s.writeError(w, auth.ErrForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.coordinator.Accept)
}

func (s *Server) handleArriving(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.coordinator.MarkArriving)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.coordinator.Arrive)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.coordinator.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, func(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
		ride, err := s.coordinator.Complete(ctx, driverID, rideID)
		if err == nil {
			s.tracking.Teardown(rideID)
		}
		return ride, err
	})
}

// driverAction is the shared shape of the driver-confirmed lifecycle
// endpoints.
func (s *Server) driverAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, driverID, rideID string) (*models.Ride, error)) {
	id, err := s.requireDriver(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := op(r.Context(), id.DriverID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	ride, err := s.coordinator.Cancel(r.Context(), id, mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.tracking.Teardown(ride.ID)
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *events.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrRideUnavailable),
		errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, tracking.ErrNotTrackable),
		errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrDriverTooFar):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		err = errors.New("internal error")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
