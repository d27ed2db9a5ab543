package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// session is one live websocket connection. It satisfies
// registry.Session: Send never blocks, a full buffer drops the frame.
type session struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan events.Envelope
}

func (c *session) ID() string { return c.id }

func (c *session) Send(env events.Envelope) {
	select {
	case c.send <- env:
	default:
		// slow consumer, drop rather than stall the sender
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		identity: id,
		conn:     conn,
		send:     make(chan events.Envelope, sendBuffer),
	}

	s.registry.Register(id.UserID, sess)
	if id.IsDriver() {
		s.registry.Register(id.DriverID, sess)
		s.registry.Join(registry.GroupDrivers, sess)
		if err := s.coordinator.RegisterDriver(r.Context(), id.DriverID, id.SubscriptionActive); err != nil {
			s.logger.Warn("register driver presence", "driver_id", id.DriverID, "error", err)
		}
	} else {
		s.registry.Join(registry.GroupPassengers, sess)
	}
	observability.SessionsActive.Inc()
	s.logger.Info("session connected", "session_id", sess.id, "user_id", id.UserID, "driver", id.IsDriver())

	go s.writePump(sess)
	s.readPump(sess)
}

func (s *Server) readPump(sess *session) {
	defer s.teardown(sess)

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env events.Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("session read", "session_id", sess.id, "error", err)
			}
			return
		}
		s.dispatchEvent(sess, env)
	}
}

func (s *Server) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case env, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) teardown(sess *session) {
	sess.conn.Close()
	s.registry.Unregister(sess.identity.UserID, sess)
	if sess.identity.IsDriver() {
		s.registry.Unregister(sess.identity.DriverID, sess)
	}
	s.tracking.Drop(sess.id)
	observability.SessionsActive.Dec()

	// A driver whose last session dropped stops being matchable.
	if sess.identity.IsDriver() && !s.registry.Connected(sess.identity.DriverID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.coordinator.DriverDisconnected(ctx, sess.identity.DriverID)
	}
	s.logger.Info("session disconnected", "session_id", sess.id, "user_id", sess.identity.UserID)
}

// dispatchEvent routes one inbound frame. Failures are reported back on
// the same session as an error frame; the connection stays up.
func (s *Server) dispatchEvent(sess *session, env events.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	decoded, err := events.Decode(env)
	if err != nil {
		sess.Send(events.Error("validation_error", err.Error()))
		return
	}

	id := sess.identity
	switch p := decoded.(type) {
	case *events.RequestRide:
		if _, err := s.coordinator.RequestRide(ctx, id.UserID, *p); err != nil && !errors.Is(err, dispatch.ErrNoCandidates) {
			// no-candidates already produced ride_request_failed
			sess.Send(errorFrame(err))
		}

	case *events.RideRef:
		s.handleRideRef(ctx, sess, env.Type, p.RideID)

	case *events.CancelRide:
		ride, err := s.coordinator.Cancel(ctx, id, p.RideID, p.Reason)
		if err != nil {
			sess.Send(errorFrame(err))
			return
		}
		s.tracking.Teardown(ride.ID)

	case *events.UpdateLocation:
		if !id.IsDriver() {
			sess.Send(errorFrame(auth.ErrForbidden))
			return
		}
		if err := s.coordinator.UpdateDriverLocation(ctx, id.DriverID, p.Coord); err != nil {
			sess.Send(errorFrame(err))
		}

	case *events.UpdateStatus:
		if !id.IsDriver() {
			sess.Send(errorFrame(auth.ErrForbidden))
			return
		}
		available := p.Status == models.DriverOnline
		if p.Available != nil {
			available = *p.Available
		}
		if err := s.coordinator.UpdateDriverStatus(ctx, id.DriverID, p.Status, available); err != nil {
			sess.Send(errorFrame(err))
		}

	case *events.UpdateRideLocation:
		if !id.IsDriver() {
			sess.Send(errorFrame(auth.ErrForbidden))
			return
		}
		if err := s.tracking.Publish(ctx, id.DriverID, p.RideID, p.Sample(time.Now().UTC())); err != nil {
			sess.Send(errorFrame(err))
		}
	}
}

func (s *Server) handleRideRef(ctx context.Context, sess *session, eventType, rideID string) {
	id := sess.identity

	if eventType == events.TypeTrackRide {
		if err := s.tracking.Subscribe(ctx, id, rideID, sess); err != nil {
			sess.Send(errorFrame(err))
		}
		return
	}

	if !id.IsDriver() {
		sess.Send(errorFrame(auth.ErrForbidden))
		return
	}

	switch eventType {
	case events.TypeAcceptRide:
		ride, err := s.coordinator.Accept(ctx, id.DriverID, rideID)
		if err != nil {
			sess.Send(errorFrame(err))
			return
		}
		sess.Send(events.New(events.TypeRideAcceptedSuccess, events.RideAcceptedSuccess{
			RideID:      rideID,
			PassengerID: ride.PassengerID,
		}))

	case events.TypeDriverArrived:
		if _, err := s.coordinator.Arrive(ctx, id.DriverID, rideID); err != nil {
			sess.Send(errorFrame(err))
		}

	case events.TypeStartTrip:
		if _, err := s.coordinator.Start(ctx, id.DriverID, rideID); err != nil {
			sess.Send(errorFrame(err))
		}

	case events.TypeCompleteRide:
		if _, err := s.coordinator.Complete(ctx, id.DriverID, rideID); err != nil {
			sess.Send(errorFrame(err))
			return
		}
		s.tracking.Teardown(rideID)
	}
}

// errorFrame classifies a domain error into an outbound error event.
func errorFrame(err error) events.Envelope {
	var ve *events.ValidationError
	switch {
	case errors.As(err, &ve):
		return events.Error("validation_error", err.Error())
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrUnauthorized):
		return events.Error("forbidden", "not allowed")
	case errors.Is(err, storage.ErrNotFound):
		return events.Error("not_found", "ride not found")
	case errors.Is(err, dispatch.ErrRideUnavailable):
		return events.Error("ride_unavailable", "ride no longer available")
	case errors.Is(err, dispatch.ErrDriverTooFar):
		return events.Error("too_far", "too far from pickup point")
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		return events.Error("invalid_transition", "operation not allowed in current ride state")
	case errors.Is(err, tracking.ErrNotTrackable):
		return events.Error("not_trackable", "ride is not in a trackable state")
	default:
		return events.Error("internal", "internal error")
	}
}
