// Package tracking fans live trip positions from the assigned driver out
// to the ride's subscribers while the ride is in a trackable state.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrNotTrackable: the ride is not in a state that produces positions.
	ErrNotTrackable = errors.New("ride is not trackable")
)

// Channel is the per-ride fan-out of live positions. Subscribers are
// sessions, so a phone that reconnects mid-trip simply resubscribes.
type Channel struct {
	store  storage.RideStore
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]registry.Session // rideID -> sessionID -> session
}

func NewChannel(store storage.RideStore, logger *slog.Logger) *Channel {
	return &Channel{
		store:       store,
		logger:      logger,
		subscribers: make(map[string]map[string]registry.Session),
	}
}

// Subscribe attaches a session to a ride's position stream. Only the
// ride's passenger, its assigned driver, or an admin may watch; everyone
// else gets Forbidden without learning whether the ride exists in a
// watchable state.
func (c *Channel) Subscribe(ctx context.Context, id auth.Identity, rideID string, s registry.Session) error {
	ride, err := c.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if !c.mayWatch(id, ride) {
		return auth.ErrForbidden
	}
	if ride.Status.Terminal() {
		return ErrNotTrackable
	}

	c.mu.Lock()
	if c.subscribers[rideID] == nil {
		c.subscribers[rideID] = make(map[string]registry.Session)
	}
	c.subscribers[rideID][s.ID()] = s
	c.mu.Unlock()

	s.Send(events.New(events.TypeRideTrackingStarted, events.RideTrackingStarted{
		RideID:      rideID,
		Status:      ride.Status,
		Pickup:      ride.Pickup,
		Destination: ride.Destination,
	}))
	return nil
}

func (c *Channel) mayWatch(id auth.Identity, ride *models.Ride) bool {
	if id.Admin {
		return true
	}
	if ride.PassengerID == id.UserID {
		return true
	}
	return id.DriverID != "" && ride.DriverID == id.DriverID
}

// Publish accepts one position sample from the assigned driver, persists
// it to the ride's bounded log and fans it out to every subscriber.
// Samples from anyone but the assigned driver are rejected; samples for a
// ride outside its trackable window are dropped with an error so the
// driver app can stop sending.
func (c *Channel) Publish(ctx context.Context, driverID, rideID string, pt models.TrackingPoint) error {
	if !(models.Coord{Lat: pt.Lat, Lon: pt.Lon}).Valid() {
		return &events.ValidationError{Field: "coord", Reason: "out of range"}
	}

	err := c.store.AppendTrackingPoint(ctx, rideID, driverID, pt)
	if errors.Is(err, storage.ErrConflict) {
		ride, gerr := c.store.Get(ctx, rideID)
		if gerr != nil {
			return gerr
		}
		if ride.DriverID != driverID {
			return auth.ErrForbidden
		}
		return ErrNotTrackable
	}
	if err != nil {
		return err
	}

	observability.TrackingSamplesTotal.Inc()
	c.fanOut(rideID, events.New(events.TypeDriverLocation, events.DriverLocation{
		RideID:   rideID,
		DriverID: driverID,
		Location: pt,
	}))
	return nil
}

func (c *Channel) fanOut(rideID string, env events.Envelope) {
	c.mu.RLock()
	set := c.subscribers[rideID]
	targets := make([]registry.Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	c.mu.RUnlock()
	for _, s := range targets {
		s.Send(env)
	}
}

// Unsubscribe detaches one session. Safe to call for rides or sessions
// that were never subscribed.
func (c *Channel) Unsubscribe(rideID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.subscribers[rideID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.subscribers, rideID)
		}
	}
}

// Drop removes a dead session from every ride it was watching.
func (c *Channel) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for rideID, set := range c.subscribers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.subscribers, rideID)
		}
	}
}

// Teardown destroys a ride's subscriber set once the ride reaches a
// terminal state. Subscribers keep their connections; they just stop
// receiving positions for this ride.
func (c *Channel) Teardown(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, rideID)
}

// Subscribers reports the current watcher count for a ride.
func (c *Channel) Subscribers(rideID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers[rideID])
}
