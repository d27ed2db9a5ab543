package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// driverTransition applies a driver-confirmed lifecycle step, mapping a
// store conflict to Forbidden (wrong driver) or InvalidTransition.
func (c *Coordinator) driverTransition(ctx context.Context, driverID, rideID string, from []models.RideStatus, to models.RideStatus) (*models.Ride, error) {
	updated, err := c.store.Transition(ctx, rideID, from, storage.StatusUpdate{To: to, RequireDriver: driverID})
	if errors.Is(err, storage.ErrConflict) {
		ride, gerr := c.store.Get(ctx, rideID)
		if gerr != nil {
			return nil, gerr
		}
		if ride.DriverID != driverID {
			return nil, auth.ErrForbidden
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkArriving signals the assigned driver is en route to the pickup.
func (c *Coordinator) MarkArriving(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	updated, err := c.driverTransition(ctx, driverID, rideID, []models.RideStatus{models.StatusAccepted}, models.StatusArriving)
	if err != nil {
		return nil, err
	}
	c.publishTransition(updated, models.StatusAccepted, models.StatusArriving)
	return updated, nil
}

// Arrive records the driver at the pickup point and tells the passenger.
func (c *Coordinator) Arrive(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	updated, err := c.driverTransition(ctx, driverID, rideID,
		[]models.RideStatus{models.StatusAccepted, models.StatusArriving}, models.StatusArrived)
	if err != nil {
		return nil, err
	}
	c.registry.Send(updated.PassengerID, events.New(events.TypeDriverArrived, events.RideStatusAt{
		RideID: rideID,
		At:     derefTime(updated.ArrivedAt),
	}))
	c.notifier.Push(updated.PassengerID, "Driver arrived", "Your driver is waiting at the pickup point.", map[string]string{"ride_id": rideID})
	c.publishTransition(updated, models.StatusArriving, models.StatusArrived)
	return updated, nil
}

// Start begins the trip.
func (c *Coordinator) Start(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	updated, err := c.driverTransition(ctx, driverID, rideID, []models.RideStatus{models.StatusArrived}, models.StatusStarted)
	if err != nil {
		return nil, err
	}
	c.registry.Send(updated.PassengerID, events.New(events.TypeRideStarted, events.RideStatusAt{
		RideID: rideID,
		At:     derefTime(updated.StartedAt),
	}))
	c.publishTransition(updated, models.StatusArrived, models.StatusStarted)
	return updated, nil
}

// Complete finishes the trip: the driver is released back to the
// available pool, the payment hold is captured, and the completed event
// carries the fare so earnings and ride counters accumulate downstream.
func (c *Coordinator) Complete(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	updated, err := c.driverTransition(ctx, driverID, rideID, []models.RideStatus{models.StatusStarted}, models.StatusCompleted)
	if err != nil {
		return nil, err
	}

	c.releaseDriver(ctx, driverID)
	if updated.PaymentHoldID != "" {
		if perr := c.payments.Capture(ctx, updated.PaymentHoldID); perr != nil {
			c.logger.Warn("payment capture failed", "ride_id", rideID, "error", perr)
		}
	}

	c.registry.Send(updated.PassengerID, events.New(events.TypeRideCompleted, events.RideCompleted{
		RideID:      rideID,
		CompletedAt: derefTime(updated.CompletedAt),
		Pricing:     updated.Pricing,
	}))
	c.notifier.Push(updated.PassengerID, "Ride completed", "Thanks for riding with us.", map[string]string{"ride_id": rideID})

	observability.RidesCompletedTotal.Inc()
	c.publishTransition(updated, models.StatusStarted, models.StatusCompleted)
	c.logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID, "fare", updated.Pricing.TotalPrice)
	return updated, nil
}

// Cancel applies the actor-facing cancellation policy: only the ride's
// passenger or its assigned driver may cancel, and only while the ride is
// in a cancellable state. The refund defaults to the full total.
func (c *Coordinator) Cancel(ctx context.Context, id auth.Identity, rideID, reason string) (*models.Ride, error) {
	ride, err := c.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	isPassenger := ride.PassengerID == id.UserID
	isDriver := id.DriverID != "" && ride.DriverID == id.DriverID
	if !isPassenger && !isDriver {
		return nil, auth.ErrForbidden
	}
	if !ride.CanCancel() {
		return nil, ErrInvalidTransition
	}

	by := models.CancelByPassenger
	code := "passenger_cancelled"
	if isDriver && !isPassenger {
		by = models.CancelByDriver
		code = "driver_cancelled"
	}
	cancellation := &models.Cancellation{
		Reason:       code,
		CancelledBy:  by,
		RefundAmount: ride.Pricing.TotalPrice,
	}

	upd := storage.StatusUpdate{To: models.StatusCancelled, Cancellation: cancellation}
	if isDriver && !isPassenger {
		upd.RequireDriver = id.DriverID
	}
	updated, err := c.store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusRequested, models.StatusSearching, models.StatusAccepted, models.StatusArriving},
		upd)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}

	if c.scheduler != nil {
		c.scheduler.Cancel(rideID)
	}
	c.takeOffer(rideID, "")

	if updated.DriverID != "" {
		c.releaseDriver(ctx, updated.DriverID)
	}
	c.releaseHold(ctx, updated)

	out := events.New(events.TypeRideCancelled, events.RideCancelled{RideID: rideID, CancelledBy: by, Reason: reason})
	if isPassenger && updated.DriverID != "" {
		c.registry.Send(updated.DriverID, out)
	}
	if isDriver {
		c.registry.Send(updated.PassengerID, out)
		c.notifier.Push(updated.PassengerID, "Ride cancelled", "Your driver cancelled the ride.", map[string]string{"ride_id": rideID})
	}

	observability.RidesCancelledTotal.WithLabelValues(string(by)).Inc()
	c.publishTransition(updated, ride.Status, models.StatusCancelled)
	c.logger.Info("ride cancelled", "ride_id", rideID, "by", string(by))
	return updated, nil
}

// releaseDriver puts a driver back into the matchable pool after a
// terminal transition.
func (c *Coordinator) releaseDriver(ctx context.Context, driverID string) {
	if err := c.presence.SetStatus(ctx, driverID, models.DriverOnline, true); err != nil {
		c.logger.Warn("release driver", "driver_id", driverID, "error", err)
	}
}

// UpdateDriverLocation handles a driver's ambient position push: refresh
// the geo index and presence, and feed the location stream.
func (c *Coordinator) UpdateDriverLocation(ctx context.Context, driverID string, coord models.Coord) error {
	if err := c.geo.Upsert(ctx, driverID, coord); err != nil {
		return err
	}
	if err := c.presence.Touch(ctx, driverID, coord); err != nil {
		if !errors.Is(err, presence.ErrNotFound) {
			return err
		}
		// First sample from a driver we have not seen yet.
		if err := c.presence.Upsert(ctx, models.DriverPresence{
			DriverID:  driverID,
			Coord:     coord,
			Status:    models.DriverOnline,
			Available: true,
		}); err != nil {
			return err
		}
	}
	if c.publisher != nil {
		if err := c.publisher.PublishLocation(driverID, coord); err != nil {
			c.logger.Warn("publish location", "driver_id", driverID, "error", err)
		}
	}
	return nil
}

// RegisterDriver seeds presence when a driver session connects.
func (c *Coordinator) RegisterDriver(ctx context.Context, driverID string, subscriptionActive bool) error {
	return c.presence.Upsert(ctx, models.DriverPresence{
		DriverID:           driverID,
		Status:             models.DriverOffline,
		Available:          false,
		SubscriptionActive: subscriptionActive,
		UpdatedAt:          time.Now(),
	})
}

// UpdateDriverStatus applies a driver's status/availability toggle and
// broadcasts it to the passengers group.
func (c *Coordinator) UpdateDriverStatus(ctx context.Context, driverID string, status models.DriverStatus, available bool) error {
	if err := c.presence.SetStatus(ctx, driverID, status, available); err != nil {
		return err
	}
	if status == models.DriverOffline {
		if err := c.geo.Remove(ctx, driverID); err != nil {
			c.logger.Warn("remove driver from index", "driver_id", driverID, "error", err)
		}
	}
	c.registry.Broadcast(registry.GroupPassengers, events.New(events.TypeDriverStatusUpdated, events.DriverStatusUpdated{
		DriverID:  driverID,
		Status:    status,
		Available: available,
	}), "")
	return nil
}

// DriverDisconnected marks a driver offline when their last session dies.
func (c *Coordinator) DriverDisconnected(ctx context.Context, driverID string) {
	if err := c.presence.SetStatus(ctx, driverID, models.DriverOffline, false); err != nil && !errors.Is(err, presence.ErrNotFound) {
		c.logger.Warn("mark driver offline", "driver_id", driverID, "error", err)
	}
	if err := c.geo.Remove(ctx, driverID); err != nil {
		c.logger.Warn("remove driver from index", "driver_id", driverID, "error", err)
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
