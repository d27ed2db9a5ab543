package events

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Outbound payload variants. One struct per event name keeps the wire
// contract explicit instead of ad-hoc object fields.

type RideRequestSent struct {
	RideID           string `json:"ride_id"`
	AvailableDrivers int    `json:"available_drivers"`
}

type RideRequestFailed struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

// NewRideRequest is the offer pushed to each candidate driver.
type NewRideRequest struct {
	RideID           string         `json:"ride_id"`
	Pickup           models.Place   `json:"pickup"`
	Destination      models.Place   `json:"destination"`
	Pricing          models.Pricing `json:"pricing"`
	DistanceToPickup float64        `json:"distance_to_pickup_m"`
	ExpiresAt        time.Time      `json:"expires_at"`
	RequestedAt      time.Time      `json:"requested_at"`
}

type RideAccepted struct {
	RideID     string  `json:"ride_id"`
	DriverID   string  `json:"driver_id"`
	DriverName string  `json:"driver_name"`
	Phone      string  `json:"phone"`
	Vehicle    string  `json:"vehicle"`
	ETASeconds float64 `json:"eta_seconds"`
}

type RideAcceptedSuccess struct {
	RideID      string `json:"ride_id"`
	PassengerID string `json:"passenger_id"`
}

type RideNoLongerAvailable struct {
	RideID string `json:"ride_id"`
}

type RideRequestExpired struct {
	RideID string `json:"ride_id"`
}

type RideStatusAt struct {
	RideID string    `json:"ride_id"`
	At     time.Time `json:"at"`
}

type RideCompleted struct {
	RideID      string         `json:"ride_id"`
	CompletedAt time.Time      `json:"completed_at"`
	Pricing     models.Pricing `json:"pricing"`
}

type RideCancelled struct {
	RideID      string             `json:"ride_id"`
	CancelledBy models.CancelParty `json:"cancelled_by"`
	Reason      string             `json:"reason,omitempty"`
}

// DriverLocation is one tracking sample fanned out to subscribers.
type DriverLocation struct {
	RideID   string               `json:"ride_id"`
	DriverID string               `json:"driver_id"`
	Location models.TrackingPoint `json:"location"`
}

type RideTrackingStarted struct {
	RideID      string            `json:"ride_id"`
	Status      models.RideStatus `json:"status"`
	Pickup      models.Place      `json:"pickup"`
	Destination models.Place      `json:"destination"`
}

type DriverStatusUpdated struct {
	DriverID  string              `json:"driver_id"`
	Status    models.DriverStatus `json:"status"`
	Available bool                `json:"available"`
}
