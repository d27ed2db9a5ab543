// Package events defines the tagged-variant message protocol spoken over
// the real-time channel: one typed payload per event name, validated at
// the boundary before anything touches ride state.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Inbound event names.
const (
	TypeRequestRide        = "request_ride"
	TypeAcceptRide         = "accept_ride"
	TypeDriverArrived      = "driver_arrived"
	TypeStartTrip          = "start_trip"
	TypeCompleteRide       = "complete_ride"
	TypeCancelRide         = "cancel_ride"
	TypeUpdateLocation     = "update_location"
	TypeUpdateStatus       = "update_status"
	TypeTrackRide          = "track_ride"
	TypeUpdateRideLocation = "update_ride_location"
)

// Outbound event names.
const (
	TypeRideRequestSent       = "ride_request_sent"
	TypeRideRequestFailed     = "ride_request_failed"
	TypeNewRideRequest        = "new_ride_request"
	TypeRideAccepted          = "ride_accepted"
	TypeRideAcceptedSuccess   = "ride_accepted_success"
	TypeRideNoLongerAvailable = "ride_no_longer_available"
	TypeRideRequestExpired    = "ride_request_expired"
	TypeRideStarted           = "ride_started"
	TypeRideCompleted         = "ride_completed"
	TypeRideCancelled         = "ride_cancelled"
	TypeDriverLocation        = "driver_location"
	TypeRideTrackingStarted   = "ride_tracking_started"
	TypeDriverStatusUpdated   = "driver_status_updated"
	TypeError                 = "error"
)

// Envelope is the wire frame: a type tag plus the event's payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New wraps a payload for sending; marshal failures are a programming
// error and yield an empty data field rather than a dropped frame.
func New(eventType string, payload any) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Type: eventType, Data: data}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RequestRide asks the coordinator to dispatch a new ride.
type RequestRide struct {
	Pickup      models.Place `json:"pickup"`
	Destination models.Place `json:"destination"`
	Surge       float64      `json:"surge_multiplier,omitempty"`
}

func (r *RequestRide) Validate() error {
	if r.Pickup.Address == "" {
		return &ValidationError{Field: "pickup.address", Reason: "required"}
	}
	if !r.Pickup.Coord.Valid() {
		return &ValidationError{Field: "pickup.coord", Reason: "out of range"}
	}
	if r.Destination.Address == "" {
		return &ValidationError{Field: "destination.address", Reason: "required"}
	}
	if !r.Destination.Coord.Valid() {
		return &ValidationError{Field: "destination.coord", Reason: "out of range"}
	}
	if r.Surge != 0 && r.Surge < 1.0 {
		return &ValidationError{Field: "surge_multiplier", Reason: "must be >= 1.0"}
	}
	return nil
}

// RideRef identifies a ride for accept/arrive/start/track operations.
type RideRef struct {
	RideID string `json:"ride_id"`
}

func (r *RideRef) Validate() error {
	if r.RideID == "" {
		return &ValidationError{Field: "ride_id", Reason: "required"}
	}
	return nil
}

type CancelRide struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

func (c *CancelRide) Validate() error {
	if c.RideID == "" {
		return &ValidationError{Field: "ride_id", Reason: "required"}
	}
	return nil
}

// UpdateLocation is a driver's ambient position push while idle.
type UpdateLocation struct {
	Coord models.Coord `json:"coord"`
}

func (u *UpdateLocation) Validate() error {
	if !u.Coord.Valid() {
		return &ValidationError{Field: "coord", Reason: "out of range"}
	}
	return nil
}

type UpdateStatus struct {
	Status    models.DriverStatus `json:"status"`
	Available *bool               `json:"available,omitempty"`
}

func (u *UpdateStatus) Validate() error {
	if !models.ValidDriverStatus(u.Status) {
		return &ValidationError{Field: "status", Reason: "unknown value"}
	}
	return nil
}

// UpdateRideLocation is a tracking sample published during an active ride.
type UpdateRideLocation struct {
	RideID  string  `json:"ride_id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Speed   float64 `json:"speed,omitempty"`
	Heading float64 `json:"heading,omitempty"`
}

func (u *UpdateRideLocation) Validate() error {
	if u.RideID == "" {
		return &ValidationError{Field: "ride_id", Reason: "required"}
	}
	if !(models.Coord{Lat: u.Lat, Lon: u.Lon}).Valid() {
		return &ValidationError{Field: "coord", Reason: "out of range"}
	}
	return nil
}

// Sample converts the payload into a stored tracking point; speed and
// heading default to zero when omitted.
func (u *UpdateRideLocation) Sample(now time.Time) models.TrackingPoint {
	return models.TrackingPoint{Lat: u.Lat, Lon: u.Lon, Speed: u.Speed, Heading: u.Heading, Timestamp: now}
}

type payload interface{ Validate() error }

// Decode parses an inbound envelope into its typed, validated payload.
// Unknown types and malformed payloads fail before any state change.
func Decode(env Envelope) (any, error) {
	var p payload
	switch env.Type {
	case TypeRequestRide:
		p = &RequestRide{}
	case TypeAcceptRide, TypeDriverArrived, TypeStartTrip, TypeCompleteRide, TypeTrackRide:
		p = &RideRef{}
	case TypeCancelRide:
		p = &CancelRide{}
	case TypeUpdateLocation:
		p = &UpdateLocation{}
	case TypeUpdateStatus:
		p = &UpdateStatus{}
	case TypeUpdateRideLocation:
		p = &UpdateRideLocation{}
	default:
		return nil, &ValidationError{Field: "type", Reason: "unknown event " + env.Type}
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, &ValidationError{Field: "data", Reason: err.Error()}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ErrorPayload is the outbound error frame body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Error(code, message string) Envelope {
	return New(TypeError, ErrorPayload{Code: code, Message: message})
}
