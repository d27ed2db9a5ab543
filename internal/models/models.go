package models

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Valid reports whether the coordinate is finite and inside
// [-90,90] latitude / [-180,180] longitude.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is one end of an itinerary: a street address plus its coordinate.
type Place struct {
	Address string `json:"address" bson:"address"`
	Coord   Coord  `json:"coord" bson:"coord"`
}

type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusSearching RideStatus = "searching"
	StatusAccepted  RideStatus = "accepted"
	StatusArriving  RideStatus = "arriving"
	StatusArrived   RideStatus = "arrived"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
	StatusNoDriver  RideStatus = "no_driver"
	StatusExpired   RideStatus = "expired"
)

// transitions is the authoritative lifecycle table. Anything absent here
// is an illegal transition.
var transitions = map[RideStatus][]RideStatus{
	StatusRequested: {StatusSearching, StatusNoDriver, StatusCancelled},
	StatusSearching: {StatusAccepted, StatusNoDriver, StatusExpired, StatusCancelled},
	StatusAccepted:  {StatusArriving, StatusArrived, StatusCancelled},
	StatusArriving:  {StatusArrived, StatusCancelled},
	StatusArrived:   {StatusStarted, StatusCancelled},
	StatusStarted:   {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RideStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoDriver, StatusExpired:
		return true
	}
	return false
}

// Trackable reports whether live tracking is active for the status.
func (s RideStatus) Trackable() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusArrived, StatusStarted:
		return true
	}
	return false
}

func ValidStatus(s RideStatus) bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

type Pricing struct {
	BasePrice       float64 `json:"base_price" bson:"base_price"`
	DistancePrice   float64 `json:"distance_price" bson:"distance_price"`
	TimePrice       float64 `json:"time_price" bson:"time_price"`
	SurgeMultiplier float64 `json:"surge_multiplier" bson:"surge_multiplier"`
	TotalPrice      float64 `json:"total_price" bson:"total_price"`
	Currency        string  `json:"currency" bson:"currency"`
}

// ComputeTotal derives the total from the components. The surge multiplier
// is clamped to a minimum of 1.0 and the total is never negative.
func (p *Pricing) ComputeTotal() float64 {
	if p.SurgeMultiplier < 1.0 {
		p.SurgeMultiplier = 1.0
	}
	total := math.Round((p.BasePrice + p.DistancePrice + p.TimePrice) * p.SurgeMultiplier)
	if total < 0 {
		total = 0
	}
	p.TotalPrice = total
	return total
}

type TrackingPoint struct {
	Lat       float64   `json:"lat" bson:"lat"`
	Lon       float64   `json:"lon" bson:"lon"`
	Speed     float64   `json:"speed" bson:"speed"`
	Heading   float64   `json:"heading" bson:"heading"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

type CancelParty string

const (
	CancelByPassenger CancelParty = "passenger"
	CancelByDriver    CancelParty = "driver"
	CancelBySystem    CancelParty = "system"
)

type Cancellation struct {
	Reason       string      `json:"reason" bson:"reason"`
	CancelledBy  CancelParty `json:"cancelled_by" bson:"cancelled_by"`
	RefundAmount float64     `json:"refund_amount" bson:"refund_amount"`
}

// StatusChange is one audit-trail entry; used for analytics, not correctness.
type StatusChange struct {
	From      RideStatus `json:"from" bson:"from"`
	To        RideStatus `json:"to" bson:"to"`
	Timestamp time.Time  `json:"timestamp" bson:"timestamp"`
}

// MaxTrackingPoints bounds the per-ride tracking log; older samples are
// evicted FIFO.
const MaxTrackingPoints = 1000

type Ride struct {
	ID          string     `json:"ride_id" bson:"_id"`
	PassengerID string     `json:"passenger_id" bson:"passenger_id"`
	DriverID    string     `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	Pickup      Place      `json:"pickup" bson:"pickup"`
	Destination Place      `json:"destination" bson:"destination"`
	Pricing     Pricing    `json:"pricing" bson:"pricing"`
	Status      RideStatus `json:"status" bson:"status"`

	RequestedAt time.Time  `json:"requested_at" bson:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty" bson:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`

	Tracking      []TrackingPoint `json:"tracking,omitempty" bson:"tracking,omitempty"`
	Cancellation  *Cancellation   `json:"cancellation,omitempty" bson:"cancellation,omitempty"`
	StatusHistory []StatusChange  `json:"status_history,omitempty" bson:"status_history,omitempty"`

	// PaymentHoldID references the hold placed at request time; internal.
	PaymentHoldID string `json:"-" bson:"payment_hold_id,omitempty"`
}

// CanCancel is the actor-facing cancellation policy: once the driver has
// arrived the trip must run to completion. The transition table still
// admits cancelled from arrived/started for system-initiated paths.
func (r *Ride) CanCancel() bool {
	switch r.Status {
	case StatusRequested, StatusSearching, StatusAccepted, StatusArriving:
		return true
	}
	return false
}

// DistanceTraveled sums the haversine legs of the tracking log, in meters.
func (r *Ride) DistanceTraveled() float64 {
	if len(r.Tracking) < 2 {
		return 0
	}
	const earthRadius = 6371000.0
	total := 0.0
	for i := 1; i < len(r.Tracking); i++ {
		prev, cur := r.Tracking[i-1], r.Tracking[i]
		dLat := (cur.Lat - prev.Lat) * math.Pi / 180
		dLon := (cur.Lon - prev.Lon) * math.Pi / 180
		a := math.Sin(dLat/2)*math.Sin(dLat/2) +
			math.Cos(prev.Lat*math.Pi/180)*math.Cos(cur.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
		total += earthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	}
	return total
}

// NewRideID generates a human-readable ride identifier.
func NewRideID() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return strings.ToUpper("RIDE-" + ts + hex.EncodeToString(b))
}

type DriverStatus string

const (
	DriverOffline     DriverStatus = "offline"
	DriverOnline      DriverStatus = "online"
	DriverBusy        DriverStatus = "busy"
	DriverUnavailable DriverStatus = "unavailable"
)

func ValidDriverStatus(s DriverStatus) bool {
	switch s {
	case DriverOffline, DriverOnline, DriverBusy, DriverUnavailable:
		return true
	}
	return false
}

// DriverPresence is a driver's live snapshot, distinct from their profile.
type DriverPresence struct {
	DriverID           string       `json:"driver_id"`
	Coord              Coord        `json:"coord"`
	Status             DriverStatus `json:"status"`
	Available          bool         `json:"available"`
	SubscriptionActive bool         `json:"subscription_active"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Matchable reports whether the presence qualifies for dispatch: online,
// available, with an active subscription, refreshed within staleAfter.
func (p DriverPresence) Matchable(now time.Time, staleAfter time.Duration) bool {
	if p.Status != DriverOnline || !p.Available || !p.SubscriptionActive {
		return false
	}
	return now.Sub(p.UpdatedAt) <= staleAfter
}
