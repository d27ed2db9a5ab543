// Package dispatch orchestrates matching a requested ride to exactly one
// accepting driver and owns the ride lifecycle operations around it.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/sched"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrNoCandidates: the dispatch query matched zero drivers.
	ErrNoCandidates = errors.New("no candidate drivers found")
	// ErrDriverTooFar: the secondary proximity check failed at acceptance.
	ErrDriverTooFar = errors.New("driver too far from pickup")
	// ErrRideUnavailable: the acceptance lost the first-commit race. This
	// is a normal outcome for the losing driver, not a system error.
	ErrRideUnavailable = errors.New("ride no longer available")
	// ErrInvalidTransition: the operation is not legal from the ride's
	// current state.
	ErrInvalidTransition = errors.New("invalid ride state transition")
)

// Sender is the slice of the connection registry the coordinator needs.
type Sender interface {
	Send(actorID string, env events.Envelope)
	Broadcast(group string, env events.Envelope, skipSessionID string)
}

// EventPublisher feeds the analytics audit stream; best-effort.
type EventPublisher interface {
	PublishRideEvent(ev ingest.RideEvent) error
	PublishLocation(driverID string, coord models.Coord) error
}

type Config struct {
	SearchRadiusMeters float64       // candidate query radius (2 km)
	AcceptRadiusMeters float64       // secondary proximity bound at acceptance
	MaxCandidates      int           // query result cap
	OfferTTL           time.Duration // offer window (3 minutes)
	StaleAfter         time.Duration // presence freshness bound

	BaseFare        float64 // flat component
	PerKmFare       float64 // distance component per kilometer
	PerMinuteFare   float64 // time component per estimated minute
	Currency        string
	DefaultSpeedMps float64
}

func DefaultConfig() Config {
	return Config{
		SearchRadiusMeters: 2000,
		AcceptRadiusMeters: 2000,
		MaxCandidates:      10,
		OfferTTL:           3 * time.Minute,
		StaleAfter:         2 * time.Minute,
		BaseFare:           500,
		PerKmFare:          200,
		PerMinuteFare:      50,
		Currency:           "XOF",
		DefaultSpeedMps:    8,
	}
}

// offer is the transient candidate set for one searching ride. It exists
// only during the offer window and is destroyed on first acceptance or
// expiry, whichever comes first.
type offer struct {
	candidates map[string]float64 // driverID -> distance to pickup at offer time
	deadline   time.Time
}

type Coordinator struct {
	cfg       Config
	store     storage.RideStore
	geo       geo.Index
	presence  presence.Store
	registry  Sender
	directory auth.Directory
	estimator *eta.Estimator
	notifier  notify.Notifier
	payments  payments.Processor
	publisher EventPublisher
	logger    *slog.Logger

	scheduler sched.Scheduler

	mu     sync.Mutex
	offers map[string]*offer
}

func New(cfg Config, store storage.RideStore, gi geo.Index, ps presence.Store, reg Sender, dir auth.Directory, logger *slog.Logger) *Coordinator {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		geo:       gi,
		presence:  ps,
		registry:  reg,
		directory: dir,
		estimator: &eta.Estimator{DefaultSpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(30 * time.Second)},
		notifier:  notify.Noop{},
		payments:  payments.Noop{},
		logger:    logger,
		offers:    make(map[string]*offer),
	}
}

// UseScheduler wires the expiration scheduler; its handler must be the
// coordinator's HandleExpiry.
func (c *Coordinator) UseScheduler(s sched.Scheduler) { c.scheduler = s }

func (c *Coordinator) UseNotifier(n notify.Notifier)        { c.notifier = n }
func (c *Coordinator) UsePayments(p payments.Processor)     { c.payments = p }
func (c *Coordinator) UsePublisher(p EventPublisher)        { c.publisher = p }
func (c *Coordinator) UseETAClient(client eta.Client)       { c.estimator.Client = client }

// RequestRide creates the ride record, prices it and runs dispatch.
func (c *Coordinator) RequestRide(ctx context.Context, passengerID string, req events.RequestRide) (*models.Ride, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ride := &models.Ride{
		ID:          models.NewRideID(),
		PassengerID: passengerID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Status:      models.StatusRequested,
		RequestedAt: time.Now().UTC(),
	}
	ride.Pricing = c.price(req)

	// The hold is best-effort and never blocks dispatch.
	if holdID, err := c.payments.Hold(ctx, int64(ride.Pricing.TotalPrice), ride.Pricing.Currency, passengerID); err != nil {
		c.logger.Warn("payment hold failed", "ride_id", ride.ID, "error", err)
	} else {
		ride.PaymentHoldID = holdID
	}

	if err := c.store.Create(ctx, ride); err != nil {
		return nil, err
	}
	return c.dispatch(ctx, ride)
}

func (c *Coordinator) price(req events.RequestRide) models.Pricing {
	distKm := geo.Haversine(req.Pickup.Coord.Lat, req.Pickup.Coord.Lon, req.Destination.Coord.Lat, req.Destination.Coord.Lon) / 1000
	estMinutes := distKm * 2 // crude city estimate; routing is out of scope
	p := models.Pricing{
		BasePrice:       c.cfg.BaseFare,
		DistancePrice:   math.Round(distKm * c.cfg.PerKmFare),
		TimePrice:       math.Round(estMinutes * c.cfg.PerMinuteFare),
		SurgeMultiplier: req.Surge,
		Currency:        c.cfg.Currency,
	}
	p.ComputeTotal()
	return p
}

// dispatch runs the offer fan-out for a freshly requested ride.
func (c *Coordinator) dispatch(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	hits, err := c.geo.Query(ctx, ride.Pickup.Coord, c.cfg.SearchRadiusMeters, c.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	matchable := hits[:0]
	for _, h := range hits {
		p, perr := c.presence.Get(ctx, h.DriverID)
		if perr != nil {
			continue
		}
		if p.Matchable(now, c.cfg.StaleAfter) {
			matchable = append(matchable, h)
		}
	}

	if len(matchable) == 0 {
		updated, terr := c.store.Transition(ctx, ride.ID, []models.RideStatus{models.StatusRequested}, storage.StatusUpdate{To: models.StatusNoDriver})
		if terr != nil {
			return nil, terr
		}
		observability.DispatchesTotal.WithLabelValues("no_driver").Inc()
		c.releaseHold(ctx, updated)
		c.publishTransition(updated, models.StatusRequested, models.StatusNoDriver)
		c.registry.Send(ride.PassengerID, events.New(events.TypeRideRequestFailed, events.RideRequestFailed{
			RideID: ride.ID,
			Reason: "no drivers available nearby",
		}))
		c.notifier.Push(ride.PassengerID, "No driver found", "No drivers are available near your pickup point.", map[string]string{"ride_id": ride.ID})
		return updated, ErrNoCandidates
	}

	updated, err := c.store.Transition(ctx, ride.ID, []models.RideStatus{models.StatusRequested}, storage.StatusUpdate{To: models.StatusSearching})
	if err != nil {
		return nil, err
	}
	c.publishTransition(updated, models.StatusRequested, models.StatusSearching)

	deadline := now.Add(c.cfg.OfferTTL)
	o := &offer{candidates: make(map[string]float64, len(matchable)), deadline: deadline}
	for _, h := range matchable {
		o.candidates[h.DriverID] = h.Distance
	}
	c.mu.Lock()
	c.offers[ride.ID] = o
	c.mu.Unlock()

	if c.scheduler != nil {
		c.scheduler.Schedule(ride.ID, deadline)
	}

	for _, h := range matchable {
		c.registry.Send(h.DriverID, events.New(events.TypeNewRideRequest, events.NewRideRequest{
			RideID:           ride.ID,
			Pickup:           ride.Pickup,
			Destination:      ride.Destination,
			Pricing:          ride.Pricing,
			DistanceToPickup: h.Distance,
			ExpiresAt:        deadline,
			RequestedAt:      ride.RequestedAt,
		}))
	}

	observability.DispatchesTotal.WithLabelValues("offered").Inc()
	c.registry.Send(ride.PassengerID, events.New(events.TypeRideRequestSent, events.RideRequestSent{
		RideID:           ride.ID,
		AvailableDrivers: len(matchable),
	}))
	c.logger.Info("ride dispatched", "ride_id", ride.ID, "candidates", len(matchable))
	return updated, nil
}

// Accept resolves driver D's acceptance. The status check and driver
// assignment are a single conditional update: across all concurrent
// attempts exactly one driver wins, everyone else gets ErrRideUnavailable.
func (c *Coordinator) Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	ride, err := c.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	p, err := c.presence.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	distToPickup := geo.Haversine(p.Coord.Lat, p.Coord.Lon, ride.Pickup.Coord.Lat, ride.Pickup.Coord.Lon)
	if distToPickup > c.cfg.AcceptRadiusMeters {
		// Rejecting here leaves the ride searching for the remaining
		// offer window.
		observability.AcceptsTotal.WithLabelValues("too_far").Inc()
		return nil, ErrDriverTooFar
	}

	updated, err := c.store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusRequested, models.StatusSearching},
		storage.StatusUpdate{To: models.StatusAccepted, RequireDriverUnset: true, AssignDriver: driverID})
	if errors.Is(err, storage.ErrConflict) {
		observability.AcceptsTotal.WithLabelValues("lost").Inc()
		return nil, ErrRideUnavailable
	}
	if err != nil {
		return nil, err
	}

	if c.scheduler != nil {
		c.scheduler.Cancel(rideID)
	}
	losers := c.takeOffer(rideID, driverID)

	if perr := c.presence.SetStatus(ctx, driverID, models.DriverBusy, false); perr != nil {
		c.logger.Warn("mark driver busy", "driver_id", driverID, "error", perr)
	}

	info, ierr := c.directory.DriverInfo(ctx, driverID)
	if ierr != nil {
		c.logger.Warn("driver info lookup", "driver_id", driverID, "error", ierr)
		info = auth.DriverInfo{DriverID: driverID}
	}
	etaSec := c.estimator.Estimate(p.Coord, ride.Pickup.Coord)

	c.registry.Send(updated.PassengerID, events.New(events.TypeRideAccepted, events.RideAccepted{
		RideID:     rideID,
		DriverID:   driverID,
		DriverName: info.Name,
		Phone:      info.Phone,
		Vehicle:    info.Vehicle,
		ETASeconds: etaSec,
	}))
	c.notifier.Push(updated.PassengerID, "Driver found", info.Name+" is on the way.", map[string]string{"ride_id": rideID})
	for _, l := range losers {
		c.registry.Send(l, events.New(events.TypeRideNoLongerAvailable, events.RideNoLongerAvailable{RideID: rideID}))
	}

	observability.AcceptsTotal.WithLabelValues("won").Inc()
	c.publishTransition(updated, models.StatusSearching, models.StatusAccepted)
	c.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID, "distance_m", distToPickup)
	return updated, nil
}

// HandleExpiry is the scheduler callback: transition to expired only if
// no acceptance happened first. A lost race is a silent no-op.
func (c *Coordinator) HandleExpiry(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := c.store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusRequested, models.StatusSearching},
		storage.StatusUpdate{To: models.StatusExpired})
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("expire ride", "ride_id", rideID, "error", err)
		}
		return
	}

	c.takeOffer(rideID, "")
	observability.OffersExpiredTotal.Inc()
	c.releaseHold(ctx, updated)
	c.publishTransition(updated, models.StatusSearching, models.StatusExpired)
	c.registry.Send(updated.PassengerID, events.New(events.TypeRideRequestExpired, events.RideRequestExpired{RideID: rideID}))
	c.notifier.Push(updated.PassengerID, "Request expired", "No driver accepted your request in time.", map[string]string{"ride_id": rideID})
	c.logger.Info("ride request expired", "ride_id", rideID)
}

// takeOffer destroys the offer and returns remaining candidates except
// the winner.
func (c *Coordinator) takeOffer(rideID, winner string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.offers[rideID]
	if !ok {
		return nil
	}
	delete(c.offers, rideID)
	losers := make([]string, 0, len(o.candidates))
	for id := range o.candidates {
		if id != winner {
			losers = append(losers, id)
		}
	}
	return losers
}

// PendingOffer reports whether a ride still has a live offer window.
func (c *Coordinator) PendingOffer(rideID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.offers[rideID]
	return ok
}

// releaseHold refunds the payment hold when the ride ends without a trip.
func (c *Coordinator) releaseHold(ctx context.Context, r *models.Ride) {
	if r.PaymentHoldID == "" {
		return
	}
	if err := c.payments.Refund(ctx, r.PaymentHoldID); err != nil {
		c.logger.Warn("payment refund failed", "ride_id", r.ID, "error", err)
	}
}

func (c *Coordinator) publishTransition(r *models.Ride, from, to models.RideStatus) {
	if c.publisher == nil {
		return
	}
	ev := ingest.RideEvent{
		RideID:      r.ID,
		PassengerID: r.PassengerID,
		DriverID:    r.DriverID,
		From:        from,
		To:          to,
	}
	if to == models.StatusCompleted {
		ev.Fare = r.Pricing.TotalPrice
	}
	if err := c.publisher.PublishRideEvent(ev); err != nil {
		c.logger.Warn("publish ride event", "ride_id", r.ID, "error", err)
	}
}
