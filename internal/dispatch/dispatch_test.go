package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeSender struct {
	mu         sync.Mutex
	sent       map[string][]events.Envelope
	broadcasts []events.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]events.Envelope)}
}

func (f *fakeSender) Send(actorID string, env events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[actorID] = append(f.sent[actorID], env)
}

func (f *fakeSender) Broadcast(group string, env events.Envelope, skip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, env)
}

func (f *fakeSender) typesFor(actorID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.sent[actorID] {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeSender) received(actorID, eventType string) bool {
	for _, typ := range f.typesFor(actorID) {
		if typ == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	co     *Coordinator
	store  *storage.MemoryStore
	geo    *geo.MemoryIndex
	pres   *presence.MemoryStore
	sender *fakeSender
	dir    *auth.MemoryDirectory
}

func newHarness() *harness {
	h := &harness{
		store:  storage.NewMemoryStore(),
		geo:    geo.NewMemoryIndex(),
		pres:   presence.NewMemoryStore(),
		sender: newFakeSender(),
		dir:    auth.NewMemoryDirectory(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.co = New(DefaultConfig(), h.store, h.geo, h.pres, h.sender, h.dir, logger)
	return h
}

func (h *harness) addDriver(t *testing.T, driverID string, coord models.Coord) {
	t.Helper()
	ctx := context.Background()
	if err := h.geo.Upsert(ctx, driverID, coord); err != nil {
		t.Fatal(err)
	}
	if err := h.pres.Upsert(ctx, models.DriverPresence{
		DriverID:           driverID,
		Coord:              coord,
		Status:             models.DriverOnline,
		Available:          true,
		SubscriptionActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	h.dir.AddDriver(auth.DriverInfo{DriverID: driverID, UserID: "u-" + driverID, Name: "Driver " + driverID, Phone: "770000000", Vehicle: "Toyota"}, true)
}

var (
	pickup = models.Place{Address: "Station A", Coord: models.Coord{Lat: 14.6928, Lon: -17.4467}}
	dest   = models.Place{Address: "Station B", Coord: models.Coord{Lat: 14.7100, Lon: -17.4600}}
	// ~500m north of the pickup
	nearby = models.Coord{Lat: 14.6973, Lon: -17.4467}
	// ~10km away, outside the 2km dispatch radius
	faraway = models.Coord{Lat: 14.7828, Lon: -17.4467}
)

func request(t *testing.T, h *harness) *models.Ride {
	t.Helper()
	ride, err := h.co.RequestRide(context.Background(), "p1", events.RequestRide{Pickup: pickup, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}
	return ride
}

func TestRequestRideNoCandidates(t *testing.T) {
	h := newHarness()
	ride, err := h.co.RequestRide(context.Background(), "p1", events.RequestRide{Pickup: pickup, Destination: dest})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if ride.Status != models.StatusNoDriver {
		t.Fatalf("expected no_driver, got %s", ride.Status)
	}
	if !h.sender.received("p1", events.TypeRideRequestFailed) {
		t.Fatalf("passenger events: %v", h.sender.typesFor("p1"))
	}
}

func TestRequestRideValidation(t *testing.T) {
	h := newHarness()
	_, err := h.co.RequestRide(context.Background(), "p1", events.RequestRide{Destination: dest})
	var ve *events.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRequestRideDispatchesToNearbyDrivers(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	h.addDriver(t, "d2", nearby)
	h.addDriver(t, "d3", faraway)

	ride := request(t, h)
	if ride.Status != models.StatusSearching {
		t.Fatalf("expected searching, got %s", ride.Status)
	}
	if !h.sender.received("d1", events.TypeNewRideRequest) || !h.sender.received("d2", events.TypeNewRideRequest) {
		t.Fatal("nearby drivers did not receive the offer")
	}
	if h.sender.received("d3", events.TypeNewRideRequest) {
		t.Fatal("out-of-radius driver received the offer")
	}
	if !h.sender.received("p1", events.TypeRideRequestSent) {
		t.Fatalf("passenger events: %v", h.sender.typesFor("p1"))
	}
	if !h.co.PendingOffer(ride.ID) {
		t.Fatal("expected a live offer window")
	}
}

func TestDispatchSkipsUnmatchableDrivers(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "busy", nearby)
	h.pres.SetStatus(context.Background(), "busy", models.DriverBusy, false)

	h.addDriver(t, "nosub", nearby)
	h.pres.Upsert(context.Background(), models.DriverPresence{
		DriverID: "nosub", Coord: nearby, Status: models.DriverOnline, Available: true, SubscriptionActive: false,
	})

	_, err := h.co.RequestRide(context.Background(), "p1", events.RequestRide{Pickup: pickup, Destination: dest})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestAcceptFirstCommitWins(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	h.addDriver(t, "d2", nearby)
	ride := request(t, h)

	ctx := context.Background()
	won, err := h.co.Accept(ctx, "d1", ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if won.DriverID != "d1" || won.Status != models.StatusAccepted {
		t.Fatalf("unexpected ride %+v", won)
	}

	if _, err := h.co.Accept(ctx, "d2", ride.ID); !errors.Is(err, ErrRideUnavailable) {
		t.Fatalf("expected ErrRideUnavailable, got %v", err)
	}

	if !h.sender.received("p1", events.TypeRideAccepted) {
		t.Fatalf("passenger events: %v", h.sender.typesFor("p1"))
	}
	if !h.sender.received("d2", events.TypeRideNoLongerAvailable) {
		t.Fatalf("losing driver events: %v", h.sender.typesFor("d2"))
	}
	if h.co.PendingOffer(ride.ID) {
		t.Fatal("offer window should be destroyed")
	}

	p, err := h.pres.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.DriverBusy || p.Available {
		t.Fatalf("winner should be busy, got %+v", p)
	}
}

func TestAcceptProximityCheck(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)

	// the driver drifted away between the offer and the acceptance
	ctx := context.Background()
	if err := h.pres.Touch(ctx, "d1", faraway); err != nil {
		t.Fatal(err)
	}

	if _, err := h.co.Accept(ctx, "d1", ride.ID); !errors.Is(err, ErrDriverTooFar) {
		t.Fatalf("expected ErrDriverTooFar, got %v", err)
	}

	// the rejection leaves the ride searching for the rest of the window
	got, _ := h.store.Get(ctx, ride.ID)
	if got.Status != models.StatusSearching {
		t.Fatalf("expected searching, got %s", got.Status)
	}
	if !h.co.PendingOffer(ride.ID) {
		t.Fatal("offer window should survive a too-far rejection")
	}
}

func TestOfferExpiry(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)

	h.co.HandleExpiry(ride.ID)

	got, _ := h.store.Get(context.Background(), ride.ID)
	if got.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if !h.sender.received("p1", events.TypeRideRequestExpired) {
		t.Fatalf("passenger events: %v", h.sender.typesFor("p1"))
	}
	if h.co.PendingOffer(ride.ID) {
		t.Fatal("offer window should be destroyed")
	}

	if _, err := h.co.Accept(context.Background(), "d1", ride.ID); !errors.Is(err, ErrRideUnavailable) {
		t.Fatalf("expected ErrRideUnavailable after expiry, got %v", err)
	}
}

func TestExpiryAfterAcceptIsNoop(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)

	if _, err := h.co.Accept(context.Background(), "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	h.co.HandleExpiry(ride.ID)

	got, _ := h.store.Get(context.Background(), ride.ID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("late expiry must not override acceptance, got %s", got.Status)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	if _, err := h.co.Accept(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.MarkArriving(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.Arrive(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.Start(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	got, err := h.co.Complete(ctx, "d1", ride.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.AcceptedAt == nil || got.ArrivedAt == nil || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("missing lifecycle timestamps: %+v", got)
	}

	for _, typ := range []string{events.TypeDriverArrived, events.TypeRideStarted, events.TypeRideCompleted} {
		if !h.sender.received("p1", typ) {
			t.Errorf("passenger missing %s: %v", typ, h.sender.typesFor("p1"))
		}
	}

	p, _ := h.pres.Get(ctx, "d1")
	if p.Status != models.DriverOnline || !p.Available {
		t.Fatalf("driver should be released after completion, got %+v", p)
	}
}

func TestWrongDriverIsForbidden(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	h.addDriver(t, "d2", nearby)
	ride := request(t, h)
	ctx := context.Background()

	if _, err := h.co.Accept(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.Arrive(ctx, "d2", ride.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestOutOfOrderTransitionRejected(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	if _, err := h.co.Accept(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}
	// starting before arrival is out of order
	if _, err := h.co.Start(ctx, "d1", ride.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// completing before starting too
	if _, err := h.co.Complete(ctx, "d1", ride.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPassengerCancel(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	if _, err := h.co.Accept(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}

	got, err := h.co.Cancel(ctx, auth.Identity{UserID: "p1"}, ride.ID, "changed my mind")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Cancellation == nil || got.Cancellation.CancelledBy != models.CancelByPassenger {
		t.Fatalf("unexpected cancellation %+v", got.Cancellation)
	}
	if got.Cancellation.RefundAmount != got.Pricing.TotalPrice {
		t.Fatalf("expected full refund, got %f of %f", got.Cancellation.RefundAmount, got.Pricing.TotalPrice)
	}
	if !h.sender.received("d1", events.TypeRideCancelled) {
		t.Fatalf("driver events: %v", h.sender.typesFor("d1"))
	}

	p, _ := h.pres.Get(ctx, "d1")
	if p.Status != models.DriverOnline || !p.Available {
		t.Fatalf("driver should be released after cancellation, got %+v", p)
	}
}

func TestDriverCancel(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	if _, err := h.co.Accept(ctx, "d1", ride.ID); err != nil {
		t.Fatal(err)
	}

	got, err := h.co.Cancel(ctx, auth.Identity{UserID: "u-d1", DriverID: "d1"}, ride.ID, "breakdown")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cancellation.CancelledBy != models.CancelByDriver {
		t.Fatalf("unexpected cancellation %+v", got.Cancellation)
	}
	if !h.sender.received("p1", events.TypeRideCancelled) {
		t.Fatalf("passenger events: %v", h.sender.typesFor("p1"))
	}
}

func TestCancelAuthorization(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	if _, err := h.co.Cancel(ctx, auth.Identity{UserID: "stranger"}, ride.ID, ""); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	// an unassigned driver is a stranger too
	if _, err := h.co.Cancel(ctx, auth.Identity{UserID: "u-d1", DriverID: "d1"}, ride.ID, ""); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCancelRejectedOnceStarted(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	h.co.Accept(ctx, "d1", ride.ID)
	h.co.Arrive(ctx, "d1", ride.ID)
	h.co.Start(ctx, "d1", ride.ID)

	if _, err := h.co.Cancel(ctx, auth.Identity{UserID: "p1"}, ride.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateDriverStatusOfflineLeavesIndex(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ctx := context.Background()

	if err := h.co.UpdateDriverStatus(ctx, "d1", models.DriverOffline, false); err != nil {
		t.Fatal(err)
	}
	hits, _ := h.geo.Query(ctx, pickup.Coord, 5000, 10)
	if len(hits) != 0 {
		t.Fatalf("offline driver still in index: %v", hits)
	}

	h.sender.mu.Lock()
	n := len(h.sender.broadcasts)
	h.sender.mu.Unlock()
	if n == 0 {
		t.Fatal("expected a driver_status_updated broadcast")
	}
}

func TestUpdateDriverLocationRefreshesPresence(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ctx := context.Background()

	moved := models.Coord{Lat: nearby.Lat + 0.001, Lon: nearby.Lon}
	if err := h.co.UpdateDriverLocation(ctx, "d1", moved); err != nil {
		t.Fatal(err)
	}
	p, err := h.pres.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Coord != moved {
		t.Fatalf("presence coord not refreshed: %+v", p.Coord)
	}

	// a driver never seen before gets a presence record seeded
	if err := h.co.UpdateDriverLocation(ctx, "new", nearby); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pres.Get(ctx, "new"); err != nil {
		t.Fatal(err)
	}
}

func TestPricing(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)

	p := ride.Pricing
	if p.BasePrice != 500 || p.Currency != "XOF" {
		t.Fatalf("unexpected pricing %+v", p)
	}
	if p.DistancePrice <= 0 || p.TimePrice <= 0 {
		t.Fatalf("expected positive fare components, got %+v", p)
	}
	want := p.BasePrice + p.DistancePrice + p.TimePrice
	if p.TotalPrice < want {
		t.Fatalf("total %f below component sum %f", p.TotalPrice, want)
	}
}

func TestDriverDisconnected(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ctx := context.Background()

	h.co.DriverDisconnected(ctx, "d1")

	p, err := h.pres.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.DriverOffline || p.Available {
		t.Fatalf("expected offline, got %+v", p)
	}
	hits, _ := h.geo.Query(ctx, nearby, 5000, 10)
	if len(hits) != 0 {
		t.Fatalf("disconnected driver still in index: %v", hits)
	}
}

// guard against offers leaking when expiry and accept race
func TestExpiryAcceptRace(t *testing.T) {
	h := newHarness()
	h.addDriver(t, "d1", nearby)
	ride := request(t, h)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.co.HandleExpiry(ride.ID)
	}()
	var acceptErr error
	go func() {
		defer wg.Done()
		_, acceptErr = h.co.Accept(ctx, "d1", ride.ID)
	}()
	wg.Wait()

	got, _ := h.store.Get(ctx, ride.ID)
	if acceptErr == nil && got.Status != models.StatusAccepted {
		t.Fatalf("accept won but status is %s", got.Status)
	}
	if acceptErr != nil && got.Status != models.StatusExpired {
		t.Fatalf("expiry won but status is %s", got.Status)
	}
	if h.co.PendingOffer(ride.ID) {
		t.Fatal("offer window leaked")
	}
}
