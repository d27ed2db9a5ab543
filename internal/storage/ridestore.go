package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrConflict means the ride exists but its status or driver no longer
	// satisfies the transition's precondition: some concurrent transition
	// got there first.
	ErrConflict = errors.New("ride state conflict")
	ErrExists   = errors.New("ride already exists")
)

// StatusUpdate describes one conditional transition. The store applies it
// atomically against the ride record; two concurrent attempts on the same
// ride never both succeed.
type StatusUpdate struct {
	To models.RideStatus
	// RequireDriverUnset guards the accept transition's exclusivity.
	RequireDriverUnset bool
	// RequireDriver, when non-empty, restricts the transition to the
	// assigned driver.
	RequireDriver string
	// AssignDriver sets the driver field as part of the same atomic write.
	AssignDriver string
	Cancellation *models.Cancellation
}

// RideStore defines persistence for rides. The ride record is the unit of
// mutual exclusion; implementations serialize per ride, never globally.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Transition applies upd iff the ride's current status is in from and
	// the driver preconditions hold, returning the post-transition ride.
	Transition(ctx context.Context, id string, from []models.RideStatus, upd StatusUpdate) (*models.Ride, error)
	// AppendTrackingPoint appends a sample to the bounded tracking log,
	// evicting the oldest beyond models.MaxTrackingPoints. Only the
	// assigned driver may append, and only while the ride is trackable.
	AppendTrackingPoint(ctx context.Context, id, driverID string, pt models.TrackingPoint) error
}

// MemoryStore keeps rides in process memory behind a per-ride mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*rideEntry
	now   func() time.Time
}

type rideEntry struct {
	mu   sync.Mutex
	ride models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*rideEntry), now: time.Now}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrExists
	}
	cp := *r
	m.rides[r.ID] = &rideEntry{ride: cp}
	return nil
}

func (m *MemoryStore) entry(id string) (*rideEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rides[id]
	return e, ok
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := cloneRide(&e.ride)
	return cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []models.RideStatus, upd StatusUpdate) (*models.Ride, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.ride
	if !statusIn(r.Status, from) || !models.CanTransition(r.Status, upd.To) {
		return nil, ErrConflict
	}
	if upd.RequireDriverUnset && r.DriverID != "" {
		return nil, ErrConflict
	}
	if upd.RequireDriver != "" && r.DriverID != upd.RequireDriver {
		return nil, ErrConflict
	}

	now := m.now()
	r.StatusHistory = append(r.StatusHistory, models.StatusChange{From: r.Status, To: upd.To, Timestamp: now})
	r.Status = upd.To
	if upd.AssignDriver != "" {
		r.DriverID = upd.AssignDriver
	}
	if upd.Cancellation != nil {
		c := *upd.Cancellation
		r.Cancellation = &c
	}
	stampTransition(r, upd.To, now)
	return cloneRide(r), nil
}

func (m *MemoryStore) AppendTrackingPoint(ctx context.Context, id, driverID string, pt models.TrackingPoint) error {
	e, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.ride
	if r.DriverID != driverID || !r.Status.Trackable() {
		return ErrConflict
	}
	r.Tracking = append(r.Tracking, pt)
	if n := len(r.Tracking); n > models.MaxTrackingPoints {
		r.Tracking = append(r.Tracking[:0:0], r.Tracking[n-models.MaxTrackingPoints:]...)
	}
	return nil
}

// stampTransition sets the status timestamp exactly once.
func stampTransition(r *models.Ride, to models.RideStatus, now time.Time) {
	switch to {
	case models.StatusAccepted:
		if r.AcceptedAt == nil {
			r.AcceptedAt = &now
		}
	case models.StatusArrived:
		if r.ArrivedAt == nil {
			r.ArrivedAt = &now
		}
	case models.StatusStarted:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case models.StatusCompleted:
		if r.CompletedAt == nil {
			r.CompletedAt = &now
		}
	case models.StatusCancelled:
		if r.CancelledAt == nil {
			r.CancelledAt = &now
		}
	}
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.Tracking = append([]models.TrackingPoint(nil), r.Tracking...)
	cp.StatusHistory = append([]models.StatusChange(nil), r.StatusHistory...)
	if r.Cancellation != nil {
		c := *r.Cancellation
		cp.Cancellation = &c
	}
	return &cp
}
