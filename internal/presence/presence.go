package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("driver presence not found")

// Store holds the live snapshot of every known driver. It is a second,
// independent unit of exclusion from the ride record: toggling a driver's
// availability never blocks mutations on unrelated rides.
type Store interface {
	// Upsert refreshes the full presence record.
	Upsert(ctx context.Context, p models.DriverPresence) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
	// SetStatus updates status and availability, keeping the rest of the
	// record intact.
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus, available bool) error
	// Touch refreshes only the coordinate and the updated-at stamp.
	Touch(ctx context.Context, driverID string, coord models.Coord) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]models.DriverPresence), now: time.Now}
}

func (s *MemoryStore) Upsert(ctx context.Context, p models.DriverPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.now()
	s.drivers[p.DriverID] = p
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, driverID string, status models.DriverStatus, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.Available = available
	p.UpdatedAt = s.now()
	s.drivers[driverID] = p
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, driverID string, coord models.Coord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	p.Coord = coord
	p.UpdatedAt = s.now()
	s.drivers[driverID] = p
	return nil
}
