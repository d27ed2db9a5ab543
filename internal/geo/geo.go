package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrInvalidCoordinates rejects non-finite or out-of-range coordinates
// before any index access.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Candidate is one query hit: a driver and its distance to the center.
type Candidate struct {
	DriverID string
	Distance float64 // meters
	Coord    models.Coord
}

// Index is the minimal interface required by the dispatch coordinator.
type Index interface {
	// Query returns drivers within radiusMeters of center, ascending by
	// distance, capped at limit.
	Query(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]Candidate, error)
	// Upsert is an idempotent position refresh.
	Upsert(ctx context.Context, driverID string, coord models.Coord) error
	// Remove drops a driver from the index.
	Remove(ctx context.Context, driverID string) error
}

// MemoryIndex is the process-local implementation; a multi-process
// deployment uses RedisIndex instead.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(ctx context.Context, driverID string, coord models.Coord) error {
	if !coord.Valid() {
		return ErrInvalidCoordinates
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = coord
	return nil
}

func (g *MemoryIndex) Remove(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *MemoryIndex) Query(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]Candidate, error) {
	if !center.Valid() {
		return nil, ErrInvalidCoordinates
	}
	g.mu.RLock()
	out := make([]Candidate, 0, len(g.drivers))
	for id, c := range g.drivers {
		d := Haversine(center.Lat, center.Lon, c.Lat, c.Lon)
		if d <= radiusMeters {
			out = append(out, Candidate{DriverID: id, Distance: d, Coord: c})
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters. Earth radius 6371 km; city-scale exactness,
// no projection correction needed.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
