package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is close to 111.2 km
	d := Haversine(0, 0, 1, 0)
	if d < 110000 || d > 112000 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestMemoryIndexRejectsInvalidCoords(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()
	if err := g.Upsert(ctx, "d1", models.Coord{Lat: 91, Lon: 0}); err != ErrInvalidCoordinates {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
	if _, err := g.Query(ctx, models.Coord{Lat: 0, Lon: 200}, 1000, 10); err != ErrInvalidCoordinates {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}

func TestMemoryIndexQuery(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()

	// ~0.009 degrees of latitude is about 1 km
	g.Upsert(ctx, "near", models.Coord{Lat: 0.009, Lon: 0})
	g.Upsert(ctx, "nearer", models.Coord{Lat: 0.0045, Lon: 0})
	g.Upsert(ctx, "far", models.Coord{Lat: 0.09, Lon: 0})

	hits, err := g.Query(ctx, models.Coord{}, 2000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].DriverID != "nearer" || hits[1].DriverID != "near" {
		t.Fatalf("expected ascending distance order, got %v", hits)
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Fatalf("distances not ascending: %f >= %f", hits[0].Distance, hits[1].Distance)
	}
}

func TestMemoryIndexQueryLimit(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()
	g.Upsert(ctx, "a", models.Coord{Lat: 0.001, Lon: 0})
	g.Upsert(ctx, "b", models.Coord{Lat: 0.002, Lon: 0})
	g.Upsert(ctx, "c", models.Coord{Lat: 0.003, Lon: 0})

	hits, err := g.Query(ctx, models.Coord{}, 2000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(hits))
	}
}

func TestMemoryIndexRemove(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()
	g.Upsert(ctx, "d1", models.Coord{Lat: 0.001, Lon: 0})
	g.Remove(ctx, "d1")
	hits, err := g.Query(ctx, models.Coord{}, 2000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected removed driver to be gone, got %v", hits)
	}
}
