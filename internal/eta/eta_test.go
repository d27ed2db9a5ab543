package eta

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type stubClient struct {
	v    float64
	err  error
	hits int
}

func (s *stubClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	s.hits++
	return s.v, s.err
}

func TestEstimateFallsBackWithoutClient(t *testing.T) {
	e := &Estimator{DefaultSpeedMps: 10}
	// ~111km of latitude at 10 m/s is around 11120s
	got := e.Estimate(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if got < 11000 || got > 11300 {
		t.Fatalf("unexpected estimate %f", got)
	}
}

func TestEstimateFallsBackOnClientError(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	got := e.Estimate(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if got < 11000 || got > 11300 {
		t.Fatalf("unexpected estimate %f", got)
	}
}

func TestEstimateUsesCache(t *testing.T) {
	c := &stubClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}

	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}
	if got := e.Estimate(a, b); got != 42 {
		t.Fatalf("expected 42, got %f", got)
	}
	if got := e.Estimate(a, b); got != 42 {
		t.Fatalf("expected 42 from cache, got %f", got)
	}
	if c.hits != 1 {
		t.Fatalf("expected 1 client hit, got %d", c.hits)
	}
}
