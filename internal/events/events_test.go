package events

import (
	"encoding/json"
	"errors"
	"testing"
)

func env(t *testing.T, eventType string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return Envelope{Type: eventType, Data: data}
}

func TestDecodeRequestRide(t *testing.T) {
	e := env(t, TypeRequestRide, map[string]any{
		"pickup":      map[string]any{"address": "Place A", "coord": map[string]float64{"lat": 14.69, "lon": -17.44}},
		"destination": map[string]any{"address": "Place B", "coord": map[string]float64{"lat": 14.70, "lon": -17.45}},
	})
	p, err := Decode(e)
	if err != nil {
		t.Fatal(err)
	}
	req, ok := p.(*RequestRide)
	if !ok {
		t.Fatalf("unexpected payload type %T", p)
	}
	if req.Pickup.Address != "Place A" {
		t.Fatalf("unexpected pickup %+v", req.Pickup)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(Envelope{Type: "bogus"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDecodeRejectsMalformedData(t *testing.T) {
	_, err := Decode(Envelope{Type: TypeCancelRide, Data: json.RawMessage(`{`)})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing pickup address", env(t, TypeRequestRide, map[string]any{
			"destination": map[string]any{"address": "B", "coord": map[string]float64{"lat": 1, "lon": 1}},
		})},
		{"surge below one", env(t, TypeRequestRide, map[string]any{
			"pickup":           map[string]any{"address": "A", "coord": map[string]float64{"lat": 1, "lon": 1}},
			"destination":      map[string]any{"address": "B", "coord": map[string]float64{"lat": 1, "lon": 1}},
			"surge_multiplier": 0.5,
		})},
		{"accept without ride id", env(t, TypeAcceptRide, map[string]any{})},
		{"cancel without ride id", env(t, TypeCancelRide, map[string]any{"reason": "x"})},
		{"location out of range", env(t, TypeUpdateLocation, map[string]any{
			"coord": map[string]float64{"lat": 95, "lon": 0},
		})},
		{"unknown driver status", env(t, TypeUpdateStatus, map[string]any{"status": "sleeping"})},
		{"ride location out of range", env(t, TypeUpdateRideLocation, map[string]any{
			"ride_id": "r1", "lat": 0.0, "lon": 200.0,
		})},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.env); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDecodeRideRefVariants(t *testing.T) {
	for _, typ := range []string{TypeAcceptRide, TypeDriverArrived, TypeStartTrip, TypeCompleteRide, TypeTrackRide} {
		p, err := Decode(env(t, typ, map[string]any{"ride_id": "r1"}))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		ref, ok := p.(*RideRef)
		if !ok || ref.RideID != "r1" {
			t.Fatalf("%s: unexpected payload %+v", typ, p)
		}
	}
}

func TestErrorEnvelope(t *testing.T) {
	e := Error("not_found", "ride not found")
	if e.Type != TypeError {
		t.Fatalf("unexpected type %s", e.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "not_found" {
		t.Fatalf("unexpected code %s", p.Code)
	}
}
