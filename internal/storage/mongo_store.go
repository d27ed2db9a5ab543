package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

// MongoStore persists rides in a document collection. Transitions are a
// single FindOneAndUpdate whose filter carries the status and driver
// preconditions, so the at-most-one-winner invariant holds without any
// process-local locking.
type MongoStore struct {
	rides *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{rides: db.Collection("rides")}
}

// EnsureIndexes creates the query indexes the dispatch path relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "passenger_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "requested_at", Value: 1}}},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := s.rides.InsertOne(ctx, r)
	if mongo.IsDuplicateKeyError(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	err := s.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride: %w", err)
	}
	return &r, nil
}

func (s *MongoStore) Transition(ctx context.Context, id string, from []models.RideStatus, upd StatusUpdate) (*models.Ride, error) {
	filter := bson.M{"_id": id, "status": bson.M{"$in": allowedFrom(from, upd.To)}}
	if upd.RequireDriverUnset {
		filter["driver_id"] = bson.M{"$in": bson.A{nil, ""}}
	}
	if upd.RequireDriver != "" {
		filter["driver_id"] = upd.RequireDriver
	}

	now := time.Now().UTC()
	set := bson.M{"status": upd.To}
	if upd.AssignDriver != "" {
		set["driver_id"] = upd.AssignDriver
	}
	if upd.Cancellation != nil {
		set["cancellation"] = upd.Cancellation
	}
	if field := timestampField(upd.To); field != "" {
		set[field] = now
	}

	// Aggregation-pipeline update so the audit entry can reference the
	// pre-transition status inside the same atomic write.
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"status_history": bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$status_history", bson.A{}}},
				bson.A{bson.M{"from": "$status", "to": upd.To, "timestamp": now}},
			}},
		}}},
		{{Key: "$set", Value: set}},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out models.Ride
	err := s.rides.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Distinguish a vanished ride from a lost race.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition ride: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) AppendTrackingPoint(ctx context.Context, id, driverID string, pt models.TrackingPoint) error {
	trackable := bson.A{models.StatusAccepted, models.StatusArriving, models.StatusArrived, models.StatusStarted}
	res, err := s.rides.UpdateOne(ctx,
		bson.M{"_id": id, "driver_id": driverID, "status": bson.M{"$in": trackable}},
		bson.M{"$push": bson.M{"tracking": bson.M{
			"$each":  bson.A{pt},
			"$slice": -models.MaxTrackingPoints,
		}}},
	)
	if err != nil {
		return fmt.Errorf("append tracking point: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrConflict
	}
	return nil
}

// allowedFrom narrows the caller's from-set to sources the transition
// table actually admits for to, keeping the table authoritative.
func allowedFrom(from []models.RideStatus, to models.RideStatus) bson.A {
	out := bson.A{}
	for _, f := range from {
		if models.CanTransition(f, to) {
			out = append(out, f)
		}
	}
	return out
}

func timestampField(to models.RideStatus) string {
	switch to {
	case models.StatusAccepted:
		return "accepted_at"
	case models.StatusArrived:
		return "arrived_at"
	case models.StatusStarted:
		return "started_at"
	case models.StatusCompleted:
		return "completed_at"
	case models.StatusCancelled:
		return "cancelled_at"
	}
	return ""
}
