package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrDriverNotFound = errors.New("driver not found")

// MongoDirectory reads driver profiles from the platform's drivers
// collection. Profile writes are owned by the account service.
type MongoDirectory struct {
	drivers *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{drivers: db.Collection("drivers")}
}

type driverDoc struct {
	ID           string `bson:"_id"`
	UserID       string `bson:"user_id"`
	Name         string `bson:"name"`
	Phone        string `bson:"phone"`
	Vehicle      string `bson:"vehicle"`
	Subscription struct {
		Active  bool      `bson:"active"`
		EndDate time.Time `bson:"end_date"`
	} `bson:"subscription"`
}

func (d *MongoDirectory) DriverByUser(ctx context.Context, userID string) (DriverInfo, bool, error) {
	var doc driverDoc
	err := d.drivers.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return DriverInfo{}, false, nil
	}
	if err != nil {
		return DriverInfo{}, false, err
	}
	return docInfo(doc), true, nil
}

func (d *MongoDirectory) DriverInfo(ctx context.Context, driverID string) (DriverInfo, error) {
	var doc driverDoc
	err := d.drivers.FindOne(ctx, bson.M{"_id": driverID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return DriverInfo{}, ErrDriverNotFound
	}
	if err != nil {
		return DriverInfo{}, err
	}
	return docInfo(doc), nil
}

func (d *MongoDirectory) SubscriptionActive(ctx context.Context, driverID string) (bool, error) {
	var doc driverDoc
	err := d.drivers.FindOne(ctx, bson.M{"_id": driverID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Subscription.Active && doc.Subscription.EndDate.After(time.Now()), nil
}

func docInfo(doc driverDoc) DriverInfo {
	return DriverInfo{DriverID: doc.ID, UserID: doc.UserID, Name: doc.Name, Phone: doc.Phone, Vehicle: doc.Vehicle}
}

// MemoryDirectory backs local runs and tests.
type MemoryDirectory struct {
	mu            sync.RWMutex
	byUser        map[string]DriverInfo
	byDriver      map[string]DriverInfo
	subscriptions map[string]bool
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byUser:        make(map[string]DriverInfo),
		byDriver:      make(map[string]DriverInfo),
		subscriptions: make(map[string]bool),
	}
}

func (d *MemoryDirectory) AddDriver(info DriverInfo, subscriptionActive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byUser[info.UserID] = info
	d.byDriver[info.DriverID] = info
	d.subscriptions[info.DriverID] = subscriptionActive
}

func (d *MemoryDirectory) DriverByUser(ctx context.Context, userID string) (DriverInfo, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.byUser[userID]
	return info, ok, nil
}

func (d *MemoryDirectory) DriverInfo(ctx context.Context, driverID string) (DriverInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.byDriver[driverID]
	if !ok {
		return DriverInfo{}, ErrDriverNotFound
	}
	return info, nil
}

func (d *MemoryDirectory) SubscriptionActive(ctx context.Context, driverID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subscriptions[driverID], nil
}
