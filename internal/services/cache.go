package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	ridesListKey        = "rides:list"
	userRidesKeyFmt     = "rides:user:%d"
	userBookingsKeyFmt  = "bookings:user:%d"
	cacheTTL            = 30 * time.Second
	bookingUpdatesTopic = "bookings:updates"
)

// InitRedis connects the Redis client used by the query cache.
func InitRedis() (*redis.Client, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://redis:6379" // Default Redis address for Docker
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %v", err)
	}

	client := redis.NewClient(opt)

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return client, nil
}

// Cache holds short-lived JSON snapshots of the ride and booking list views.
// Every booking or ride mutation invalidates the affected keys, so reads
// after a mutation always hit the database. A Redis outage only costs the
// caching: callers fall through to the database on any cache error.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps a connected Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// BookingEvent is published on the bookings channel after each successful
// booking mutation so subscribed frontends can refetch.
type BookingEvent struct {
	Type        string `json:"type"`
	BookingID   uint   `json:"bookingId"`
	RideID      uint   `json:"rideId"`
	PassengerID uint   `json:"passengerId"`
	Status      string `json:"status"`
}

// GetRidesList returns the cached rides list, if present.
func (c *Cache) GetRidesList(ctx context.Context) ([]byte, bool) {
	return c.get(ctx, ridesListKey)
}

// SetRidesList stores the serialized rides list.
func (c *Cache) SetRidesList(ctx context.Context, data []byte) {
	c.set(ctx, ridesListKey, data)
}

// GetUserRides returns the cached rides owned by the user, if present.
func (c *Cache) GetUserRides(ctx context.Context, userID uint) ([]byte, bool) {
	return c.get(ctx, fmt.Sprintf(userRidesKeyFmt, userID))
}

// SetUserRides stores the serialized rides owned by the user.
func (c *Cache) SetUserRides(ctx context.Context, userID uint, data []byte) {
	c.set(ctx, fmt.Sprintf(userRidesKeyFmt, userID), data)
}

// GetUserBookings returns the cached bookings of the user, if present.
func (c *Cache) GetUserBookings(ctx context.Context, userID uint) ([]byte, bool) {
	return c.get(ctx, fmt.Sprintf(userBookingsKeyFmt, userID))
}

// SetUserBookings stores the serialized bookings of the user.
func (c *Cache) SetUserBookings(ctx context.Context, userID uint, data []byte) {
	c.set(ctx, fmt.Sprintf(userBookingsKeyFmt, userID), data)
}

// InvalidateRides drops the shared rides list view.
func (c *Cache) InvalidateRides(ctx context.Context) {
	c.del(ctx, ridesListKey)
}

// InvalidateUserRides drops the per-driver rides view.
func (c *Cache) InvalidateUserRides(ctx context.Context, userID uint) {
	c.del(ctx, fmt.Sprintf(userRidesKeyFmt, userID))
}

// InvalidateUserBookings drops the per-passenger bookings view.
func (c *Cache) InvalidateUserBookings(ctx context.Context, userID uint) {
	c.del(ctx, fmt.Sprintf(userBookingsKeyFmt, userID))
}

// PublishBookingUpdate emits a booking change event on the pub/sub channel.
func (c *Cache) PublishBookingUpdate(ctx context.Context, event BookingEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).Warn("failed to marshal booking event")
		return
	}
	if err := c.rdb.Publish(ctx, bookingUpdatesTopic, data).Err(); err != nil {
		logrus.WithError(err).Warn("failed to publish booking event")
	}
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logrus.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		return nil, false
	}
	return data, true
}

func (c *Cache) set(ctx context.Context, key string, data []byte) {
	if err := c.rdb.Set(ctx, key, data, cacheTTL).Err(); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

func (c *Cache) del(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("cache invalidation failed")
	}
}
