// Package cache keeps tutor schedules in Redis.
//
// Every tutor has a version counter under "schedule:<tutorId>:version". The
// engine bumps it after each committed change to that tutor's bookings.
// Schedules are JSON-encoded []engine.Booking stored under
// "schedule:<tutorId>:v<version>" with a TTL, keyed by the version the
// reader saw before it went to the store. A fill that raced with a change
// lands under an old version that no reader asks for again, and the TTL
// reclaims it. Redis failures degrade to a cache miss and are logged.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/lesson-engine/engine"
)

type ScheduleCache struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *zap.Logger
}

func NewScheduleCache(rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *ScheduleCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScheduleCache{rdb: rdb, ttl: ttl, log: log}
}

func VersionKey(tutorID engine.AccountID) string {
	return fmt.Sprintf("schedule:%s:version", tutorID)
}

func Key(tutorID engine.AccountID, version int64) string {
	return fmt.Sprintf("schedule:%s:v%d", tutorID, version)
}

// GetSchedule returns the cached schedule. On a miss it returns the version
// to hand back to PutSchedule, or engine.NoScheduleVersion when the version
// could not be read.
func (c *ScheduleCache) GetSchedule(ctx context.Context, tutorID engine.AccountID) ([]engine.Booking, int64, bool) {
	version, err := c.rdb.Get(ctx, VersionKey(tutorID)).Int64()
	if errors.Is(err, redis.Nil) {
		version, err = 0, nil
	}
	if err != nil {
		c.log.Warn("schedule cache read failed", zap.String("tutor_id", string(tutorID)), zap.Error(err))
		return nil, engine.NoScheduleVersion, false
	}

	raw, err := c.rdb.Get(ctx, Key(tutorID, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, version, false
	}
	if err != nil {
		c.log.Warn("schedule cache read failed", zap.String("tutor_id", string(tutorID)), zap.Error(err))
		return nil, version, false
	}

	var bookings []engine.Booking
	if err := json.Unmarshal(raw, &bookings); err != nil {
		c.log.Warn("schedule cache entry unreadable", zap.String("tutor_id", string(tutorID)), zap.Error(err))
		return nil, version, false
	}
	return bookings, version, true
}

// PutSchedule stores bookings under the version returned by the GetSchedule
// that preceded the store read.
func (c *ScheduleCache) PutSchedule(ctx context.Context, tutorID engine.AccountID, version int64, bookings []engine.Booking) {
	if version == engine.NoScheduleVersion {
		return
	}
	raw, err := json.Marshal(bookings)
	if err != nil {
		c.log.Warn("schedule cache encode failed", zap.String("tutor_id", string(tutorID)), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, Key(tutorID, version), raw, c.ttl).Err(); err != nil {
		c.log.Warn("schedule cache write failed", zap.String("tutor_id", string(tutorID)), zap.Error(err))
	}
}

// BookingsChanged moves the tutor to a new version, which retires every
// schedule cached so far. Implements engine.Observer.
func (c *ScheduleCache) BookingsChanged(ctx context.Context, tutorID engine.AccountID) {
	if err := c.rdb.Incr(ctx, VersionKey(tutorID)).Err(); err != nil {
		c.log.Warn("schedule cache invalidation failed", zap.String("tutor_id", string(tutorID)), zap.Error(err))
	}
}
