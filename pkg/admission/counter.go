package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Windows identifies the calendar-aligned rate windows containing an instant.
type Windows struct {
	HourStart time.Time
	DayStart  time.Time
}

// WindowsAt returns the hour and day windows containing now in loc.
func WindowsAt(now time.Time, loc *time.Location) Windows {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return Windows{
		HourStart: time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc),
		DayStart:  time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc),
	}
}

// HourEnd is the start of the next hourly window.
func (w Windows) HourEnd() time.Time { return w.HourStart.Add(time.Hour) }

// DayEnd is the next midnight.
func (w Windows) DayEnd() time.Time { return w.DayStart.AddDate(0, 0, 1) }

// Counts are per-user request counts for the current windows.
type Counts struct {
	Hourly int64 `json:"hourly"`
	Daily  int64 `json:"daily"`
}

// Counter holds per-user request counts per window. Reserve increments the
// hourly count first and, unless that exceeds a positive hourCap, then the
// daily count. Each increment is atomic with respect to other callers. The
// returned values are taken after the increments; on an hourly overage Daily
// is the unchanged current count.
type Counter interface {
	Reserve(ctx context.Context, userID string, w Windows, hourCap int64) (Counts, error)
	Peek(ctx context.Context, userID string, w Windows) (Counts, error)
}

func hourKey(userID string, w Windows) string {
	return userID + ":h:" + strconv.FormatInt(w.HourStart.Unix(), 10)
}

func dayKey(userID string, w Windows) string {
	return userID + ":d:" + strconv.FormatInt(w.DayStart.Unix(), 10)
}

type slot struct {
	n      atomic.Int64
	expiry time.Time
}

// MemoryCounter counts in process memory. It is only correct for a single
// instance; use RedisCounter when several instances share the caps.
type MemoryCounter struct {
	mu        sync.RWMutex
	slots     map[string]*slot
	lastSweep time.Time
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{slots: make(map[string]*slot)}
}

func (m *MemoryCounter) slot(key string, expiry time.Time) *slot {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[key]; !ok {
		s = &slot{expiry: expiry}
		m.slots[key] = s
	}
	return s
}

// sweep drops slots that ended before the previous hourly window, at most
// once per hourly window. The previous window survives so callers that
// computed their Windows just before the boundary still find its count.
func (m *MemoryCounter) sweep(w Windows) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !w.HourStart.After(m.lastSweep) {
		return
	}
	m.lastSweep = w.HourStart
	cutoff := w.HourStart.Add(-time.Hour)
	for k, s := range m.slots {
		if s.expiry.Before(cutoff) {
			delete(m.slots, k)
		}
	}
}

// Reserve implements Counter.
func (m *MemoryCounter) Reserve(ctx context.Context, userID string, w Windows, hourCap int64) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	m.sweep(w)
	hourly := m.slot(hourKey(userID, w), w.HourEnd()).n.Add(1)
	day := m.slot(dayKey(userID, w), w.DayEnd())
	if hourCap > 0 && hourly > hourCap {
		return Counts{Hourly: hourly, Daily: day.n.Load()}, nil
	}
	return Counts{Hourly: hourly, Daily: day.n.Add(1)}, nil
}

// Peek implements Counter.
func (m *MemoryCounter) Peek(ctx context.Context, userID string, w Windows) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c Counts
	if s, ok := m.slots[hourKey(userID, w)]; ok {
		c.Hourly = s.n.Load()
	}
	if s, ok := m.slots[dayKey(userID, w)]; ok {
		c.Daily = s.n.Load()
	}
	return c, nil
}

// Len reports how many window slots are held.
func (m *MemoryCounter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

// DefaultKeyPrefix namespaces RedisCounter keys.
const DefaultKeyPrefix = "spendgate:ratelimit:"

// expiryGrace keeps a key alive briefly past its window for Peek after rollover races.
const expiryGrace = time.Minute

// RedisCounter shares counts across instances through Redis. Keys embed the
// window start, so a new window starts from zero without any reset.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a RedisCounter. An empty prefix uses DefaultKeyPrefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// reserveScript increments the hourly key and, unless it went over the cap
// in ARGV[3], the daily key. KEYS: hour, day. ARGV: hour expiry, day expiry
// (unix seconds), hourly cap (0 for none).
var reserveScript = redis.NewScript(`
local h = redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[1])
local cap = tonumber(ARGV[3])
if cap > 0 and h > cap then
	local d = tonumber(redis.call('GET', KEYS[2]) or '0')
	return {h, d}
end
local d = redis.call('INCR', KEYS[2])
redis.call('EXPIREAT', KEYS[2], ARGV[2])
return {h, d}
`)

// Reserve implements Counter with a Lua script, so both steps run without
// interleaving other clients.
func (r *RedisCounter) Reserve(ctx context.Context, userID string, w Windows, hourCap int64) (Counts, error) {
	keys := []string{r.prefix + hourKey(userID, w), r.prefix + dayKey(userID, w)}
	vals, err := reserveScript.Run(ctx, r.client, keys,
		w.HourEnd().Add(expiryGrace).Unix(),
		w.DayEnd().Add(expiryGrace).Unix(),
		hourCap,
	).Int64Slice()
	if err != nil {
		return Counts{}, fmt.Errorf("reserve rate slot: %w", err)
	}
	if len(vals) != 2 {
		return Counts{}, fmt.Errorf("reserve rate slot: unexpected reply %v", vals)
	}
	return Counts{Hourly: vals[0], Daily: vals[1]}, nil
}

// Peek implements Counter.
func (r *RedisCounter) Peek(ctx context.Context, userID string, w Windows) (Counts, error) {
	vals, err := r.client.MGet(ctx, r.prefix+hourKey(userID, w), r.prefix+dayKey(userID, w)).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("read rate counters: %w", err)
	}
	var c Counts
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Counts{}, fmt.Errorf("parse rate counter: %w", err)
		}
		if i == 0 {
			c.Hourly = n
		} else {
			c.Daily = n
		}
	}
	return c, nil
}

// Ping checks the Redis connection.
func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
