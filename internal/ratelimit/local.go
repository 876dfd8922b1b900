package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var _ Limiter = (*LocalLimiter)(nil)

// LocalLimiter keeps one in-memory token bucket per key. Entries that
// have not been touched for entryTTL are swept periodically, so bursts
// of distinct keys cannot grow the map without bound.
type LocalLimiter struct {
	entries sync.Map

	sweepInterval time.Duration
	entryTTL      time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
}

type localEntry struct {
	limiter    *rate.Limiter
	limit      Limit
	lastAccess atomic.Int64
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithSweepInterval sets how often stale buckets are swept.
func WithSweepInterval(interval time.Duration) LocalOption {
	return func(l *LocalLimiter) {
		l.sweepInterval = interval
	}
}

// WithEntryTTL sets how long an untouched bucket survives.
func WithEntryTTL(ttl time.Duration) LocalOption {
	return func(l *LocalLimiter) {
		l.entryTTL = ttl
	}
}

// NewLocalLimiter creates an in-memory limiter and starts its sweeper.
func NewLocalLimiter(opts ...LocalOption) *LocalLimiter {
	l := &LocalLimiter{
		sweepInterval: time.Minute,
		entryTTL:      10 * time.Minute,
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()
	return l
}

func (l *LocalLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *LocalLimiter) sweep() {
	cutoff := time.Now().Add(-l.entryTTL).UnixNano()
	l.entries.Range(func(key, value interface{}) bool {
		if value.(*localEntry).lastAccess.Load() < cutoff {
			l.entries.Delete(key)
		}
		return true
	})
}

// Allow takes one token from the key's bucket. A key seen for the first
// time gets a full bucket. When the configured limit for a key changes,
// its bucket is rebuilt full at the new rate.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit Limit) (*Result, error) {
	now := time.Now()
	entry := l.entryFor(key, limit)
	entry.lastAccess.Store(now.UnixNano())

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		full := fillDuration(limit, float64(limit.Burst))
		return &Result{
			Allowed:    false,
			Limit:      limit.RequestsPerMinute,
			RetryAfter: full,
			ResetAfter: full,
		}, nil
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return &Result{
			Allowed:    false,
			Limit:      limit.RequestsPerMinute,
			Remaining:  0,
			RetryAfter: delay,
			ResetAfter: resetAfter(entry, now, limit),
		}, nil
	}

	return &Result{
		Allowed:    true,
		Limit:      limit.RequestsPerMinute,
		Remaining:  remainingTokens(entry, now),
		ResetAfter: resetAfter(entry, now, limit),
	}, nil
}

func (l *LocalLimiter) entryFor(key string, limit Limit) *localEntry {
	if value, ok := l.entries.Load(key); ok {
		entry := value.(*localEntry)
		if entry.limit == limit {
			return entry
		}
		// Limit changed on reload: start over with a full bucket.
		l.entries.Delete(key)
	}

	entry := &localEntry{
		limiter: rate.NewLimiter(rate.Limit(limit.ratePerSecond()), limit.Burst),
		limit:   limit,
	}
	actual, _ := l.entries.LoadOrStore(key, entry)
	return actual.(*localEntry)
}

func remainingTokens(entry *localEntry, now time.Time) int {
	tokens := entry.limiter.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

func resetAfter(entry *localEntry, now time.Time, limit Limit) time.Duration {
	missing := float64(limit.Burst) - entry.limiter.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return fillDuration(limit, missing)
}

// fillDuration is how long the bucket needs to refill the given number
// of tokens.
func fillDuration(limit Limit, missing float64) time.Duration {
	rps := limit.ratePerSecond()
	if rps <= 0 {
		return 0
	}
	return time.Duration(missing / rps * float64(time.Second))
}

// Len reports how many buckets are currently held.
func (l *LocalLimiter) Len() int {
	n := 0
	l.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Close stops the sweeper. Safe to call multiple times.
func (l *LocalLimiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
	})
	return nil
}
