package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTrackedCallers caps how many distinct callers the limiter
	// remembers before it starts evicting the coldest ones.
	defaultMaxTrackedCallers = 10000

	// bucketSweepInterval is how often idle buckets are reclaimed.
	bucketSweepInterval = 5 * time.Minute

	// bucketMaxIdle is how long a caller can stay quiet before its bucket,
	// and with it any accumulated burst allowance, is forgotten.
	bucketMaxIdle = 30 * time.Minute
)

// tokenBucket is one caller's limiter plus the bookkeeping the LRU needs.
type tokenBucket struct {
	id       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-caller token bucket, keyed by whatever
// identifier is handed to Allow; the hub keys on client IP. Tracked callers
// are bounded: at capacity the coldest bucket is evicted, and a background
// sweep reclaims buckets that have gone quiet.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front = most recently seen

	perSecond  int
	burst      int
	maxTracked int

	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter with the default tracked-caller cap.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxTrackedCallers, logger)
}

// NewRateLimiterWithConfig creates a limiter with an explicit cap on tracked
// callers. A cap of zero disables eviction entirely, which is only safe when
// the identifier space is known to be small.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxTracked int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTracked < 0 {
		maxTracked = defaultMaxTrackedCallers
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		order:      list.New(),
		perSecond:  requestsPerSecond,
		burst:      burst,
		maxTracked: maxTracked,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether the identified caller may proceed.
func (rl *RateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[id]; ok {
		rl.order.MoveToFront(elem)
		b := elem.Value.(*tokenBucket)
		b.lastSeen = time.Now()
		return b.limiter.Allow()
	}

	if rl.maxTracked > 0 && len(rl.buckets) >= rl.maxTracked {
		rl.evictColdest()
	}

	b := &tokenBucket{
		id:       id,
		limiter:  rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst),
		lastSeen: time.Now(),
	}
	rl.buckets[id] = rl.order.PushFront(b)
	return b.limiter.Allow()
}

// evictColdest drops the least recently seen bucket. Caller holds mu.
func (rl *RateLimiter) evictColdest() {
	elem := rl.order.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*tokenBucket)
	delete(rl.buckets, b.id)
	rl.order.Remove(elem)
	rl.logger.Debug("Evicted coldest rate-limit bucket",
		"identifier", b.id,
		"tracked", len(rl.buckets))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(bucketSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.SweepIdle(bucketMaxIdle)
		case <-rl.stop:
			return
		}
	}
}

// SweepIdle drops every bucket that has been quiet for longer than maxIdle.
func (rl *RateLimiter) SweepIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	var next *list.Element
	for elem := rl.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		b := elem.Value.(*tokenBucket)
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, b.id)
			rl.order.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Swept idle rate-limit buckets",
			"removed", removed,
			"tracked", len(rl.buckets))
	}
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
