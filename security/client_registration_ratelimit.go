package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerWindow bounds self-service client
	// registrations per IP per window.
	DefaultMaxRegistrationsPerWindow = 10

	// DefaultRegistrationWindow is the sliding window those registrations
	// are counted over.
	DefaultRegistrationWindow = time.Hour

	defaultMaxTrackedRegistrants = 10000
	registrationSweepInterval    = 15 * time.Minute
)

// registrant remembers one IP's recent registration timestamps.
type registrant struct {
	ip       string
	attempts []time.Time
	lastSeen time.Time
}

// ClientRegistrationRateLimiter counts client registrations per IP over a
// sliding window. Dynamic registration is the one unauthenticated endpoint
// that writes to the client store, so it gets its own limiter with a far
// lower ceiling than the shared request limiter.
type ClientRegistrationRateLimiter struct {
	mu    sync.Mutex
	byIP  map[string]*list.Element
	order *list.List // front = most recently seen

	maxPerWindow int
	window       time.Duration
	maxTracked   int

	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewClientRegistrationRateLimiter creates a registration limiter with the
// default window and ceiling.
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerWindow,
		DefaultRegistrationWindow,
		defaultMaxTrackedRegistrants,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig creates a registration limiter
// with explicit window, ceiling, and tracked-IP cap.
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxTracked int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerWindow
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxTracked < 0 {
		maxTracked = defaultMaxTrackedRegistrants
	}

	rl := &ClientRegistrationRateLimiter{
		byIP:         make(map[string]*list.Element),
		order:        list.New(),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxTracked:   maxTracked,
		logger:       logger,
		stop:         make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow records a registration attempt from ip and reports whether it stays
// under the window's ceiling. Blocked attempts are not counted, so a blocked
// client does not push its own window further out.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, ok := rl.byIP[ip]
	if !ok {
		if rl.maxTracked > 0 && len(rl.byIP) >= rl.maxTracked {
			rl.evictColdest()
		}
		entry := &registrant{ip: ip, attempts: []time.Time{now}, lastSeen: now}
		rl.byIP[ip] = rl.order.PushFront(entry)
		return true
	}

	rl.order.MoveToFront(elem)
	entry := elem.Value.(*registrant)
	entry.lastSeen = now

	// Drop attempts that have slid out of the window, in place.
	kept := entry.attempts[:0]
	for _, at := range entry.attempts {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}
	entry.attempts = kept

	if len(entry.attempts) >= rl.maxPerWindow {
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"attempts_in_window", len(entry.attempts),
			"max_per_window", rl.maxPerWindow,
			"window", rl.window)
		return false
	}

	entry.attempts = append(entry.attempts, now)
	return true
}

// evictColdest drops the least recently seen IP. Caller holds mu.
func (rl *ClientRegistrationRateLimiter) evictColdest() {
	elem := rl.order.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*registrant)
	delete(rl.byIP, entry.ip)
	rl.order.Remove(elem)
	rl.logger.Debug("Evicted coldest registration-limit entry",
		"ip", entry.ip,
		"tracked", len(rl.byIP))
}

func (rl *ClientRegistrationRateLimiter) sweepLoop() {
	ticker := time.NewTicker(registrationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweepIdle()
		case <-rl.stop:
			return
		}
	}
}

// sweepIdle drops IPs not seen for two full windows; anything older can no
// longer influence an Allow decision.
func (rl *ClientRegistrationRateLimiter) sweepIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.window)
	removed := 0
	var next *list.Element
	for elem := rl.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrant)
		if entry.lastSeen.Before(cutoff) {
			delete(rl.byIP, entry.ip)
			rl.order.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Swept idle registration-limit entries",
			"removed", removed,
			"tracked", len(rl.byIP))
	}
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
