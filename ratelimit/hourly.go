package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/outboxhq/outbox/clock"
)

const (
	windowMs = int64(3_600_000)
	idleTTL  = 2 * time.Hour
)

// windowCounter is one (sender or global) counter for one hourly window.
type windowCounter struct {
	count       int
	lastTouched time.Time
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	RetryAfterMs int64
}

// StatusResult is the read-only snapshot returned by Status.
type StatusResult struct {
	SenderCount int
	SenderLimit int
	GlobalCount int
	GlobalLimit int
}

// HourlyLimiter enforces spec.md §4.C's fixed wall-clock hourly rate caps,
// one per sender and one global across all senders. Windows are
// ⌊now_ms/3_600_000⌋, not rolling: this bounds worst-case bursts to two
// full windows back-to-back at a boundary, an accepted trade-off.
//
// Counter eviction follows the same idle-expiry sweep idiom the job
// store's lock bucket used: entries untouched for idleTTL are reaped so
// memory doesn't grow with the set of senders ever seen.
type HourlyLimiter struct {
	mu          sync.Mutex
	sender      map[string]*windowCounter
	global      map[string]*windowCounter
	senderLimit int
	globalLimit int
	clock       clock.Clock

	stop chan struct{}
}

// NewHourlyLimiter builds a limiter with the given per-sender and global
// caps. clk lets tests drive window transitions deterministically.
func NewHourlyLimiter(senderLimit, globalLimit int, clk clock.Clock) *HourlyLimiter {
	l := &HourlyLimiter{
		sender:      make(map[string]*windowCounter),
		global:      make(map[string]*windowCounter),
		senderLimit: senderLimit,
		globalLimit: globalLimit,
		clock:       clk,
		stop:        make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Close stops the background reaper.
func (l *HourlyLimiter) Close() {
	close(l.stop)
}

func (l *HourlyLimiter) window() int64 {
	return l.clock.Now().UnixMilli() / windowMs
}

func (l *HourlyLimiter) msUntilNextHour() int64 {
	now := l.clock.Now().UnixMilli()
	nextWindowStart := (now/windowMs + 1) * windowMs
	return nextWindowStart - now
}

func senderKey(userID string, h int64) string {
	return "sender:" + userID + ":" + strconv.FormatInt(h, 10)
}

func globalKey(h int64) string {
	return "global:" + strconv.FormatInt(h, 10)
}

// Check reads both the sender and global counters for the current window,
// atomically with respect to other Check/Increment calls. The per-sender
// cap is reported first when both are exceeded.
func (l *HourlyLimiter) Check(userID string) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.window()
	senderCount := l.peek(l.sender, senderKey(userID, h))
	globalCount := l.peek(l.global, globalKey(h))

	if senderCount >= l.senderLimit {
		return CheckResult{Allowed: false, CurrentCount: senderCount, Limit: l.senderLimit, RetryAfterMs: l.msUntilNextHour() + 1000}
	}
	if globalCount >= l.globalLimit {
		return CheckResult{Allowed: false, CurrentCount: globalCount, Limit: l.globalLimit, RetryAfterMs: l.msUntilNextHour() + 1000}
	}
	return CheckResult{Allowed: true, CurrentCount: senderCount, Limit: l.senderLimit}
}

func (l *HourlyLimiter) peek(m map[string]*windowCounter, key string) int {
	if c, ok := m[key]; ok {
		return c.count
	}
	return 0
}

// Increment bumps both the sender and global counters for the current
// window and refreshes their idle-eviction timer. Callers must only call
// this after a confirmed successful send.
func (l *HourlyLimiter) Increment(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.window()
	now := l.clock.Now()
	l.bump(l.sender, senderKey(userID, h), now)
	l.bump(l.global, globalKey(h), now)
}

func (l *HourlyLimiter) bump(m map[string]*windowCounter, key string, now time.Time) {
	c, ok := m[key]
	if !ok {
		c = &windowCounter{}
		m[key] = c
	}
	c.count++
	c.lastTouched = now
}

// Status returns a read-only snapshot of both counters for the current
// window, for observability.
func (l *HourlyLimiter) Status(userID string) StatusResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.window()
	return StatusResult{
		SenderCount: l.peek(l.sender, senderKey(userID, h)),
		SenderLimit: l.senderLimit,
		GlobalCount: l.peek(l.global, globalKey(h)),
		GlobalLimit: l.globalLimit,
	}
}

func (l *HourlyLimiter) reapLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.reapExpired()
		}
	}
}

func (l *HourlyLimiter) reapExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for k, c := range l.sender {
		if now.Sub(c.lastTouched) > idleTTL {
			delete(l.sender, k)
		}
	}
	for k, c := range l.global {
		if now.Sub(c.lastTouched) > idleTTL {
			delete(l.global, k)
		}
	}
}
