// Package ratelimit provides the per-IP request limiter the rendezvous
// server applies to room creation and unknown-room-code requests.
//
// The IPRateLimiter keeps a sliding one-minute window of counted events
// per source IP and a fixed-size LRU-style cache to bound memory use.
// It is safe for concurrent use.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultLimit is the default number of counted requests allowed per
	// source IP within the window.
	DefaultLimit = 10
	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Minute
	// DefaultMaxIPs is the maximum number of source IPs tracked
	// simultaneously. When the cache is full the least-recently-used
	// entry is evicted.
	DefaultMaxIPs = 4096
)

// window holds the timestamps of counted events for one source IP.
type window struct {
	events []time.Time
}

// entry is a cached window with its IP key.
type entry struct {
	ip  string
	win *window
}

// IPRateLimiter counts room-creation and invalid-code requests per source
// IP over a sliding window. Requests inside an established room are never
// counted, so a pairing in progress cannot be starved by a flood.
type IPRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	maxIPs  int
	windows map[string]*list.Element
	lru     *list.List
}

// New creates an IPRateLimiter allowing limit counted events per win per IP.
func New(limit int, win time.Duration, maxIPs int) *IPRateLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if win <= 0 {
		win = DefaultWindow
	}
	if maxIPs <= 0 {
		maxIPs = DefaultMaxIPs
	}
	return &IPRateLimiter{
		limit:   limit,
		window:  win,
		maxIPs:  maxIPs,
		windows: make(map[string]*list.Element, maxIPs),
		lru:     list.New(),
	}
}

// NewDefault creates an IPRateLimiter with the default limit and window.
func NewDefault() *IPRateLimiter {
	return New(DefaultLimit, DefaultWindow, DefaultMaxIPs)
}

// Allow records one counted event for ip and reports whether it is within
// the limit. The event that crosses the limit and everything after it is
// denied until enough old events slide out of the window.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	elem, exists := l.windows[ip]
	if !exists {
		// New IP: evict the LRU entry if at capacity.
		if l.lru.Len() >= l.maxIPs {
			oldest := l.lru.Back()
			if oldest != nil {
				l.lru.Remove(oldest)
				delete(l.windows, oldest.Value.(*entry).ip)
			}
		}
		w := &window{events: []time.Time{now}}
		l.windows[ip] = l.lru.PushFront(&entry{ip: ip, win: w})
		return l.limit >= 1
	}

	w := elem.Value.(*entry).win
	l.lru.MoveToFront(elem)

	// Slide the window forward.
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	w.events = append(w.events[:0], w.events[i:]...)

	if len(w.events) >= l.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Reset clears all state. Useful for testing.
func (l *IPRateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*list.Element, l.maxIPs)
	l.lru.Init()
}
