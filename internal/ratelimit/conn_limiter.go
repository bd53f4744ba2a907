package ratelimit

import "sync"

// ConnLimiter caps the number of concurrent relay connections per remote
// host.
type ConnLimiter struct {
	max int

	mu      sync.Mutex
	perHost map[string]int
}

// NewConnLimiter returns a limiter allowing up to max concurrent connections
// per host. max <= 0 means unlimited.
func NewConnLimiter(max int) *ConnLimiter {
	return &ConnLimiter{
		max:     max,
		perHost: make(map[string]int),
	}
}

// Acquire reserves a connection slot for host. The caller must Release the
// slot with the same host when the connection ends.
func (l *ConnLimiter) Acquire(host string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perHost[host] >= l.max {
		return false
	}
	l.perHost[host]++
	return true
}

// Release frees a slot previously acquired for host.
func (l *ConnLimiter) Release(host string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch n := l.perHost[host]; {
	case n <= 1:
		delete(l.perHost, host)
	default:
		l.perHost[host] = n - 1
	}
}
