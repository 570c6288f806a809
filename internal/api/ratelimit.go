package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// authLimiter blocks clients after repeated bad bearer secrets.
type authLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attempt

	maxAttempts   int
	window        time.Duration
	blockDuration time.Duration
	now           func() time.Time
}

type attempt struct {
	count     int
	firstTime time.Time
	blockedAt time.Time
}

func newAuthLimiter(maxAttempts int, window, blockDuration time.Duration) *authLimiter {
	return &authLimiter{
		attempts:      make(map[string]*attempt),
		maxAttempts:   maxAttempts,
		window:        window,
		blockDuration: blockDuration,
		now:           time.Now,
	}
}

// blocked reports whether ip is inside a block period.
func (l *authLimiter) blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[ip]
	if !ok || a.blockedAt.IsZero() {
		return false
	}
	if l.now().Sub(a.blockedAt) < l.blockDuration {
		return true
	}
	delete(l.attempts, ip)
	return false
}

// failure records a bad secret and reports whether ip is now blocked.
func (l *authLimiter) failure(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a, ok := l.attempts[ip]
	if !ok || now.Sub(a.firstTime) > l.window {
		l.attempts[ip] = &attempt{count: 1, firstTime: now}
		return l.maxAttempts <= 1 && l.block(ip, now)
	}
	a.count++
	if a.count >= l.maxAttempts {
		return l.block(ip, now)
	}
	return false
}

func (l *authLimiter) block(ip string, now time.Time) bool {
	l.attempts[ip].blockedAt = now
	return true
}

func (l *authLimiter) success(ip string) {
	l.mu.Lock()
	delete(l.attempts, ip)
	l.mu.Unlock()
}

// sweep drops entries whose window and block have both expired.
func (l *authLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for ip, a := range l.attempts {
		if now.Sub(a.firstTime) > l.window+l.blockDuration {
			delete(l.attempts, ip)
		}
	}
}

// clientIP extracts the caller address, honoring a reverse proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip, _, err := net.SplitHostPort(first); err == nil {
			return ip
		}
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
