package ratelimit

import (
	"sync"

	"github.com/benbjohnson/clock"
)

type ConnectionLimits struct {
	PacketsPerSecond int
	BytesPerSecond   int
}

func (l ConnectionLimits) Enabled() bool {
	return l.PacketsPerSecond > 0 || l.BytesPerSecond > 0
}

// ConnectionLimiter bounds the browser-to-peer datagram rate of a single
// bridge connection. A zero limit disables that dimension.
type ConnectionLimiter struct {
	clk clock.Clock

	mu      sync.Mutex
	packets *budget
	bytes   *budget
}

// NewConnectionLimiter returns nil when no limit is configured; a nil
// *ConnectionLimiter allows everything. A nil clk uses the wall clock.
func NewConnectionLimiter(clk clock.Clock, limits ConnectionLimits) *ConnectionLimiter {
	if !limits.Enabled() {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	l := &ConnectionLimiter{clk: clk}
	if limits.PacketsPerSecond > 0 {
		l.packets = &budget{perSecond: int64(limits.PacketsPerSecond)}
	}
	if limits.BytesPerSecond > 0 {
		l.bytes = &budget{perSecond: int64(limits.BytesPerSecond)}
	}
	return l
}

// AllowDatagram reports whether one datagram of n payload bytes may be sent.
//
// The packet budget is consulted first; a datagram rejected on bytes still
// spends its packet slot.
func (l *ConnectionLimiter) AllowDatagram(n int) bool {
	if l == nil {
		return true
	}
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.packets != nil && !l.packets.admit(now, 1) {
		return false
	}
	if l.bytes != nil && !l.bytes.admit(now, int64(n)) {
		return false
	}
	return true
}
