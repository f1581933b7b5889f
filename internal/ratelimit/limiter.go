// Package ratelimit bounds how fast a single bridge connection may push
// datagrams from the browser towards the network.
package ratelimit

import "time"

// window is the burst a connection may spend at once: one second of its
// configured rate.
const window = time.Second

// budget schedules admissions on a virtual timeline (GCRA). Each admitted
// unit pushes the theoretical arrival time (tat) forward by 1s/rate; a
// request is refused when that would put tat more than one window ahead of
// now.
type budget struct {
	perSecond int64
	tat       time.Time
}

func (b *budget) cost(units int64) time.Duration {
	if units <= 0 {
		return 0
	}
	// Payloads are at most 64KiB, so units*1e9 cannot overflow.
	return time.Duration(units * int64(time.Second) / b.perSecond)
}

func (b *budget) admit(now time.Time, units int64) bool {
	tat := b.tat
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(b.cost(units))
	if next.Sub(now) > window {
		return false
	}
	b.tat = next
	return true
}
