// Package metrics provides in-process atomic counters for the auth and
// rate-limiting hot paths. Counters are lock-free and safe for concurrent
// use; Snapshot returns a point-in-time copy.
package metrics

import "sync/atomic"

// ID identifies one counter.
type ID int

const (
	LoginSuccess ID = iota
	LoginFailure
	AccountLocked
	OtpIssued
	OtpVerified
	OtpFailure
	RefreshSuccess
	RefreshReuseDetected
	SessionRevoked
	RateLimitHit
	RateLimitBypass
	idCount
)

// Metrics holds the counter set. The zero value is not usable; call New.
type Metrics struct {
	counters [idCount]atomic.Int64
}

// New returns an empty counter set.
func New() *Metrics {
	return &Metrics{}
}

// Inc increments one counter. Nil receivers are no-ops so components can
// run without metrics wired.
func (m *Metrics) Inc(id ID) {
	if m == nil || id < 0 || id >= idCount {
		return
	}
	m.counters[id].Add(1)
}

// Get returns the current value of one counter.
func (m *Metrics) Get(id ID) int64 {
	if m == nil || id < 0 || id >= idCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot copies all counters.
func (m *Metrics) Snapshot() map[ID]int64 {
	out := make(map[ID]int64, idCount)
	if m == nil {
		return out
	}
	for id := ID(0); id < idCount; id++ {
		out[id] = m.counters[id].Load()
	}
	return out
}
