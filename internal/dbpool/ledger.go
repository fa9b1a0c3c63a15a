package dbpool

import (
	"sync"
	"time"
)

// DefaultSlowQueryThreshold is the latency above which a statement counts as slow.
const DefaultSlowQueryThreshold = time.Second

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int       `json:"active_connections"`
	IdleConnections   int       `json:"idle_connections"`
	TotalQueries      int64     `json:"total_queries"`
	AvgQueryTimeMs    float64   `json:"avg_query_time_ms"`
	SlowQueries       int64     `json:"slow_queries"`
	Errors            int64     `json:"errors"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ErrorRate returns errors over all recorded outcomes, or 0 before any outcome.
func (s Snapshot) ErrorRate() float64 {
	total := s.TotalQueries + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(total)
}

// Ledger accumulates pool and query counters. All methods are safe for
// concurrent use; every update is a single critical section.
type Ledger struct {
	mu            sync.Mutex
	snap          Snapshot
	slowThreshold time.Duration
	now           func() time.Time
}

// NewLedger creates a ledger that counts statements slower than slowThreshold.
// A non-positive threshold falls back to DefaultSlowQueryThreshold.
func NewLedger(slowThreshold time.Duration) *Ledger {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowQueryThreshold
	}
	return &Ledger{slowThreshold: slowThreshold, now: time.Now}
}

// RecordQuery folds one successful statement into the running average and
// reports whether it was slow.
func (l *Ledger) RecordQuery(elapsed time.Duration) bool {
	ms := float64(elapsed) / float64(time.Millisecond)
	slow := elapsed > l.slowThreshold

	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.TotalQueries++
	l.snap.AvgQueryTimeMs += (ms - l.snap.AvgQueryTimeMs) / float64(l.snap.TotalQueries)
	if slow {
		l.snap.SlowQueries++
	}
	l.snap.UpdatedAt = l.now()
	return slow
}

// RecordError counts a failed statement or acquisition.
func (l *Ledger) RecordError() {
	l.mu.Lock()
	l.snap.Errors++
	l.snap.UpdatedAt = l.now()
	l.mu.Unlock()
}

// RecordConnectionCreated counts a newly opened connection.
func (l *Ledger) RecordConnectionCreated() {
	l.mu.Lock()
	l.snap.TotalConnections++
	l.mu.Unlock()
}

// SetConnections mirrors the source's active and idle counts.
func (l *Ledger) SetConnections(active, idle int) {
	l.mu.Lock()
	l.snap.ActiveConnections = active
	l.snap.IdleConnections = idle
	l.snap.UpdatedAt = l.now()
	l.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

// SlowThreshold returns the configured slow-query threshold.
func (l *Ledger) SlowThreshold() time.Duration {
	return l.slowThreshold
}
