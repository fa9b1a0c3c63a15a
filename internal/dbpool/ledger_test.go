package dbpool

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRollingMean(t *testing.T) {
	l := NewLedger(time.Second)
	samples := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 60 * time.Millisecond, 2 * time.Millisecond}

	var sum float64
	for i, d := range samples {
		l.RecordQuery(d)
		sum += float64(d) / float64(time.Millisecond)

		snap := l.Snapshot()
		require.Equal(t, int64(i+1), snap.TotalQueries)
		assert.InDelta(t, sum/float64(i+1), snap.AvgQueryTimeMs, 1e-9)
	}
}

func TestLedgerSlowQueries(t *testing.T) {
	l := NewLedger(100 * time.Millisecond)

	assert.False(t, l.RecordQuery(100*time.Millisecond), "threshold itself is not slow")
	assert.True(t, l.RecordQuery(101*time.Millisecond))
	assert.False(t, l.RecordQuery(time.Millisecond))

	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.SlowQueries)
	assert.Equal(t, int64(3), snap.TotalQueries)
}

func TestLedgerDefaultThreshold(t *testing.T) {
	l := NewLedger(0)
	assert.Equal(t, DefaultSlowQueryThreshold, l.SlowThreshold())
}

func TestSnapshotErrorRate(t *testing.T) {
	tests := []struct {
		name     string
		snap     Snapshot
		expected float64
	}{
		{name: "no outcomes", snap: Snapshot{}, expected: 0},
		{name: "only errors", snap: Snapshot{Errors: 4}, expected: 1},
		{name: "mixed", snap: Snapshot{TotalQueries: 95, Errors: 5}, expected: 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tt.snap.ErrorRate(), 1e-12)
		})
	}
}

func TestLedgerConcurrentUpdates(t *testing.T) {
	l := NewLedger(time.Second)

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				l.RecordQuery(5 * time.Millisecond)
				if i%10 == 0 {
					l.RecordError()
				}
			}
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	assert.Equal(t, int64(workers*perWorker), snap.TotalQueries)
	assert.Equal(t, int64(workers*perWorker/10), snap.Errors)
	assert.False(t, math.IsNaN(snap.AvgQueryTimeMs))
	assert.InDelta(t, 5.0, snap.AvgQueryTimeMs, 1e-9)
}

func TestUtilizationRatio(t *testing.T) {
	assert.Equal(t, 0.0, Utilization{Active: 3}.Ratio())
	assert.Equal(t, 0.5, Utilization{Active: 5, Max: 10}.Ratio())
	assert.Equal(t, 1.0, Utilization{Active: 12, Max: 10}.Ratio())
}

func TestTruncateStatement(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateStatement(short))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateStatement(string(long))
	assert.Len(t, got, 203)
}
