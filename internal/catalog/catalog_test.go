package catalog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCatalog() (*WorkerCatalog, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(WithClock(clk.now)), clk
}

func TestCatalog_RecordsAndSwitchesAffinity(t *testing.T) {
	c, _ := newTestCatalog()

	c.Catalog("w1", "G1")
	c.Catalog("w2", "G1")
	assert.Equal(t, 2, c.WorkerCount("G1"))

	c.Catalog("w1", "G2")
	assert.Equal(t, 1, c.WorkerCount("G1"))
	assert.Equal(t, 1, c.WorkerCount("G2"))
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, map[string]int{"G1": 1, "G2": 1}, c.WorkersByGraph())
}

func TestCatalog_PurgesSilentWorkers(t *testing.T) {
	c, clk := newTestCatalog()
	c.Catalog("old", "G1")
	clk.advance(90 * time.Second)
	c.Catalog("fresh", "G1")
	clk.advance(40 * time.Second)

	assert.Equal(t, 1, c.PurgeDeadWorkers())

	obs := c.Observations()
	require.Len(t, obs, 1)
	assert.Equal(t, "fresh", obs[0].WorkerID)
	assert.True(t, c.WorkersAvailable("G1"))

	clk.advance(2 * time.Minute)
	assert.False(t, c.WorkersAvailable("G1"))
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.WorkersByGraph())
}

func TestCatalog_NewerObservationRefreshesLastSeen(t *testing.T) {
	c, clk := newTestCatalog()
	c.Catalog("w1", "G1")
	clk.advance(110 * time.Second)
	c.Catalog("w1", "G1")
	clk.advance(110 * time.Second)

	assert.Equal(t, 0, c.PurgeDeadWorkers())
	assert.Equal(t, 1, c.Size())
}

func TestCatalog_TargetsSumToWorkerCount(t *testing.T) {
	c, _ := newTestCatalog()
	for i := range 10 {
		c.Catalog(fmt.Sprintf("w%d", i), "G1")
	}

	// Truncation alone would give 3+3+3 = 9.
	c.UpdateTargetWorkerCounts(map[string]int{"G1": 1, "G2": 1, "G3": 1})
	targets := c.Targets()
	assert.Equal(t, map[string]int{"G1": 4, "G2": 3, "G3": 3}, targets)

	c.UpdateTargetWorkerCounts(map[string]int{"G1": 5, "G2": 2, "G3": 0})
	assert.Equal(t, map[string]int{"G1": 7, "G2": 3, "G3": 0}, c.Targets())
}

func TestApportion(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		jobs    map[string]int
		want    map[string]int
	}{
		{"no jobs", 4, map[string]int{}, map[string]int{}},
		{"no workers", 0, map[string]int{"a": 2}, map[string]int{"a": 0}},
		{"exact split", 6, map[string]int{"a": 1, "b": 2}, map[string]int{"a": 2, "b": 4}},
		{"largest remainder wins", 5, map[string]int{"a": 1, "b": 2}, map[string]int{"a": 2, "b": 3}},
		{"more graphs than workers", 2, map[string]int{"a": 1, "b": 1, "c": 1}, map[string]int{"a": 1, "b": 1, "c": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := apportion(tt.workers, tt.jobs)
			assert.Equal(t, tt.want, got)

			sum := 0
			for _, n := range got {
				sum += n
			}
			if len(tt.jobs) > 0 && tt.workers > 0 {
				assert.Equal(t, tt.workers, sum)
			}
		})
	}
}

func TestCatalog_WorkerBalance(t *testing.T) {
	c, _ := newTestCatalog()
	c.Catalog("w1", "G1")
	c.Catalog("w2", "G1")
	c.Catalog("w3", "G1")

	c.UpdateTargetWorkerCounts(map[string]int{"G1": 1, "G2": 2})

	assert.Equal(t, 1, c.TargetWorkerCount("G1"))
	assert.Equal(t, 2, c.TargetWorkerCount("G2"))
	assert.True(t, c.TooManyWorkers("G1"))
	assert.False(t, c.NotEnoughWorkers("G1"))
	assert.True(t, c.NotEnoughWorkers("G2"))
	assert.False(t, c.TooManyWorkers("G2"))
}
