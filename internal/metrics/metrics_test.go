package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test")
	c := r.RegisterCounter("things_total", "Things", nil)
	g := r.RegisterGauge("level", "Level", nil)

	c.Inc()
	c.Add(4)
	g.Set(10)
	g.Add(-3)

	assert.EqualValues(t, 5, c.Value())
	assert.EqualValues(t, 7, g.Value())
	assert.Equal(t, "test_things_total", c.Name())

	g.SetBool(true)
	assert.EqualValues(t, 1, g.Value())
	g.SetBool(false)
	assert.EqualValues(t, 0, g.Value())
}

func TestRegistry_ReuseReturnsSameMetric(t *testing.T) {
	r := NewRegistry("")
	a := r.RegisterCounter("x", "", nil)
	b := r.RegisterCounter("x", "", nil)
	assert.Same(t, a, b)
	assert.Equal(t, "x", a.Name())
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter("c", "", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 8000, c.Value())
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("rtt", "", nil, []float64{1, 0.1, 0.5})
	h.Observe(0.1) // upper bounds are inclusive
	h.Observe(0.3)
	h.ObserveDuration(2 * time.Second)

	assert.EqualValues(t, 3, h.Count())
	assert.InDelta(t, 0.8, h.Mean(), 1e-9)

	var b strings.Builder
	r := NewRegistry("")
	r.histograms["rtt"] = h
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, `rtt_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `rtt_bucket{le="0.5"} 2`)
	assert.Contains(t, out, `rtt_bucket{le="1"} 2`)
	assert.Contains(t, out, `rtt_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "rtt_count 3")
}

func TestWritePrometheus_Labels(t *testing.T) {
	r := NewRegistry("hydro")
	r.RegisterCounter("lines_total", "Lines", Labels{"kind": "entry", "dir": "in"}).Add(3)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	assert.Contains(t, b.String(), "# TYPE hydro_lines_total counter")
	assert.Contains(t, b.String(), `hydro_lines_total{dir="in",kind="entry"} 3`)
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("hydro")
	r.RegisterGauge("up", "Up", nil).Set(1)

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "hydro_up 1")
}

// =============================================================================
// Pipeline
// =============================================================================

func TestPipeline_NilIsNoop(t *testing.T) {
	var m *Pipeline
	assert.NotPanics(t, func() {
		m.RecordAppend(true, true)
		m.RecordEviction(3)
		m.SetLogSize(1, 2)
		m.RecordSyncAttempt()
		m.RecordSync(true)
		m.SetConfident(true)
		m.RecordShipped(time.Millisecond)
		m.RecordSendFailure()
		m.RecordHeartbeat(false)
		m.RecordCorrupt()
		m.RecordCommand(false)
		m.SetConnection(true, 2)
		m.RecordCollectorLine(true, false)
	})
	assert.Nil(t, m.Snapshot())
	assert.Nil(t, m.Registry())
}

func TestPipeline_Records(t *testing.T) {
	m := NewPipeline(NewRegistry("test"))

	m.RecordAppend(true, false)
	m.RecordAppend(true, true)
	m.RecordAppend(false, false)
	assert.EqualValues(t, 2, m.EntriesAppended.Value())
	assert.EqualValues(t, 1, m.EntriesDropped.Value())
	assert.EqualValues(t, 1, m.EntriesTruncated.Value())

	m.RecordEviction(0)
	m.RecordEviction(4)
	assert.EqualValues(t, 1, m.EvictionPasses.Value())
	assert.EqualValues(t, 4, m.EntriesEvicted.Value())

	m.RecordCommand(true)
	m.RecordCommand(false)
	assert.EqualValues(t, 2, m.CommandsReceived.Value())
	assert.EqualValues(t, 1, m.CommandsDropped.Value())

	m.RecordCollectorLine(true, false)
	m.RecordCollectorLine(true, true)
	m.RecordCollectorLine(false, false)
	assert.EqualValues(t, 1, m.LinesAccepted.Value())
	assert.EqualValues(t, 1, m.Duplicates.Value())
	assert.EqualValues(t, 1, m.LinesRejected.Value())

	m.SetConnection(true, 2)
	m.RecordShipped(20 * time.Millisecond)
	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap["collector_connected"])
	assert.EqualValues(t, 1, snap["entries_shipped"])
	assert.EqualValues(t, 2, m.BackoffStep.Value())
}
