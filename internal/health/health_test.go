package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydromatic/internal/eventlog"
	"hydromatic/internal/guard"
	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/shipper"
	"hydromatic/internal/timeauth"
)

var (
	_ StoreStats    = (*eventlog.Store)(nil)
	_ TimeStatus    = (*timeauth.Authority)(nil)
	_ ShipperStatus = (*shipper.Agent)(nil)
)

type storeStatsFunc func() eventlog.Stats

func (f storeStatsFunc) Stats() eventlog.Stats { return f() }

type timeStatusFunc func() (timeauth.Status, error)

func (f timeStatusFunc) Status() (timeauth.Status, error) { return f() }

type shipperStatusFunc func() shipper.Status

func (f shipperStatusFunc) Status() shipper.Status { return f() }

func healthy(context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func degraded(context.Context) CheckResult  { return CheckResult{Status: StatusDegraded} }
func unhealthy(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

// =============================================================================
// Checker
// =============================================================================

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		register func(c *Checker)
		run      bool
		want     Status
	}{
		{
			name:     "no components",
			register: func(c *Checker) {},
			run:      true,
			want:     StatusHealthy,
		},
		{
			name: "critical not yet checked",
			register: func(c *Checker) {
				c.RegisterFunc("store", true, healthy)
			},
			want: StatusUnknown,
		},
		{
			name: "all healthy",
			register: func(c *Checker) {
				c.RegisterFunc("store", true, healthy)
				c.RegisterFunc("time", false, healthy)
			},
			run:  true,
			want: StatusHealthy,
		},
		{
			name: "non critical failure degrades",
			register: func(c *Checker) {
				c.RegisterFunc("store", true, healthy)
				c.RegisterFunc("shipper", false, unhealthy)
			},
			run:  true,
			want: StatusDegraded,
		},
		{
			name: "degraded critical degrades",
			register: func(c *Checker) {
				c.RegisterFunc("store", true, degraded)
			},
			run:  true,
			want: StatusDegraded,
		},
		{
			name: "critical failure wins",
			register: func(c *Checker) {
				c.RegisterFunc("store", true, unhealthy)
				c.RegisterFunc("time", false, degraded)
			},
			run:  true,
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(quartz.NewMock(t))
			tt.register(c)
			if tt.run {
				c.Run(context.Background())
			}
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestRun_PanicAndTimeout(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c.Register(Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-release
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)

	assert.Equal(t, []string{"panics", "slow"}, c.Names())
}

// =============================================================================
// Component checks
// =============================================================================

func TestStoreCheck(t *testing.T) {
	tests := []struct {
		name  string
		stats eventlog.Stats
		want  Status
	}{
		{"under threshold", eventlog.Stats{LogBytes: 100, CapacityBytes: 1000, ThresholdBytes: 800}, StatusHealthy},
		{"over threshold", eventlog.Stats{LogBytes: 900, CapacityBytes: 1000, ThresholdBytes: 800}, StatusDegraded},
		{"unknown capacity", eventlog.Stats{LogBytes: 100}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := StoreCheck(storeStatsFunc(func() eventlog.Stats { return tt.stats }))(context.Background())
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.stats.LogBytes, res.Details["log_bytes"])
		})
	}
}

func TestTimeCheck(t *testing.T) {
	check := func(st timeauth.Status, err error) CheckResult {
		return TimeCheck(timeStatusFunc(func() (timeauth.Status, error) { return st, err }))(context.Background())
	}

	res := check(timeauth.Status{State: "IDLE", Confident: true, LastSync: time.Unix(1700000000, 0), SinceSync: "1m0s"}, nil)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "1m0s", res.Details["since_sync"])

	res = check(timeauth.Status{State: "SYNCING", LastError: "i/o timeout"}, nil)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "i/o timeout", res.Details["last_error"])
	assert.NotContains(t, res.Details, "last_sync")

	res = check(timeauth.Status{}, guard.ErrTimeout)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, guard.ErrTimeout.Error(), res.Error)
}

func TestShipperCheck(t *testing.T) {
	check := func(st shipper.Status) CheckResult {
		return ShipperCheck(shipperStatusFunc(func() shipper.Status { return st }))(context.Background())
	}

	res := check(shipper.Status{Addr: "c:5000", Connected: true, Shipped: 4})
	assert.Equal(t, StatusHealthy, res.Status)
	assert.EqualValues(t, 4, res.Details["shipped"])

	res = check(shipper.Status{Addr: "c:5000", BackoffStep: 2, RetryIn: 10 * time.Second, LastError: "connection refused"})
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "10s", res.Details["retry_in"])
	assert.Equal(t, "connection refused", res.Error)
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := DatabaseCheck(func(context.Context) error { return errors.New("disk I/O error") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "disk I/O error", bad.Error)
}

// =============================================================================
// HTTP
// =============================================================================

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestServer_Routes(t *testing.T) {
	c := NewChecker(quartz.NewMock(t))
	c.RegisterFunc("store", true, healthy)
	c.RegisterFunc("shipper", false, degraded)

	m := metrics.NewPipeline(metrics.NewRegistry("hydromatic"))
	m.RecordShipped(time.Millisecond)
	h := NewServer("127.0.0.1:0", c, m, logging.Discard()).Handler()

	rec, body := get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])

	rec, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", body["status"])

	c.SetReady(true)
	rec, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])

	rec, body = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	components, ok := body["components"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, components, "store")
	assert.Contains(t, components, "shipper")

	rec, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hydromatic_entries_shipped_total 1")

	rec, body = get(t, h, "/metrics.json")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["entries_shipped"])
	assert.Contains(t, body, "lines_accepted")
}

func TestServer_UnhealthyIs503(t *testing.T) {
	c := NewChecker(quartz.NewMock(t))
	c.RegisterFunc("db", true, unhealthy)
	c.SetReady(true)
	h := NewServer("", c, nil, logging.Discard()).Handler()

	rec, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = get(t, h, "/metrics.json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	c := NewChecker(nil)
	s := NewServer("", c, nil, logging.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
