package health

import (
	"context"

	"hydromatic/internal/eventlog"
	"hydromatic/internal/shipper"
	"hydromatic/internal/timeauth"
)

// StoreStats is implemented by *eventlog.Store.
type StoreStats interface {
	Stats() eventlog.Stats
}

// StoreCheck reports the event log size against its eviction threshold. A
// log over the threshold is degraded until the next maintenance pass.
func StoreCheck(s StoreStats) Check {
	return func(ctx context.Context) CheckResult {
		st := s.Stats()
		details := map[string]any{
			"log_bytes":       st.LogBytes,
			"threshold_bytes": st.ThresholdBytes,
			"capacity_bytes":  st.CapacityBytes,
			"boot_seq":        st.BootSeq,
			"next_seq":        st.NextSeq,
		}

		switch {
		case st.CapacityBytes == 0:
			return CheckResult{Status: StatusDegraded, Message: "volume capacity unknown", Details: details}
		case st.LogBytes > st.ThresholdBytes:
			return CheckResult{Status: StatusDegraded, Message: "log over eviction threshold", Details: details}
		default:
			return CheckResult{Status: StatusHealthy, Message: "log within threshold", Details: details}
		}
	}
}

// TimeStatus is implemented by *timeauth.Authority.
type TimeStatus interface {
	Status() (timeauth.Status, error)
}

// TimeCheck reports whether timestamps can currently be trusted. An
// unsynced clock degrades but never fails the process, since entries are
// still stored with uptime.
func TimeCheck(a TimeStatus) Check {
	return func(ctx context.Context) CheckResult {
		st, err := a.Status()
		if err != nil {
			return CheckResult{Status: StatusDegraded, Message: "time state busy", Error: err.Error()}
		}

		details := map[string]any{
			"state":    st.State,
			"server":   st.Server,
			"attempts": st.Attempts,
		}
		if !st.LastSync.IsZero() {
			details["last_sync"] = st.LastSync
			details["since_sync"] = st.SinceSync
		}
		if st.LastError != "" {
			details["last_error"] = st.LastError
		}

		if !st.Confident {
			return CheckResult{Status: StatusDegraded, Message: "time not confident", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "time confident", Details: details}
	}
}

// ShipperStatus is implemented by *shipper.Agent.
type ShipperStatus interface {
	Status() shipper.Status
}

// ShipperCheck reports the collector link.
func ShipperCheck(a ShipperStatus) Check {
	return func(ctx context.Context) CheckResult {
		st := a.Status()
		details := map[string]any{
			"addr":         st.Addr,
			"backoff_step": st.BackoffStep,
			"shipped":      st.Shipped,
			"heartbeats":   st.Heartbeats,
			"corrupt":      st.Corrupt,
			"last_step":    st.LastStep,
		}
		if st.RetryIn > 0 {
			details["retry_in"] = st.RetryIn.String()
		}

		if !st.Connected {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "collector not connected",
				Details: details,
				Error:   st.LastError,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "collector connected", Details: details}
	}
}

// DatabaseCheck returns a health check for database connectivity.
func DatabaseCheck(pingFunc func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := pingFunc(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
		}
	}
}
