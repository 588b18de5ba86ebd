package metrics

import "time"

// Pipeline holds the event log pipeline metrics. A nil *Pipeline is valid
// and records nothing.
type Pipeline struct {
	registry *Registry

	// Store
	EntriesAppended  *Counter
	EntriesDropped   *Counter
	EntriesTruncated *Counter
	EntriesEvicted   *Counter
	EvictionPasses   *Counter
	LogSizeBytes     *Gauge
	ThresholdBytes   *Gauge

	// Time
	SyncAttempts   *Counter
	SyncSuccesses  *Counter
	SyncFailures   *Counter
	ClockConfident *Gauge

	// Shipper
	EntriesShipped    *Counter
	SendFailures      *Counter
	Heartbeats        *Counter
	HeartbeatFailures *Counter
	CorruptRecords    *Counter
	CommandsReceived  *Counter
	CommandsDropped   *Counter
	Connected         *Gauge
	BackoffStep       *Gauge
	AckLatency        *Histogram

	// Collector
	LinesAccepted *Counter
	LinesRejected *Counter
	Duplicates    *Counter
}

// NewPipeline registers the pipeline metrics on registry.
func NewPipeline(registry *Registry) *Pipeline {
	if registry == nil {
		registry = NewRegistry("hydromatic")
	}

	return &Pipeline{
		registry: registry,

		EntriesAppended:  registry.RegisterCounter("entries_appended_total", "Entries written to the event log", nil),
		EntriesDropped:   registry.RegisterCounter("entries_dropped_total", "Entries that reached only the console", nil),
		EntriesTruncated: registry.RegisterCounter("entries_truncated_total", "Entries whose message was cut", nil),
		EntriesEvicted:   registry.RegisterCounter("entries_evicted_total", "Entries removed by capacity eviction", nil),
		EvictionPasses:   registry.RegisterCounter("eviction_passes_total", "Eviction passes that removed entries", nil),
		LogSizeBytes:     registry.RegisterGauge("log_size_bytes", "Size of the event log file", nil),
		ThresholdBytes:   registry.RegisterGauge("log_threshold_bytes", "Log size that triggers eviction", nil),

		SyncAttempts:   registry.RegisterCounter("time_sync_attempts_total", "Network time requests started", nil),
		SyncSuccesses:  registry.RegisterCounter("time_sync_success_total", "Network time requests that set the clock", nil),
		SyncFailures:   registry.RegisterCounter("time_sync_failures_total", "Network time requests that timed out", nil),
		ClockConfident: registry.RegisterGauge("time_confident", "1 when the clock is trusted", nil),

		EntriesShipped:    registry.RegisterCounter("entries_shipped_total", "Entries acknowledged by the collector", nil),
		SendFailures:      registry.RegisterCounter("send_failures_total", "Sends that got no ack", nil),
		Heartbeats:        registry.RegisterCounter("heartbeats_total", "Heartbeats acknowledged", nil),
		HeartbeatFailures: registry.RegisterCounter("heartbeat_failures_total", "Heartbeats that got no ack", nil),
		CorruptRecords:    registry.RegisterCounter("corrupt_records_total", "Unparseable records removed", nil),
		CommandsReceived:  registry.RegisterCounter("commands_received_total", "Commands received from the collector", nil),
		CommandsDropped:   registry.RegisterCounter("commands_dropped_total", "Commands dropped on a full queue", nil),
		Connected:         registry.RegisterGauge("collector_connected", "1 while connected to the collector", nil),
		BackoffStep:       registry.RegisterGauge("backoff_step", "Current reconnect backoff step", nil),
		AckLatency:        registry.RegisterHistogram("ack_latency_seconds", "Send to ack round trip", nil, DurationBuckets),

		LinesAccepted: registry.RegisterCounter("collector_lines_accepted_total", "Device lines stored and acked", nil),
		LinesRejected: registry.RegisterCounter("collector_lines_rejected_total", "Device lines that failed validation", nil),
		Duplicates:    registry.RegisterCounter("collector_duplicates_total", "Redelivered entries already stored", nil),
	}
}

// Registry returns the underlying registry.
func (m *Pipeline) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordAppend records an append outcome.
func (m *Pipeline) RecordAppend(stored, truncated bool) {
	if m == nil {
		return
	}
	if stored {
		m.EntriesAppended.Inc()
	} else {
		m.EntriesDropped.Inc()
	}
	if truncated {
		m.EntriesTruncated.Inc()
	}
}

// RecordEviction records a pass that removed n entries.
func (m *Pipeline) RecordEviction(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionPasses.Inc()
	m.EntriesEvicted.Add(uint64(n))
}

// SetLogSize updates the log size gauges.
func (m *Pipeline) SetLogSize(size, threshold int64) {
	if m == nil {
		return
	}
	m.LogSizeBytes.Set(size)
	m.ThresholdBytes.Set(threshold)
}

// RecordSyncAttempt records the start of a network time request.
func (m *Pipeline) RecordSyncAttempt() {
	if m == nil {
		return
	}
	m.SyncAttempts.Inc()
}

// RecordSync records the outcome of a network time request.
func (m *Pipeline) RecordSync(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.SyncSuccesses.Inc()
	} else {
		m.SyncFailures.Inc()
	}
}

// SetConfident updates the clock confidence gauge.
func (m *Pipeline) SetConfident(ok bool) {
	if m == nil {
		return
	}
	m.ClockConfident.SetBool(ok)
}

// RecordShipped records an acknowledged entry.
func (m *Pipeline) RecordShipped(rtt time.Duration) {
	if m == nil {
		return
	}
	m.EntriesShipped.Inc()
	m.AckLatency.ObserveDuration(rtt)
}

// RecordSendFailure records a send without ack.
func (m *Pipeline) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// RecordHeartbeat records a heartbeat outcome.
func (m *Pipeline) RecordHeartbeat(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Heartbeats.Inc()
	} else {
		m.HeartbeatFailures.Inc()
	}
}

// RecordCorrupt records a removed corrupt record.
func (m *Pipeline) RecordCorrupt() {
	if m == nil {
		return
	}
	m.CorruptRecords.Inc()
}

// RecordCommand records a received command and whether it was queued.
func (m *Pipeline) RecordCommand(queued bool) {
	if m == nil {
		return
	}
	m.CommandsReceived.Inc()
	if !queued {
		m.CommandsDropped.Inc()
	}
}

// SetConnection updates the connection gauges.
func (m *Pipeline) SetConnection(connected bool, backoffStep int) {
	if m == nil {
		return
	}
	m.Connected.SetBool(connected)
	m.BackoffStep.Set(int64(backoffStep))
}

// RecordCollectorLine records a line handled by the collector.
func (m *Pipeline) RecordCollectorLine(accepted, duplicate bool) {
	if m == nil {
		return
	}
	switch {
	case !accepted:
		m.LinesRejected.Inc()
	case duplicate:
		m.Duplicates.Inc()
	default:
		m.LinesAccepted.Inc()
	}
}

// Snapshot returns a snapshot of key metrics.
func (m *Pipeline) Snapshot() map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"entries_appended":         m.EntriesAppended.Value(),
		"entries_dropped":          m.EntriesDropped.Value(),
		"entries_evicted":          m.EntriesEvicted.Value(),
		"entries_shipped":          m.EntriesShipped.Value(),
		"send_failures":            m.SendFailures.Value(),
		"heartbeats":               m.Heartbeats.Value(),
		"corrupt_records":          m.CorruptRecords.Value(),
		"log_size_bytes":           m.LogSizeBytes.Value(),
		"collector_connected":      m.Connected.Value(),
		"time_confident":           m.ClockConfident.Value(),
		"ack_latency_mean_seconds": m.AckLatency.Mean(),
		"lines_accepted":           m.LinesAccepted.Value(),
		"lines_rejected":           m.LinesRejected.Value(),
		"duplicates":               m.Duplicates.Value(),
	}
}
