package eventlog

import (
	"fmt"

	"hydromatic/internal/sysinfo"
)

// EvictResult describes one maintenance pass.
type EvictResult struct {
	SizeBefore int64
	SizeAfter  int64
	Threshold  int64
	Target     int64
	Removed    int
}

// Evicted reports whether the pass removed anything.
func (r EvictResult) Evicted() bool { return r.Removed > 0 }

// Stats is a point-in-time view of the store and its host.
type Stats struct {
	sysinfo.Snapshot
	LogBytes       int64  `json:"log_bytes"`
	CapacityBytes  uint64 `json:"capacity_bytes"`
	ThresholdBytes int64  `json:"threshold_bytes"`
	BootSeq        uint32 `json:"boot_seq"`
	NextSeq        uint32 `json:"next_seq"`
}

// Stats returns current figures. It has no side effects.
func (s *Store) Stats() Stats {
	st := Stats{
		Snapshot: s.sampler.Sample(),
		BootSeq:  s.session.Seq(),
		NextSeq:  s.nextSeq.Load(),
	}
	if size, err := s.Size(); err == nil {
		st.LogBytes = size
	}
	if usage, err := s.volume.Usage(); err == nil {
		st.CapacityBytes = usage.Total
		st.ThresholdBytes = s.threshold(usage.Total)
	}
	return st
}

func (s *Store) threshold(capacity uint64) int64 {
	return int64(float64(capacity) * s.ratio)
}

// Maintain runs one eviction pass. When the log exceeds the threshold,
// whole records are dropped from the head until the remainder fits in half
// the threshold. The newest record is always kept. Under the threshold the
// pass does nothing.
func (s *Store) Maintain() (EvictResult, error) {
	usage, err := s.volume.Usage()
	if err != nil {
		return EvictResult{}, fmt.Errorf("volume usage: %w", err)
	}

	res := EvictResult{Threshold: s.threshold(usage.Total)}
	res.Target = res.Threshold / 2

	err = s.guard.Do(func() error {
		size, err := s.Size()
		if err != nil {
			return fmt.Errorf("stat log file: %w", err)
		}
		res.SizeBefore, res.SizeAfter = size, size
		if size <= res.Threshold {
			return nil
		}

		var ends []int64
		if err := s.scan(func(_, end int64, _ []byte) bool {
			ends = append(ends, end)
			return true
		}); err != nil {
			return err
		}

		skip := 0
		for skip < len(ends)-1 {
			skip++
			if size-ends[skip-1] <= res.Target {
				break
			}
		}
		if skip == 0 {
			return nil
		}

		cut := ends[skip-1]
		if err := s.rewriteFrom(cut); err != nil {
			return err
		}
		res.Removed = skip
		res.SizeAfter = size - cut
		return nil
	})
	if err != nil {
		return res, err
	}

	s.metrics.SetLogSize(res.SizeAfter, res.Threshold)
	if res.Evicted() {
		s.metrics.RecordEviction(res.Removed)
		s.logger.Info("evicted oldest entries",
			"removed", res.Removed,
			"freed_bytes", res.SizeBefore-res.SizeAfter,
			"size", res.SizeAfter,
			"threshold", res.Threshold,
			"target", res.Target)
	}
	return res, nil
}
