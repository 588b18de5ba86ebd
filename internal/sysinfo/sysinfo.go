// Package sysinfo collects the resource snapshot attached to every log entry
// and heartbeat, and reports storage capacity for eviction decisions.
package sysinfo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/afero"
)

// Snapshot is the live resource picture of the device.
type Snapshot struct {
	HeapFree     uint64 `json:"heap_free"`
	HeapUsed     uint64 `json:"heap_used"`
	FreeExtraRAM uint64 `json:"free_extra_ram"`
	TaskCount    int    `json:"task_count"`
	StorageFree  uint64 `json:"storage_free"`
	StorageUsed  uint64 `json:"storage_used"`
}

// Usage describes a storage volume.
type Usage struct {
	Total uint64
	Used  uint64
}

// Free returns the unused bytes on the volume.
func (u Usage) Free() uint64 {
	if u.Used >= u.Total {
		return 0
	}
	return u.Total - u.Used
}

// Volume reports capacity of the storage holding the event log.
type Volume interface {
	Usage() (Usage, error)
}

// Sampler produces snapshots.
type Sampler interface {
	Sample() Snapshot
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() Snapshot

// Sample calls f.
func (f SamplerFunc) Sample() Snapshot { return f() }

// Probe samples the running process and host.
type Probe struct {
	volume Volume
}

// NewProbe creates a Probe reading storage figures from volume. A nil
// volume reports zero storage.
func NewProbe(volume Volume) *Probe {
	return &Probe{volume: volume}
}

// Sample gathers a snapshot. Individual sources that fail report zero.
func (p *Probe) Sample() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		HeapFree:  ms.HeapIdle - ms.HeapReleased,
		HeapUsed:  ms.HeapInuse,
		TaskCount: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.FreeExtraRAM = vm.Available
	}

	if p.volume != nil {
		if u, err := p.volume.Usage(); err == nil {
			snap.StorageFree = u.Free()
			snap.StorageUsed = u.Used
		}
	}
	return snap
}

// FixedVolume is a volume of a configured size whose usage is the sum of the
// files below Root. It models a small flash partition on a host with a much
// larger disk.
type FixedVolume struct {
	Fs       afero.Fs
	Root     string
	Capacity uint64
}

// Usage walks Root and sums regular file sizes.
func (v FixedVolume) Usage() (Usage, error) {
	var used uint64
	err := afero.Walk(v.Fs, v.Root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			used += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("walk %s: %w", v.Root, err)
	}
	return Usage{Total: v.Capacity, Used: used}, nil
}
