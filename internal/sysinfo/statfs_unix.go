//go:build linux || darwin || freebsd

package sysinfo

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsVolume reports the filesystem containing Path.
type StatfsVolume struct {
	Path string
}

// Usage queries statfs(2).
func (v StatfsVolume) Usage() (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.Path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", v.Path, err)
	}
	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	free := uint64(st.Bfree) * bsize
	return Usage{Total: total, Used: total - free}, nil
}
