//go:build !(linux || darwin || freebsd)

package sysinfo

import "errors"

// StatfsVolume is unavailable on this platform; configure a fixed capacity.
type StatfsVolume struct {
	Path string
}

// Usage always fails on this platform.
func (v StatfsVolume) Usage() (Usage, error) {
	return Usage{}, errors.New("sysinfo: statfs not supported on this platform")
}
