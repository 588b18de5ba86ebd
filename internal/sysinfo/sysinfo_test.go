package sysinfo

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedVolume_Usage(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/data/active.log", make([]byte, 300), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/data/ntp_history.json", make([]byte, 50), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/other/ignored", make([]byte, 999), 0o644))

	v := FixedVolume{Fs: fsys, Root: "/data", Capacity: 1000}
	u, err := v.Usage()
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), u.Total)
	assert.Equal(t, uint64(350), u.Used)
	assert.Equal(t, uint64(650), u.Free())
}

func TestFixedVolume_MissingRoot(t *testing.T) {
	v := FixedVolume{Fs: afero.NewMemMapFs(), Root: "/data", Capacity: 10}
	u, err := v.Usage()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), u.Used)
}

func TestUsage_FreeNeverNegative(t *testing.T) {
	assert.Equal(t, uint64(0), Usage{Total: 10, Used: 20}.Free())
}

func TestProbe_Sample(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/data/a", make([]byte, 100), 0o644))

	p := NewProbe(FixedVolume{Fs: fsys, Root: "/data", Capacity: 1000})
	snap := p.Sample()

	assert.Equal(t, uint64(100), snap.StorageUsed)
	assert.Equal(t, uint64(900), snap.StorageFree)
	assert.Positive(t, snap.TaskCount)
	assert.Positive(t, snap.HeapUsed)
}

func TestSamplerFunc(t *testing.T) {
	want := Snapshot{HeapFree: 1, TaskCount: 2}
	var s Sampler = SamplerFunc(func() Snapshot { return want })
	assert.Equal(t, want, s.Sample())
}
