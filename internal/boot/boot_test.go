package boot

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterPath = "/data/boot_counter.json"

func TestReadCounter_Missing(t *testing.T) {
	fsys := afero.NewMemMapFs()

	seq, err := ReadCounter(fsys, counterPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
}

func TestReadCounter_Corrupt(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, counterPath, []byte("{not json"), 0o644))

	_, err := ReadCounter(fsys, counterPath)
	assert.Error(t, err)
}

func TestReadCounter_MissingField(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, counterPath, []byte(`{"other":3}`), 0o644))

	_, err := ReadCounter(fsys, counterPath)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestWriteReadCounter(t *testing.T) {
	fsys := afero.NewMemMapFs()

	require.NoError(t, WriteCounter(fsys, counterPath, 41))

	data, err := afero.ReadFile(fsys, counterPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"boot_seq":41}`, string(data))

	seq, err := ReadCounter(fsys, counterPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), seq)
}

func TestBegin_IncrementsOncePerBoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	clock := quartz.NewMock(t)

	first := Begin(fsys, counterPath, clock, nil)
	assert.Equal(t, uint32(1), first.Seq())

	second := Begin(fsys, counterPath, clock, nil)
	assert.Equal(t, uint32(2), second.Seq())

	seq, err := ReadCounter(fsys, counterPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq)
}

func TestBegin_RecoversFromCorruptCounter(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, counterPath, []byte("garbage"), 0o644))

	s := Begin(fsys, counterPath, quartz.NewMock(t), nil)
	assert.Equal(t, uint32(1), s.Seq())
}

func TestBegin_ReadOnlyFilesystem(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, WriteCounter(base, counterPath, 7))
	ro := afero.NewReadOnlyFs(base)

	// The write fails but the boot still gets a sequence number.
	s := Begin(ro, counterPath, quartz.NewMock(t), nil)
	assert.Equal(t, uint32(8), s.Seq())
}

func TestSession_Uptime(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s := NewSession(3, clock)
	assert.Equal(t, uint32(0), s.UptimeMS())

	clock.Advance(15 * time.Second)
	assert.Equal(t, uint32(15000), s.UptimeMS())
	assert.Equal(t, 15*time.Second, s.Uptime())
	assert.Equal(t, uint32(3), s.Seq())
}
