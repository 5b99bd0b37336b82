package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHealthy(t *testing.T) {
	p := newTestPool(t)
	d := p.start(Options{})
	assert.True(t, d.IsHealthy())

	_, err := os.Stat(filepath.Join(p.base, probeFile))
	assert.True(t, os.IsNotExist(err), "probe file must be cleaned up")
}

func TestIsHealthy_MissingSetup(t *testing.T) {
	p := newTestPool(t)
	d := p.start(Options{})
	require.NoError(t, os.Remove(filepath.Join(p.base, SetupFile)))
	assert.False(t, d.IsHealthy())
}

func TestIsHealthy_MetadataStoreDown(t *testing.T) {
	p := newTestPool(t)
	d := p.start(Options{})
	require.NoError(t, p.meta.Close())
	assert.False(t, d.IsHealthy())
}

func TestIsHealthy_DataDirectoryGone(t *testing.T) {
	p := newTestPool(t)
	d := p.start(Options{})
	require.NoError(t, os.RemoveAll(DataDir(p.base)))
	assert.False(t, d.IsHealthy())
}

func TestInitLayoutIsIdempotent(t *testing.T) {
	base := filepath.Join(t.TempDir(), "pool")
	require.NoError(t, InitLayout(base))
	require.NoError(t, os.WriteFile(filepath.Join(base, SetupFile), []byte("set max diskspace 1g\n"), 0o644))
	require.NoError(t, InitLayout(base))

	data, err := os.ReadFile(filepath.Join(base, SetupFile))
	require.NoError(t, err)
	assert.Equal(t, "set max diskspace 1g\n", string(data))
	for _, dir := range []string{DataDir(base), ControlDir(base)} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}
