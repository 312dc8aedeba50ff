package updater

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndReleaseRunMarker(t *testing.T) {
	t.Chdir(t.TempDir())

	ctx := context.Background()

	require.NoError(t, acquireRunMarker(ctx))

	contents, err := os.ReadFile(MarkerFilename)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(contents))

	// The marker belongs to a live process, namely this one.
	require.ErrorIs(t, acquireRunMarker(ctx), errAlreadyRunning)

	releaseRunMarker()

	_, err = os.Stat(MarkerFilename)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestAcquireRunMarkerClearsStaleOwner(t *testing.T) {
	t.Chdir(t.TempDir())

	ctx := context.Background()

	// Far beyond any real PID, so the owner is long gone.
	require.NoError(t, os.WriteFile(MarkerFilename, []byte("999999999"), 0o600))

	require.NoError(t, acquireRunMarker(ctx))

	contents, err := os.ReadFile(MarkerFilename)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(contents))

	releaseRunMarker()
}

func TestAcquireRunMarkerClearsGarbage(t *testing.T) {
	t.Chdir(t.TempDir())

	require.NoError(t, os.WriteFile(MarkerFilename, []byte("not a pid"), 0o600))

	require.NoError(t, acquireRunMarker(context.Background()))

	releaseRunMarker()
}

func TestIsUpdaterProcessAlive(t *testing.T) {
	t.Parallel()

	assert.True(t, isUpdaterProcessAlive(os.Getpid()))
	assert.False(t, isUpdaterProcessAlive(0))
	assert.False(t, isUpdaterProcessAlive(-7))
	assert.False(t, isUpdaterProcessAlive(999999999))
}
