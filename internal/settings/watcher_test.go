package settings

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("volume: 1\n"), 0644))

	s, err := OpenViperStore(path)
	require.NoError(t, err)

	var calls atomic.Int32
	w, err := Watch(s, zerolog.Nop(), func(*ViperStore) { calls.Add(1) })
	require.NoError(t, err)
	defer w.Close()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("volume: 9\n"), 0644))

	assert.Eventually(t, func() bool {
		v, _ := s.Get("volume")
		return calls.Load() >= 1 && v == 9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_OwnWritesDoNotNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := OpenViperStore(path)
	require.NoError(t, err)

	var calls atomic.Int32
	w, err := Watch(s, zerolog.Nop(), func(*ViperStore) { calls.Add(1) })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, s.Set("volume", 3))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWatcher_CloseIdempotent(t *testing.T) {
	s, err := OpenViperStore(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	w, err := Watch(s, zerolog.Nop(), nil)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
