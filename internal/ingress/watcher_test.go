package ingress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/percept"
)

func newDirSensor(t *testing.T, name string) (*percept.Sensor, string) {
	t.Helper()
	dir := t.TempDir()
	s := percept.NewSensor(name, "dropped files")
	s.Ingress = percept.IngressConfig{Type: percept.IngressDirectory, Path: dir}
	return s, dir
}

func TestDirWatcher_IngestsCreatedFiles(t *testing.T) {
	sensors := percept.NewRegistry()
	s, dir := newDirSensor(t, "dropbox")
	require.NoError(t, sensors.Add(s))

	w, err := NewDirWatcher(sensors)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("server down"), 0o644))

	require.Eventually(t, func() bool {
		return len(sensors.DrainAll()) > 0 || s.Queue().UnreadCount() > 0
	}, 3*time.Second, 20*time.Millisecond, "file content should arrive as a percept")
}

func TestDirWatcher_IgnoresRemoves(t *testing.T) {
	sensors := percept.NewRegistry()
	s, dir := newDirSensor(t, "dropbox")
	require.NoError(t, sensors.Add(s))

	path := filepath.Join(dir, "tmp.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w, err := NewDirWatcher(sensors)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.Remove(path))

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, s.Queue().UnreadCount())
}

func TestDirWatcher_WatchAtRuntime(t *testing.T) {
	sensors := percept.NewRegistry()

	w, err := NewDirWatcher(sensors)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	s, dir := newDirSensor(t, "late")
	require.NoError(t, sensors.Add(s))
	w.Watch(s.Name, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("payload"), 0o644))

	require.Eventually(t, func() bool {
		return s.Queue().UnreadCount() > 0
	}, 3*time.Second, 20*time.Millisecond)

	drained := sensors.DrainAll()
	require.Len(t, drained, 1)
	assert.Equal(t, "payload", drained[0].Content)
	assert.Equal(t, "late", drained[0].SensorName)
}

func TestDirWatcher_StopIsIdempotent(t *testing.T) {
	sensors := percept.NewRegistry()
	w, err := NewDirWatcher(sensors)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background())) // second start is a no-op

	w.Stop()
	w.Stop()
}
