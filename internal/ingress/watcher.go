// Package ingress feeds percepts into sensor queues from outside the
// process. The directory watcher covers directory-ingress sensors; REST
// ingress lives in the HTTP server.
package ingress

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil/internal/logging"
	"vigil/internal/percept"
)

// DirWatcher watches the directories of all directory-ingress sensors and
// enqueues file contents as percepts. It only ever touches sensor queues
// through the registry's enqueue contract, so it never blocks the loop.
type DirWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	sensors     *percept.Registry
	dirToSensor map[string]string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewDirWatcher creates a watcher over the registry's directory sensors.
func NewDirWatcher(sensors *percept.Registry) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &DirWatcher{
		watcher:     watcher,
		sensors:     sensors,
		dirToSensor: make(map[string]string),
		debounceMap: make(map[string]time.Time),
		debounceDur: 200 * time.Millisecond, // settle rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start registers every directory sensor's path and launches the event
// goroutine. Non-blocking.
func (w *DirWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, s := range w.sensors.DirectorySensors() {
		w.Watch(s.Name, s.Ingress.Path)
	}

	go w.run(ctx)
	return nil
}

// Watch adds one directory for one sensor. Called at start and when a
// directory sensor is added at runtime.
func (w *DirWatcher) Watch(sensorName, dir string) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryIngress).Warn("failed to create watch dir %s: %v", dir, err)
	}

	w.mu.Lock()
	w.dirToSensor[filepath.Clean(dir)] = sensorName
	w.mu.Unlock()

	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryIngress).Warn("watch failed for %s: %v", dir, err)
		return
	}
	logging.Ingress("watching %s for sensor %q", dir, sensorName)
}

// Unwatch drops a directory, typically when its sensor is removed.
func (w *DirWatcher) Unwatch(dir string) {
	w.mu.Lock()
	delete(w.dirToSensor, filepath.Clean(dir))
	w.mu.Unlock()

	if err := w.watcher.Remove(dir); err != nil {
		logging.IngressDebug("unwatch %s: %v", dir, err)
	}
}

// Stop halts the watcher and waits for the goroutine to drain.
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryIngress).Error("error closing watcher: %v", err)
	}
	logging.Ingress("directory watcher stopped")
}

func (w *DirWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIngress).Error("watcher error: %v", err)
		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *DirWatcher) handleEvent(event fsnotify.Event) {
	// Creates and writes produce percepts; deletes and renames do not.
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()

	logging.IngressDebug("fs event %s on %s", event.Op, event.Name)
}

func (w *DirWatcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.ingestFile(path)
	}
}

// ingestFile reads a settled file and enqueues its content as one percept
// on the owning sensor.
func (w *DirWatcher) ingestFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	sensorName, ok := w.dirToSensor[filepath.Clean(filepath.Dir(path))]
	w.mu.Unlock()
	if !ok {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		logging.Get(logging.CategoryIngress).Warn("failed to read %s: %v", path, err)
		return
	}

	if err := w.sensors.Enqueue(sensorName, string(content)); err != nil {
		logging.Get(logging.CategoryIngress).Warn("enqueue for sensor %q failed: %v", sensorName, err)
		return
	}
	logging.IngressDebug("ingested %s (%d bytes) into sensor %q", filepath.Base(path), len(content), sensorName)
}
