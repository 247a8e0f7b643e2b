package percept

import (
	"fmt"
	"sort"
	"sync"

	"vigil/internal/logging"
)

// ErrSensorNotFound is returned when a named sensor is not registered.
var ErrSensorNotFound = fmt.Errorf("sensor not found")

// Registry holds all configured sensors and their queues.
//
// The registry is the only shared structure between ingress adapters and the
// loop: adapters call Enqueue, the orchestrator calls DrainAll. Sensor
// configuration is mutated through registry methods only.
type Registry struct {
	mu      sync.RWMutex
	sensors map[string]*Sensor
}

// NewRegistry creates an empty sensor registry.
func NewRegistry() *Registry {
	return &Registry{sensors: make(map[string]*Sensor)}
}

// Add registers a sensor, replacing any existing sensor with the same name.
func (r *Registry) Add(s *Sensor) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sensor %q: %w", s.Name, err)
	}
	if s.queue == nil {
		s.queue = NewQueue()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[s.Name] = s
	logging.Sensors("registered sensor %q (ingress=%s, sensitivity=%d)",
		s.Name, s.Ingress.Type, s.SensitivityScore)
	return nil
}

// Remove destroys a sensor and its queue.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sensors[name]; !ok {
		return fmt.Errorf("%w: %q", ErrSensorNotFound, name)
	}
	delete(r.sensors, name)
	logging.Sensors("removed sensor %q", name)
	return nil
}

// SensorUpdate carries optional configuration changes for a sensor.
// Nil fields are left untouched.
type SensorUpdate struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	SensitivityScore *int    `json:"sensitivity_score,omitempty"`
	Description      *string `json:"description,omitempty"`
}

// Update applies configuration changes to a registered sensor. A disabled
// sensor keeps accepting percepts; it is only frozen out of DrainAll.
func (r *Registry) Update(name string, update SensorUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sensors[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSensorNotFound, name)
	}

	if update.SensitivityScore != nil {
		score := *update.SensitivityScore
		if score < 0 || score > 100 {
			return fmt.Errorf("sensitivity_score must be 0-100, got %d", score)
		}
		s.SensitivityScore = score
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.Description != nil {
		s.Description = *update.Description
	}

	logging.SensorsDebug("updated sensor %q (enabled=%v, sensitivity=%d)",
		s.Name, s.Enabled, s.SensitivityScore)
	return nil
}

// Enqueue appends a percept to the named sensor's queue. Safe to call
// concurrently from any ingress adapter; disabled sensors still accept
// percepts so nothing is lost.
func (r *Registry) Enqueue(sensorName, content string) error {
	r.mu.RLock()
	s, ok := r.sensors[sensorName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSensorNotFound, sensorName)
	}
	s.Enqueue(content)
	return nil
}

// EnqueueChat appends a chat percept carrying a session id.
func (r *Registry) EnqueueChat(sensorName, content, chatID string) error {
	r.mu.RLock()
	s, ok := r.sensors[sensorName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSensorNotFound, sensorName)
	}
	s.EnqueueChat(content, chatID)
	return nil
}

// Get returns the sensor with the given name.
func (r *Registry) Get(name string) (*Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sensors[name]
	return s, ok
}

// SensitivityOf returns the sensitivity score for a sensor, or 0 when the
// sensor is unknown.
func (r *Registry) SensitivityOf(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sensors[name]; ok {
		return s.SensitivityScore
	}
	return 0
}

// DrainAll drains the windows of all enabled sensors, in sensor-name order,
// and aggregates the percepts. Disabled sensors are frozen: their pending
// percepts stay queued until re-enabled.
func (r *Registry) DrainAll() []Percept {
	r.mu.RLock()
	enabled := make([]*Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })

	var all []Percept
	for _, s := range enabled {
		all = append(all, s.queue.DrainWindow()...)
	}
	return all
}

// Status is a read-only snapshot of one sensor for observability.
type Status struct {
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	Enabled          bool        `json:"enabled"`
	SensitivityScore int         `json:"sensitivity_score"`
	Ingress          IngressType `json:"ingress"`
	UnreadCount      int         `json:"unread_count"`
	QueuedCount      int         `json:"queued_count"`
}

// Statuses returns a snapshot of every sensor, sorted by name. The cursor is
// not perturbed.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]Status, 0, len(r.sensors))
	for _, s := range r.sensors {
		statuses = append(statuses, Status{
			Name:             s.Name,
			Description:      s.Description,
			Enabled:          s.Enabled,
			SensitivityScore: s.SensitivityScore,
			Ingress:          s.Ingress.Type,
			UnreadCount:      s.queue.UnreadCount(),
			QueuedCount:      s.queue.QueuedCount(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// DirectorySensors returns the sensors configured with directory-watch
// ingress, for the fsnotify adapter.
func (r *Registry) DirectorySensors() []*Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Sensor
	for _, s := range r.sensors {
		if s.Ingress.Type == IngressDirectory {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
