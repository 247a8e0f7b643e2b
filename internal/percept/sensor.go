package percept

import (
	"fmt"
	"strings"
)

// Sensor is a named receiver of percepts with its own windowed queue.
type Sensor struct {
	// Name uniquely identifies the sensor.
	Name string `json:"name"`
	// Description of the percepts emitted by this sensor.
	Description string `json:"description"`
	// Enabled controls whether the sensor participates in gather.
	Enabled bool `json:"enabled"`
	// SensitivityScore is an advisory weight for surprise detection, 0-100.
	SensitivityScore int `json:"sensitivity_score"`
	// PerceptSingularName is the singular display name for percept items.
	PerceptSingularName string `json:"percept_singular_name"`
	// PerceptPluralName is the plural display name for percept items.
	PerceptPluralName string `json:"percept_plural_name"`
	// Ingress is the ingestion configuration for this sensor.
	Ingress IngressConfig `json:"ingress"`

	queue *Queue
}

// NewSensor creates an enabled sensor with default sensitivity (50) and
// REST text ingress.
func NewSensor(name, description string) *Sensor {
	return NewSensorWithSensitivity(name, description, 50)
}

// NewSensorWithSensitivity creates an enabled sensor with a specific
// sensitivity score. Scores above 100 are clamped.
func NewSensorWithSensitivity(name, description string, sensitivity int) *Sensor {
	singular, plural := displayNames(name)
	if sensitivity > 100 {
		sensitivity = 100
	}
	if sensitivity < 0 {
		sensitivity = 0
	}

	return &Sensor{
		Name:                name,
		Description:         description,
		Enabled:             true,
		SensitivityScore:    sensitivity,
		PerceptSingularName: singular,
		PerceptPluralName:   plural,
		Ingress:             IngressConfig{Type: IngressRest, Format: RestFormatText},
		queue:               NewQueue(),
	}
}

// Queue returns the sensor's percept queue.
func (s *Sensor) Queue() *Queue {
	return s.queue
}

// Enqueue appends a percept with this sensor's name.
func (s *Sensor) Enqueue(content string) {
	s.queue.Enqueue(New(s.Name, content))
}

// EnqueueChat appends a chat percept carrying a session id.
func (s *Sensor) EnqueueChat(content, chatID string) {
	p := New(s.Name, content)
	p.ChatID = chatID
	s.queue.Enqueue(p)
}

// Validate checks sensor invariants.
func (s *Sensor) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("sensor name cannot be empty")
	}
	if s.SensitivityScore < 0 || s.SensitivityScore > 100 {
		return fmt.Errorf("sensitivity_score must be 0-100, got %d", s.SensitivityScore)
	}
	return s.Ingress.Validate()
}

// displayNames derives singular/plural item names from a sensor or
// actuator name. Names already ending in "s" keep the same plural.
func displayNames(name string) (singular, plural string) {
	singular = strings.ToLower(strings.TrimSpace(name))
	if strings.HasSuffix(singular, "s") {
		return singular, singular
	}
	return singular, singular + "s"
}
