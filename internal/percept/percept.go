// Package percept implements the sensory side of the vigil loop: percepts,
// per-sensor windowed queues, and the sensor registry the orchestrator
// gathers from each iteration.
package percept

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RestFormat is the accepted payload format for REST-ingested percepts.
type RestFormat string

const (
	// RestFormatText accepts plain text or markdown payloads.
	RestFormatText RestFormat = "text"
	// RestFormatJSON accepts JSON payloads serialized to text.
	RestFormatJSON RestFormat = "json"
)

// IngressType describes how a sensor receives percepts.
type IngressType string

const (
	// IngressInternal receives percepts from internal runtime hooks.
	IngressInternal IngressType = "internal"
	// IngressDirectory receives percepts by watching files in a directory.
	IngressDirectory IngressType = "directory"
	// IngressRest receives percepts via the HTTP API.
	IngressRest IngressType = "rest_api"
)

// IngressConfig is the ingestion configuration for a sensor.
type IngressConfig struct {
	Type IngressType `json:"type" yaml:"type"`
	// Path is the watched directory for IngressDirectory sensors.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Format is the accepted payload format for IngressRest sensors.
	Format RestFormat `json:"format,omitempty" yaml:"format,omitempty"`
}

// Validate checks the ingress configuration.
func (c IngressConfig) Validate() error {
	switch c.Type {
	case IngressInternal:
		return nil
	case IngressDirectory:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("directory ingress requires a path")
		}
		return nil
	case IngressRest:
		switch c.Format {
		case RestFormatText, RestFormatJSON:
			return nil
		}
		return fmt.Errorf("rest ingress format must be %q or %q", RestFormatText, RestFormatJSON)
	}
	return fmt.Errorf("unknown ingress type %q", c.Type)
}

// Percept is a single unit of perception received from a sensor.
// Percepts are immutable once created.
type Percept struct {
	// ID uniquely identifies the percept across the ledger.
	ID string `json:"id"`
	// SensorName is the name of the sensor that emitted this percept.
	SensorName string `json:"sensor_name"`
	// Content is the opaque percept payload (possibly JSON).
	Content string `json:"content"`
	// ChatID is set when the percept came from a chat session.
	ChatID string `json:"chat_id,omitempty"`
	// ReceivedAtMS is the enqueue timestamp in unix milliseconds.
	ReceivedAtMS int64 `json:"received_at_ms"`
}

// New creates a percept stamped with the current time.
func New(sensorName, content string) Percept {
	return Percept{
		ID:           uuid.NewString(),
		SensorName:   sensorName,
		Content:      content,
		ReceivedAtMS: time.Now().UnixMilli(),
	}
}
