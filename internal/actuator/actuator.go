package actuator

import (
	"fmt"
	"sort"
	"sync"

	"vigil/internal/logging"
	"vigil/internal/policy"
)

// Kind distinguishes where an actuator's side effects run.
type Kind string

const (
	// KindInternal actuators are built into the binary.
	KindInternal Kind = "internal"
	// KindMCP actuators forward to an MCP server.
	KindMCP Kind = "mcp"
	// KindWorkflow actuators run a named multi-cell workflow.
	KindWorkflow Kind = "workflow"
)

// MCPConnection is the transport to an MCP server.
type MCPConnection string

const (
	ConnectionHTTP  MCPConnection = "http"
	ConnectionStdio MCPConnection = "stdio"
)

// Actuator is one registered action surface with its safety policy.
type Actuator struct {
	Name        string `json:"name" yaml:"name"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// MCP actuators only.
	Connection MCPConnection `json:"connection,omitempty" yaml:"connection,omitempty"`
	URL        string        `json:"url,omitempty" yaml:"url,omitempty"`

	// Workflow actuators only.
	Cells []string `json:"cells,omitempty" yaml:"cells,omitempty"`

	Policy policy.SafetyPolicy `json:"policy" yaml:"policy"`
}

// Validate checks the actuator definition, including its policy.
func (a Actuator) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("actuator name cannot be empty")
	}
	switch a.Kind {
	case KindInternal:
	case KindMCP:
		switch a.Connection {
		case ConnectionHTTP:
			if a.URL == "" {
				return fmt.Errorf("actuator %q: http connection requires a url", a.Name)
			}
		case ConnectionStdio:
		default:
			return fmt.Errorf("actuator %q: connection must be http or stdio", a.Name)
		}
	case KindWorkflow:
		if len(a.Cells) == 0 {
			return fmt.Errorf("actuator %q: workflow requires at least one cell", a.Name)
		}
	default:
		return fmt.Errorf("actuator %q: unknown kind %q", a.Name, a.Kind)
	}
	if err := a.Policy.Validate(); err != nil {
		return fmt.Errorf("actuator %q: %w", a.Name, err)
	}
	return nil
}

// ============================================================================
// Registry
// ============================================================================

// Sentinel errors for registry operations.
var (
	ErrActuatorNotFound = fmt.Errorf("actuator not found")
	ErrActuatorExists   = fmt.Errorf("actuator already registered")
)

// Registry holds all registered actuators. It is mutated at runtime by
// command handlers while the loop reads it, so access is lock-guarded.
type Registry struct {
	mu        sync.RWMutex
	actuators map[string]*Actuator
}

// NewRegistry creates an empty actuator registry.
func NewRegistry() *Registry {
	return &Registry{actuators: make(map[string]*Actuator)}
}

// Add registers an actuator. Duplicate names are rejected.
func (r *Registry) Add(a Actuator) error {
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actuators[a.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActuatorExists, a.Name)
	}
	copied := a
	r.actuators[a.Name] = &copied

	logging.ActuatorsDebug("registered actuator %q (kind=%s)", a.Name, a.Kind)
	return nil
}

// Remove unregisters an actuator by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.actuators[name]; !ok {
		return fmt.Errorf("%w: %s", ErrActuatorNotFound, name)
	}
	delete(r.actuators, name)
	logging.Actuators("removed actuator %q", name)
	return nil
}

// Get returns a copy of the named actuator.
func (r *Registry) Get(name string) (Actuator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actuators[name]
	if !ok {
		return Actuator{}, false
	}
	return *a, true
}

// Has reports whether the named actuator is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actuators[name]
	return ok
}

// PolicyUpdate carries partial policy changes; nil fields are untouched.
// ClearRateLimit removes an existing limit, since a nil RateLimit alone
// cannot distinguish "unset" from "remove".
type PolicyUpdate struct {
	Allowlist      *[]string         `json:"allowlist,omitempty"`
	Denylist       *[]string         `json:"denylist,omitempty"`
	RateLimit      *policy.RateLimit `json:"rate_limit,omitempty"`
	ClearRateLimit bool              `json:"clear_rate_limit,omitempty"`
	RequireHITL    *bool             `json:"require_hitl,omitempty"`
	Sandboxed      *bool             `json:"sandboxed,omitempty"`
}

// UpdatePolicy applies partial policy changes to a registered actuator.
// The merged policy is validated before it replaces the old one, so an
// update can never leave an actuator with an invalid policy.
func (r *Registry) UpdatePolicy(name string, update PolicyUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actuators[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActuatorNotFound, name)
	}

	merged := a.Policy
	if update.Allowlist != nil {
		merged.Allowlist = *update.Allowlist
	}
	if update.Denylist != nil {
		merged.Denylist = *update.Denylist
	}
	if update.ClearRateLimit {
		merged.RateLimit = nil
	} else if update.RateLimit != nil {
		merged.RateLimit = update.RateLimit
	}
	if update.RequireHITL != nil {
		merged.RequireHITL = *update.RequireHITL
	}
	if update.Sandboxed != nil {
		merged.Sandboxed = *update.Sandboxed
	}
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("actuator %q: %w", name, err)
	}

	a.Policy = merged
	logging.Policy("policy updated for actuator %q", name)
	return nil
}

// SetPolicy replaces the whole policy of a registered actuator.
func (r *Registry) SetPolicy(name string, pol policy.SafetyPolicy) error {
	if err := pol.Validate(); err != nil {
		return fmt.Errorf("actuator %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actuators[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActuatorNotFound, name)
	}
	a.Policy = pol
	return nil
}

// All returns copies of every actuator, name-sorted.
func (r *Registry) All() []Actuator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Actuator, 0, len(r.actuators))
	for _, a := range r.actuators {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered actuator names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actuators))
	for name := range r.actuators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered actuators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actuators)
}
