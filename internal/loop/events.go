package loop

import (
	"sync"

	"vigil/internal/percept"
	"vigil/internal/policy"
)

// EventType distinguishes the two event stream messages.
type EventType string

const (
	// EventPhase marks one phase transition.
	EventPhase EventType = "phase"
	// EventSnapshot carries the full status snapshot.
	EventSnapshot EventType = "snapshot"
)

// ActuatorSummary is the per-actuator policy digest in a snapshot.
type ActuatorSummary struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	RequireHITL bool   `json:"require_hitl"`
	Sandboxed   bool   `json:"sandboxed"`
	RateLimited bool   `json:"rate_limited"`
}

// StatusSnapshot is the loop's externally visible state at one moment.
type StatusSnapshot struct {
	State            AgentState               `json:"state"`
	Phase            Phase                    `json:"phase"`
	Counters         Counters                 `json:"counters"`
	Sensors          []percept.Status         `json:"sensors"`
	Actuators        []ActuatorSummary        `json:"actuators"`
	PendingApprovals []policy.ApprovalRequest `json:"pending_approvals"`
}

// Event is one event stream message. Sequence is monotonic across both
// event types so consumers can detect gaps.
type Event struct {
	Type     EventType       `json:"type"`
	Sequence uint64          `json:"sequence"`
	Phase    Phase           `json:"phase,omitempty"`
	Snapshot *StatusSnapshot `json:"snapshot,omitempty"`
}

// Broadcaster fans events out to subscribers. Publishing never blocks the
// loop: a subscriber that cannot keep up loses events rather than stalling
// an iteration.
type Broadcaster struct {
	mu       sync.Mutex
	sequence uint64
	nextID   int
	subs     map[int]chan Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel func. The channel
// is closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// publish stamps the next sequence number and fans out without blocking.
func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	ev.Sequence = b.sequence
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishPhase emits a phase transition event.
func (b *Broadcaster) PublishPhase(phase Phase) {
	b.publish(Event{Type: EventPhase, Phase: phase})
}

// PublishSnapshot emits a full status snapshot event.
func (b *Broadcaster) PublishSnapshot(snap StatusSnapshot) {
	b.publish(Event{Type: EventSnapshot, Phase: snap.Phase, Snapshot: &snap})
}
