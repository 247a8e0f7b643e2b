package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"vigil/internal/logging"
)

// ApprovalStatus is the lifecycle state of one approval request.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
)

// Sentinel errors for approval resolution.
var (
	ErrApprovalNotFound = fmt.Errorf("approval not found")
	// ErrAlreadyResolved is returned on a second resolution attempt.
	// Resolution is terminal; a duplicate resolve is a caller error, never
	// a silent no-op.
	ErrAlreadyResolved = fmt.Errorf("approval already resolved")
)

// ApprovalRequest is one pending (or resolved) human-in-the-loop hold.
type ApprovalRequest struct {
	ID            int64          `json:"id"`
	Action        PendingAction  `json:"action"`
	Status        ApprovalStatus `json:"status"`
	RequestedAtMS int64          `json:"requested_at_ms"`
}

// ApprovalGate tracks outstanding human-in-the-loop requests. It is mutated
// from the loop goroutine (hold creation) and external command handlers
// (resolution), so every entry point is lock-guarded.
type ApprovalGate struct {
	mu       sync.Mutex
	nextID   int64
	requests map[int64]*ApprovalRequest
}

// NewApprovalGate creates an empty gate. IDs start at 1.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{
		nextID:   1,
		requests: make(map[int64]*ApprovalRequest),
	}
}

// Create registers a new pending request and returns it.
func (g *ApprovalGate) Create(action PendingAction) ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	req := &ApprovalRequest{
		ID:            g.nextID,
		Action:        action,
		Status:        StatusPending,
		RequestedAtMS: time.Now().UnixMilli(),
	}
	g.nextID++
	g.requests[req.ID] = req

	logging.Policy("approval %d created for actuator %q (keyword=%s)",
		req.ID, action.ActuatorName, action.Keyword)
	return *req
}

// Resolve marks a pending request approved or denied, exactly once.
// The resolved request is returned so the caller can dispatch it.
func (g *ApprovalGate) Resolve(id int64, approved bool) (ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[id]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: id %d", ErrApprovalNotFound, id)
	}
	if req.Status != StatusPending {
		return ApprovalRequest{}, fmt.Errorf("%w: id %d is %s", ErrAlreadyResolved, id, req.Status)
	}

	if approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusDenied
	}
	logging.Policy("approval %d resolved: %s", id, req.Status)
	return *req, nil
}

// Get returns a copy of the request with the given id.
func (g *ApprovalGate) Get(id int64) (ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *req, true
}

// Pending returns all unresolved requests in id order.
func (g *ApprovalGate) Pending() []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []ApprovalRequest
	for _, req := range g.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingCount returns the number of unresolved requests.
func (g *ApprovalGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, req := range g.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}

// Snapshot returns every request (pending and resolved) for persistence.
func (g *ApprovalGate) Snapshot() []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(g.requests))
	for _, req := range g.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the gate state from persisted requests. The next id is
// set past the highest restored id so ids stay unique and monotonic.
func (g *ApprovalGate) Restore(requests []ApprovalRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = make(map[int64]*ApprovalRequest, len(requests))
	g.nextID = 1
	for _, req := range requests {
		copied := req
		g.requests[req.ID] = &copied
		if req.ID >= g.nextID {
			g.nextID = req.ID + 1
		}
	}
}
