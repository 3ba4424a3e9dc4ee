// Package status derives the single reactive SyncStatus consumed by UI
// collaborators. One producer writes it; everyone else subscribes.
package status

import (
	"sync"

	"github.com/field-sync/field-sync/internal/queue"
)

// Connectivity is the published network state
type Connectivity string

const (
	Online  Connectivity = "ONLINE"
	Offline Connectivity = "OFFLINE"
)

// Phase is the dispatcher activity state
type Phase string

const (
	PhaseIdle    Phase = "IDLE"
	PhaseSyncing Phase = "SYNCING"
)

// State is the single badge value shown to the user, derived with the
// precedence OFFLINE > SYNCING > PENDING > SYNCED
type State string

const (
	StateOffline State = "OFFLINE"
	StateSyncing State = "SYNCING"
	StatePending State = "PENDING"
	StateSynced  State = "SYNCED"
)

// SyncStatus is the aggregate status value pushed to subscribers
type SyncStatus struct {
	Connectivity Connectivity `json:"connectivity"`
	Phase        Phase        `json:"phase"`
	State        State        `json:"state"`
	Pending      int          `json:"pending_count"`
	Failed       int          `json:"failed_count"`
	Conflicts    int          `json:"conflict_count"`
}

// Publisher recomputes SyncStatus from connectivity and queue snapshots
// and pushes it to subscribers on every change
type Publisher struct {
	mu          sync.Mutex
	online      bool
	draining    bool
	snapshot    queue.Snapshot
	current     SyncStatus
	subscribers map[int]func(SyncStatus)
	nextSubID   int
}

// NewPublisher creates a publisher starting offline and idle
func NewPublisher() *Publisher {
	p := &Publisher{
		subscribers: make(map[int]func(SyncStatus)),
	}
	p.current = p.derive()
	return p
}

// Current returns the latest published status
func (p *Publisher) Current() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers a callback, pushes the current status to it
// immediately, and returns an unsubscribe function
func (p *Publisher) Subscribe(fn func(SyncStatus)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	current := p.current
	p.mu.Unlock()

	fn(current)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

// SetConnectivity records a connectivity transition
func (p *Publisher) SetConnectivity(online bool) {
	p.mu.Lock()
	p.online = online
	p.publishLocked()
}

// SetDraining records whether the dispatcher is actively draining
func (p *Publisher) SetDraining(draining bool) {
	p.mu.Lock()
	p.draining = draining
	p.publishLocked()
}

// SetSnapshot records the latest queue counts
func (p *Publisher) SetSnapshot(snap queue.Snapshot) {
	p.mu.Lock()
	p.snapshot = snap
	p.publishLocked()
}

// publishLocked recomputes the status and notifies subscribers if it
// changed. Called with the mutex held; releases it.
func (p *Publisher) publishLocked() {
	next := p.derive()
	if next == p.current {
		p.mu.Unlock()
		return
	}
	p.current = next

	subs := make([]func(SyncStatus), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
}

// derive computes the aggregate status from the raw inputs
func (p *Publisher) derive() SyncStatus {
	s := SyncStatus{
		Connectivity: Offline,
		Phase:        PhaseIdle,
		Pending:      p.snapshot.Pending + p.snapshot.Syncing,
		Failed:       p.snapshot.Failed,
		Conflicts:    p.snapshot.Conflicts,
	}
	if p.online {
		s.Connectivity = Online
	}
	if p.draining {
		s.Phase = PhaseSyncing
	}

	switch {
	case !p.online:
		s.State = StateOffline
	case p.draining:
		s.State = StateSyncing
	case s.Pending > 0 || p.snapshot.Conflicts > 0:
		s.State = StatePending
	default:
		s.State = StateSynced
	}
	return s
}
