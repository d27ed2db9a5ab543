package registry

import (
	"sync"

	"github.com/example/ride-dispatch/internal/events"
)

// Broadcast group names for coarse-grained status fan-out.
const (
	GroupDrivers    = "drivers"
	GroupPassengers = "passengers"
)

// Session is one live connection belonging to an actor. Send must be safe
// for concurrent use and must not block the caller; a dead session is
// allowed to drop the frame.
type Session interface {
	ID() string
	Send(env events.Envelope)
}

// Registry maps actor ids to their live sessions so the dispatch and
// tracking paths can address a specific driver or passenger without a
// broadcast-to-all. An actor may hold several sessions (multiple devices).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session // actorID -> sessionID -> session
	groups   map[string]map[string]Session // group -> sessionID -> session
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]Session),
		groups:   make(map[string]map[string]Session),
	}
}

func (r *Registry) Register(actorID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[actorID] == nil {
		r.sessions[actorID] = make(map[string]Session)
	}
	r.sessions[actorID][s.ID()] = s
}

func (r *Registry) Unregister(actorID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.sessions[actorID]; set != nil {
		delete(set, s.ID())
		if len(set) == 0 {
			delete(r.sessions, actorID)
		}
	}
	for name, group := range r.groups {
		delete(group, s.ID())
		if len(group) == 0 {
			delete(r.groups, name)
		}
	}
}

func (r *Registry) Join(group string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]Session)
	}
	r.groups[group][s.ID()] = s
}

// Send delivers to every live session of the actor. Delivery is
// fire-and-forget, at-most-once; an actor with no live session is a no-op,
// not an error. Messages are never queued for offline delivery.
func (r *Registry) Send(actorID string, env events.Envelope) {
	r.mu.RLock()
	set := r.sessions[actorID]
	targets := make([]Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.Send(env)
	}
}

// Broadcast fans an event out to a group, skipping one session id
// (typically the originator).
func (r *Registry) Broadcast(group string, env events.Envelope, skipSessionID string) {
	r.mu.RLock()
	set := r.groups[group]
	targets := make([]Session, 0, len(set))
	for id, s := range set {
		if id == skipSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.Send(env)
	}
}

// Connected reports whether the actor has at least one live session.
func (r *Registry) Connected(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[actorID]) > 0
}
