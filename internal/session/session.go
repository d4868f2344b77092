// Package session implements the per-session connection lifecycle: connect,
// login watchdog, spawn, anti-idle, disconnect and reconnect, together with the
// fixed registry of sessions the process manages.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/afkeeper/internal/session/history"
)

// ErrUnknownSession is returned for an id that is not in the registry.
var ErrUnknownSession = errors.New("unknown session")

// ErrNotSpawned is returned when a command is sent to a session that has not
// completed its join sequence.
var ErrNotSpawned = errors.New("session not spawned")

// ErrIdentityRequired is returned when a session is started without any identity.
var ErrIdentityRequired = errors.New("identity required")

// State is the derived lifecycle state of a Session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateSpawned      State = "spawned"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Spec describes one configured session slot.
type Spec struct {
	// ID is the stable session identifier.
	ID int
	// Label is the display name used until a connection confirms one.
	Label string
}

// Session is one managed connection slot. All fields are guarded by mu; every
// lifecycle transition runs with mu held.
//
// Invariant: spawned implies conn != nil.
// Invariant: !desired implies the reconnect slot is not armed.
type Session struct {
	id    int
	label string

	mu          sync.Mutex
	conn        Client
	binding     *binding
	desired     bool
	spawned     bool
	started     bool
	identity    string
	displayName string
	history     *history.Ring

	watchdog  slot
	reconnect slot
	antiIdle  slot
}

// ID returns the session identifier.
func (s *Session) ID() int {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.spawned:
		return StateSpawned
	case s.conn != nil:
		return StateConnecting
	case s.desired:
		return StateReconnecting
	case s.started:
		return StateStopped
	default:
		return StateIdle
	}
}

// History returns a copy of the session's log history, oldest first.
func (s *Session) History() []history.Entry {
	return s.history.Entries()
}

// arm replaces whatever sl holds with a timer that runs fn under the session
// lock after d. fn may return an action that runs once the lock is released.
// The caller must hold s.mu.
func (s *Session) arm(sched Scheduler, sl *slot, d time.Duration, fn func() func()) {
	sl.cancel()
	gen := sl.gen
	sl.timer = sched.AfterFunc(d, func() {
		s.mu.Lock()
		if sl.gen != gen {
			s.mu.Unlock()
			return
		}
		sl.timer = nil
		after := fn()
		s.mu.Unlock()
		if after != nil {
			after()
		}
	})
}

// cancelTimers cancels all three timer slots. The caller must hold s.mu.
func (s *Session) cancelTimers() {
	s.watchdog.cancel()
	s.reconnect.cancel()
	s.antiIdle.cancel()
}

// Registry is the fixed table of sessions, built once at process start.
type Registry struct {
	byID  map[int]*Session
	order []*Session
}

// NewRegistry creates a Registry with one Session per Spec.
//
// Precondition: ids are unique and > 0; historyCap > 0.
// Postcondition: Returns a Registry ordered by ascending id, or an error on a
// duplicate or invalid id.
func NewRegistry(specs []Spec, historyCap int) (*Registry, error) {
	if historyCap <= 0 {
		return nil, fmt.Errorf("history capacity must be > 0, got %d", historyCap)
	}
	r := &Registry{byID: make(map[int]*Session, len(specs))}
	for _, sp := range specs {
		if sp.ID <= 0 {
			return nil, fmt.Errorf("session id must be > 0, got %d", sp.ID)
		}
		if _, dup := r.byID[sp.ID]; dup {
			return nil, fmt.Errorf("duplicate session id %d", sp.ID)
		}
		label := sp.Label
		if label == "" {
			label = fmt.Sprintf("Account %02d", sp.ID)
		}
		s := &Session{
			id:          sp.ID,
			label:       label,
			displayName: label,
			history:     history.NewRing(historyCap),
		}
		r.byID[sp.ID] = s
		r.order = append(r.order, s)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i].id < r.order[j].id })
	return r, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id int) (*Session, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrUnknownSession)
	}
	return s, nil
}

// All returns every session in ascending id order.
func (r *Registry) All() []*Session {
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// IDs returns every session id in ascending order.
func (r *Registry) IDs() []int {
	ids := make([]int, len(r.order))
	for i, s := range r.order {
		ids[i] = s.id
	}
	return ids
}

// Restore replaces the log history of session id with entries, keeping the
// newest ones that fit.
func (r *Registry) Restore(id int, entries []history.Entry) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.history.Reset(entries)
	return nil
}
