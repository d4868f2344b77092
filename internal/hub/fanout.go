// Package hub fans session events out to connected observers and routes
// observer commands back to the sessions.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/session"
)

// DefaultBuffer is the per-observer queue length used when none is configured.
const DefaultBuffer = 256

// EventError is sent to a single observer whose request could not be served.
const EventError = "error"

// Envelope is the wire form of every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Snapshotter replays the state of every session. fn is called with the
// session's lock held.
type Snapshotter interface {
	Sync(fn func(session.SyncState))
}

// Fanout delivers session events to every registered observer. It implements
// session.Broadcaster.
//
// An observer receives incremental events for a session only after the
// session's sync_state snapshot has been queued to it, so a joining observer
// neither misses nor duplicates an event.
type Fanout struct {
	mu        sync.Mutex
	observers map[uuid.UUID]*Observer
	buffer    int
	logger    *zap.Logger
}

// NewFanout creates a Fanout whose observers queue at most buffer messages.
//
// Precondition: logger must be non-nil.
// Postcondition: buffer <= 0 is replaced by DefaultBuffer.
func NewFanout(buffer int, logger *zap.Logger) *Fanout {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Fanout{
		observers: make(map[uuid.UUID]*Observer),
		buffer:    buffer,
		logger:    logger,
	}
}

// Broadcast implements session.Broadcaster. It never blocks: an observer whose
// queue is full loses its oldest message.
func (f *Fanout) Broadcast(sessionID int, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		f.logger.Error("encoding event", zap.String("event", event), zap.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.observers {
		o.deliver(sessionID, frame)
	}
}

// Join registers a new observer and queues a sync_state message for every
// session in snap.
//
// Postcondition: the returned observer is registered until Leave.
func (f *Fanout) Join(snap Snapshotter) *Observer {
	o := newObserver(f.buffer)

	f.mu.Lock()
	f.observers[o.id] = o
	n := len(f.observers)
	f.mu.Unlock()

	snap.Sync(func(st session.SyncState) {
		frame, err := encode(session.EventSyncState, st)
		if err != nil {
			f.logger.Error("encoding sync_state", zap.Int("session", st.ID), zap.Error(err))
			return
		}
		o.synced(st.ID, frame)
	})

	f.logger.Info("observer joined", zap.String("observer", o.id.String()), zap.Int("observers", n))
	return o
}

// Leave unregisters o and closes its queue.
func (f *Fanout) Leave(o *Observer) {
	f.mu.Lock()
	delete(f.observers, o.id)
	n := len(f.observers)
	f.mu.Unlock()

	dropped := o.close()
	f.logger.Info("observer left",
		zap.String("observer", o.id.String()),
		zap.Int("observers", n),
		zap.Int("dropped", dropped),
	)
}

// Send queues a message to o alone.
func (f *Fanout) Send(o *Observer, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		f.logger.Error("encoding event", zap.String("event", event), zap.Error(err))
		return
	}
	o.push(frame)
}

// Close unregisters and closes every observer. Their connections are then
// shut down by their handlers.
func (f *Fanout) Close() {
	f.mu.Lock()
	observers := f.observers
	f.observers = make(map[uuid.UUID]*Observer)
	f.mu.Unlock()

	for _, o := range observers {
		o.close()
	}
}

// Len returns the number of registered observers.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Observer is one connected viewer's outbound queue.
type Observer struct {
	id     uuid.UUID
	buffer int
	ready  chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   [][]byte
	joined  map[int]bool
	closed  bool
	dropped int
}

func newObserver(buffer int) *Observer {
	return &Observer{
		id:     uuid.New(),
		buffer: buffer,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		joined: make(map[int]bool),
	}
}

// ID returns the observer's identifier.
func (o *Observer) ID() uuid.UUID {
	return o.id
}

// Ready is signalled whenever messages are waiting to be drained.
func (o *Observer) Ready() <-chan struct{} {
	return o.ready
}

// Done is closed when the observer leaves.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Drain removes and returns every queued message, oldest first.
func (o *Observer) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.queue
	o.queue = nil
	return out
}

// Dropped returns how many messages were discarded because the queue was full.
func (o *Observer) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *Observer) deliver(sessionID int, frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.joined[sessionID] {
		return
	}
	o.pushLocked(frame)
}

func (o *Observer) synced(sessionID int, frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined[sessionID] = true
	o.pushLocked(frame)
}

func (o *Observer) push(frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushLocked(frame)
}

func (o *Observer) pushLocked(frame []byte) {
	if o.closed {
		return
	}
	if len(o.queue) >= o.buffer {
		o.queue = o.queue[1:]
		o.dropped++
	}
	o.queue = append(o.queue, frame)
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *Observer) close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
	o.queue = nil
	return o.dropped
}
