package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/afkeeper/internal/session/history"
)

// manualScheduler fires timers only when Advance moves its clock past them.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	sched   *manualScheduler
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{sched: m, at: m.now + d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (m *manualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for {
		m.mu.Lock()
		var next *manualTimer
		for _, t := range m.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.fired = true
		m.now = next.at
		m.mu.Unlock()
		next.fn()
	}
}

// Pending returns the deadlines, relative to now, of every active timer.
func (m *manualScheduler) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at-m.now)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type look struct{ yaw, pitch float64 }

// fakeClient records commands; tests drive its events explicitly.
type fakeClient struct {
	mu        sync.Mutex
	opts      DialOptions
	listener  Listener
	detached  bool
	chats     []string
	looks     []look
	endReason string
	ended     bool
	quit      bool
}

func (c *fakeClient) Chat(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.quit {
		return errors.New("client closed")
	}
	c.chats = append(c.chats, text)
	return nil
}

func (c *fakeClient) Look(yaw, pitch float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.looks = append(c.looks, look{yaw, pitch})
	return nil
}

func (c *fakeClient) End(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
	c.endReason = reason
}

func (c *fakeClient) Quit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quit = true
}

func (c *fakeClient) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}

// active returns the listener unless it was removed.
func (c *fakeClient) active() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return nil
	}
	return c.listener
}

func (c *fakeClient) Spawn(username string) {
	if l := c.active(); l != nil {
		l.OnSpawn(username)
	}
}

func (c *fakeClient) Message(text string) {
	if l := c.active(); l != nil {
		l.OnMessage(text)
	}
}

func (c *fakeClient) Kick(reason string) {
	if l := c.active(); l != nil {
		l.OnKicked(reason)
	}
}

func (c *fakeClient) Fail(err error) {
	if l := c.active(); l != nil {
		l.OnError(err)
	}
}

func (c *fakeClient) Disconnect(reason string) {
	if l := c.active(); l != nil {
		l.OnEnd(reason)
	}
}

func (c *fakeClient) Chats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chats...)
}

func (c *fakeClient) Looks() []look {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]look(nil), c.looks...)
}

func (c *fakeClient) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *fakeClient) Quitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quit
}

func (c *fakeClient) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	err     error
}

func (d *fakeDialer) Dial(opts DialOptions, l Listener) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeClient{opts: opts, listener: l}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) Last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

type recorded struct {
	SessionID int
	Event     string
	Payload   any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Broadcast(sessionID int, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{sessionID, event, payload})
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) Events(event string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) Statuses() []Status {
	var out []Status
	for _, e := range r.Events(EventStatus) {
		out = append(out, e.Payload.(Status))
	}
	return out
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// fixedSource returns the same value forever.
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

type memJournal struct {
	mu      sync.Mutex
	entries map[int]int
}

func (j *memJournal) Record(id int, _ history.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.entries == nil {
		j.entries = make(map[int]int)
	}
	j.entries[id]++
}
