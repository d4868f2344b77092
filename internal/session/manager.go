package session

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/afkeeper/internal/session/history"
)

// Default lifecycle timings.
const (
	DefaultWatchdogTimeout  = 60 * time.Second
	DefaultReconnectDelay   = 15 * time.Second
	DefaultAntiIdleInterval = 15 * time.Second
)

// Config holds the fixed connection target and lifecycle timings shared by all
// sessions.
type Config struct {
	Host             string
	Port             int
	Version          string
	WatchdogTimeout  time.Duration
	ReconnectDelay   time.Duration
	AntiIdleInterval time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithSource replaces the anti-idle randomness source.
func WithSource(src Source) Option {
	return func(m *Manager) { m.rnd = src }
}

// WithJournal records every history entry to j as well.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithClock replaces the function used to timestamp history entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager drives the lifecycle state machine of every session in a Registry
// and reports changes through a Broadcaster.
//
// Calls into a Client are made only after the owning session's lock is released.
type Manager struct {
	reg     *Registry
	dialer  Dialer
	out     Broadcaster
	logger  *zap.Logger
	cfg     Config
	sched   Scheduler
	rnd     Source
	journal Journal
	now     func() time.Time
}

// NewManager creates a Manager.
//
// Precondition: reg, dialer, out and logger must be non-nil.
// Postcondition: zero timings in cfg are replaced by the defaults.
func NewManager(reg *Registry, dialer Dialer, out Broadcaster, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.AntiIdleInterval <= 0 {
		cfg.AntiIdleInterval = DefaultAntiIdleInterval
	}
	m := &Manager{
		reg:     reg,
		dialer:  dialer,
		out:     out,
		logger:  logger,
		cfg:     cfg,
		sched:   RealScheduler{},
		rnd:     mathSource{},
		journal: nopJournal{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the session registry the Manager drives.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Start connects session id with identity. An empty identity reuses the last
// one. Start is a no-op while a connection is live.
//
// Postcondition: on success the session is Connecting with a watchdog armed,
// or Reconnecting when the dial failed synchronously.
func (m *Manager) Start(id int, identity string) error {
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.startLocked(s, identity)
}

// Stop disconnects session id and keeps it down.
//
// Postcondition: no timer of the session fires again and exactly one offline
// status has been broadcast.
func (m *Manager) Stop(id int) error {
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c := m.stopLocked(s, true)
	s.mu.Unlock()
	release(c)
	return nil
}

// Toggle stops session id when it is meant to be online, and starts it with
// identity otherwise.
func (m *Manager) Toggle(id int, identity string) error {
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.desired {
		c := m.stopLocked(s, true)
		s.mu.Unlock()
		release(c)
		return nil
	}
	err = m.startLocked(s, identity)
	s.mu.Unlock()
	return err
}

// SendCommand forwards text verbatim to the chat of session id.
//
// Postcondition: returns ErrNotSpawned, after logging a warning line, when the
// session has not joined; nothing is sent in that case.
func (m *Manager) SendCommand(id int, text string) error {
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.spawned || s.conn == nil {
		m.appendLog(s, "Not spawned yet, wait a moment.", history.CategoryError)
		s.mu.Unlock()
		return fmt.Errorf("session %d: %w", id, ErrNotSpawned)
	}
	m.appendLog(s, "> "+text, history.CategoryInput)
	c := s.conn
	s.mu.Unlock()

	if err := c.Chat(text); err != nil {
		return fmt.Errorf("session %d: sending chat: %w", id, err)
	}
	return nil
}

// GlobalCommand sends text to every spawned session. Sessions that are not
// spawned are skipped.
func (m *Manager) GlobalCommand(text string) {
	for _, s := range m.reg.All() {
		s.mu.Lock()
		if !s.spawned || s.conn == nil {
			s.mu.Unlock()
			continue
		}
		m.appendLog(s, "> [Global] "+text, history.CategoryInput)
		c := s.conn
		s.mu.Unlock()

		if err := c.Chat(text); err != nil {
			m.logger.Warn("global command failed",
				zap.Int("session", s.id),
				zap.Error(err),
			)
		}
	}
}

// Sync calls fn with a snapshot of every session in id order. Each call is made
// while that session's lock is held, so fn observes a state consistent with
// the event stream; fn must not call back into the Manager.
func (m *Manager) Sync(fn func(SyncState)) {
	for _, s := range m.reg.All() {
		s.mu.Lock()
		fn(SyncState{
			ID:       s.id,
			Online:   s.desired,
			Logs:     s.history.Entries(),
			Identity: s.identity,
			Username: s.displayName,
		})
		s.mu.Unlock()
	}
}

// Summary is a point-in-time view of one session.
type Summary struct {
	ID       int    `json:"id"`
	State    State  `json:"state"`
	Identity string `json:"email"`
	Username string `json:"username"`
}

// Summaries returns a view of every session in id order.
func (m *Manager) Summaries() []Summary {
	out := make([]Summary, 0, len(m.reg.order))
	for _, s := range m.reg.All() {
		s.mu.Lock()
		out = append(out, Summary{
			ID:       s.id,
			State:    s.stateLocked(),
			Identity: s.identity,
			Username: s.displayName,
		})
		s.mu.Unlock()
	}
	return out
}

// Shutdown stops every session without announcing it to observers.
func (m *Manager) Shutdown() {
	for _, s := range m.reg.All() {
		s.mu.Lock()
		c := m.stopLocked(s, false)
		s.mu.Unlock()
		release(c)
	}
}

func (m *Manager) startLocked(s *Session, identity string) error {
	if s.conn != nil {
		m.logger.Debug("start ignored, connection already live", zap.Int("session", s.id))
		return nil
	}
	if identity == "" {
		identity = s.identity
	}
	if identity == "" {
		m.appendLog(s, "Cannot start without an identity", history.CategoryError)
		return fmt.Errorf("session %d: %w", s.id, ErrIdentityRequired)
	}

	s.reconnect.cancel()
	s.watchdog.cancel()
	s.desired = true
	s.spawned = false
	s.started = true
	s.identity = identity

	m.broadcastStatus(s, true)
	m.appendLog(s, fmt.Sprintf("Connecting to %s (%s)...", m.cfg.Host, m.cfg.Version), history.CategorySystem)

	b := &binding{m: m, s: s}
	s.binding = b
	client, err := m.dialer.Dial(DialOptions{
		Host:     m.cfg.Host,
		Port:     m.cfg.Port,
		Version:  m.cfg.Version,
		Identity: identity,
	}, b)
	if err != nil {
		s.binding = nil
		m.appendLog(s, "Error: "+err.Error(), history.CategoryError)
		m.scheduleReconnectLocked(s)
		return nil
	}
	s.conn = client

	s.arm(m.sched, &s.watchdog, m.cfg.WatchdogTimeout, func() func() {
		if s.spawned || s.binding != b || s.conn == nil {
			return nil
		}
		m.appendLog(s, "Login timed out (stuck). Restarting...", history.CategoryError)
		c := s.conn
		return func() { c.End("login timed out") }
	})
	return nil
}

// stopLocked clears intent, timers and the connection of s and returns the
// detached client, if any, for the caller to release after unlocking.
func (m *Manager) stopLocked(s *Session, announce bool) Client {
	s.desired = false
	s.spawned = false
	s.cancelTimers()

	c := s.conn
	s.conn = nil
	s.binding = nil

	if announce {
		m.appendLog(s, "Stopping...", history.CategorySystem)
		m.broadcastStatus(s, false)
	}
	return c
}

func (m *Manager) spawnedLocked(s *Session, username string) {
	if s.spawned || s.conn == nil {
		return
	}
	s.watchdog.cancel()
	s.spawned = true
	if username != "" {
		s.displayName = username
	}
	m.appendLog(s, "Spawned in game", history.CategorySuccess)
	m.out.Broadcast(s.id, EventProfileUpdate, ProfileUpdate{ID: s.id, Username: s.displayName})
	m.broadcastStatus(s, true)
	m.armAntiIdleLocked(s)
}

// endLocked handles the end of the current connection and returns the
// discarded client.
func (m *Manager) endLocked(s *Session, reason string) Client {
	s.spawned = false
	s.antiIdle.cancel()
	s.watchdog.cancel()

	c := s.conn
	s.conn = nil
	s.binding = nil

	msg := "Disconnected"
	if reason != "" {
		msg += ": " + reason
	}
	m.appendLog(s, msg, history.CategoryError)

	if s.desired {
		m.scheduleReconnectLocked(s)
	} else {
		m.broadcastStatus(s, false)
	}
	return c
}

func (m *Manager) scheduleReconnectLocked(s *Session) {
	delay := m.cfg.ReconnectDelay
	m.appendLog(s, fmt.Sprintf("Reconnecting in %s...", delay), history.CategorySystem)
	m.broadcastStatus(s, true)

	identity := s.identity
	s.arm(m.sched, &s.reconnect, delay, func() func() {
		if !s.desired {
			return nil
		}
		if err := m.startLocked(s, identity); err != nil {
			m.logger.Warn("reconnect failed", zap.Int("session", s.id), zap.Error(err))
		}
		return nil
	})
}

func (m *Manager) broadcastStatus(s *Session, online bool) {
	m.out.Broadcast(s.id, EventStatus, Status{
		ID:       s.id,
		Online:   online,
		Identity: s.identity,
		Username: s.displayName,
	})
}

// appendLog records msg in the history of s, echoes it to the process log and
// broadcasts it. The caller must hold s.mu.
func (m *Manager) appendLog(s *Session, msg string, cat history.Category) {
	e := history.Entry{
		Time:     m.now(),
		Message:  history.StripANSI(msg),
		Category: cat,
	}
	s.history.Append(e)
	m.journal.Record(s.id, e)

	level := zapcore.InfoLevel
	if cat == history.CategoryError {
		level = zapcore.WarnLevel
	}
	if ce := m.logger.Check(level, e.Message); ce != nil {
		ce.Write(zap.Int("session", s.id), zap.String("category", string(cat)))
	}

	m.out.Broadcast(s.id, EventLog, LogLine{ID: s.id, Msg: e.Formatted(), Type: cat})
}

// release detaches and gracefully closes a client discarded by Stop.
func release(c Client) {
	if c == nil {
		return
	}
	c.RemoveAllListeners()
	c.Quit()
}

// binding routes the events of one Client into its Session. A binding that is
// no longer the session's current one ignores every event.
type binding struct {
	m *Manager
	s *Session
}

func (b *binding) current() bool {
	return b.s.binding == b
}

// OnSpawn implements Listener.
func (b *binding) OnSpawn(username string) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if !b.current() {
		return
	}
	b.m.spawnedLocked(b.s, username)
}

// OnMessage implements Listener.
func (b *binding) OnMessage(text string) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if !b.current() {
		return
	}
	clean := strings.TrimSpace(history.StripANSI(text))
	if clean == "" {
		return
	}
	b.m.appendLog(b.s, text, history.CategoryChat)
}

// OnKicked implements Listener.
func (b *binding) OnKicked(reason string) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if !b.current() {
		return
	}
	b.m.appendLog(b.s, "Kicked: "+reason, history.CategoryError)
}

// OnError implements Listener.
func (b *binding) OnError(err error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if !b.current() {
		return
	}
	b.m.appendLog(b.s, "Error: "+err.Error(), history.CategoryError)
}

// OnEnd implements Listener.
func (b *binding) OnEnd(reason string) {
	b.s.mu.Lock()
	if !b.current() {
		b.s.mu.Unlock()
		return
	}
	c := b.m.endLocked(b.s, reason)
	b.s.mu.Unlock()
	if c != nil {
		c.RemoveAllListeners()
	}
}
