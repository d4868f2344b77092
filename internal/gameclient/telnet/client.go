// Package telnet connects sessions to line-oriented game servers over telnet.
package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/session"
)

// ErrNotConnected is returned by commands issued before the connection is up
// or after it has ended.
var ErrNotConnected = errors.New("not connected")

// Config holds the protocol details of the target game.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// LoginPrompt matches the line after which the identity is sent.
	LoginPrompt string
	// SpawnPattern matches the line that confirms the character is in game.
	// A named group "name" captures the display name.
	SpawnPattern string
	// KickPattern matches a server-initiated removal. A named group "reason"
	// captures the reason.
	KickPattern string
	// LookCommand is sent by Look with {yaw} and {pitch} replaced in degrees.
	LookCommand string
	QuitCommand string
}

// Dialer creates telnet clients. It implements session.Dialer.
type Dialer struct {
	cfg    Config
	login  *regexp.Regexp
	spawn  *regexp.Regexp
	kick   *regexp.Regexp
	logger *zap.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer compiles the patterns in cfg.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Dialer or an error naming the invalid pattern.
func NewDialer(cfg Config, logger *zap.Logger) (*Dialer, error) {
	d := &Dialer{cfg: cfg, logger: logger}
	var err error
	if d.login, err = compileOptional("login_prompt", cfg.LoginPrompt); err != nil {
		return nil, err
	}
	if d.spawn, err = compileOptional("spawn_pattern", cfg.SpawnPattern); err != nil {
		return nil, err
	}
	if d.kick, err = compileOptional("kick_pattern", cfg.KickPattern); err != nil {
		return nil, err
	}
	nd := &net.Dialer{Timeout: cfg.DialTimeout}
	d.dial = nd.DialContext
	return d, nil
}

func compileOptional(name, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	return re, nil
}

// Dial starts connecting in the background and returns at once. Every outcome,
// including a failed connect, is reported through l.
func (d *Dialer) Dial(opts session.DialOptions, l session.Listener) (session.Client, error) {
	if opts.Host == "" {
		return nil, errors.New("dial: host is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		d:        d,
		opts:     opts,
		listener: l,
		cancel:   cancel,
		logger: d.logger.With(
			zap.String("addr", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))),
		),
	}
	go c.run(ctx)
	return c, nil
}

// Client is one telnet connection driven on behalf of a session.
type Client struct {
	d      *Dialer
	opts   session.DialOptions
	logger *zap.Logger
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  session.Listener
	conn      *Conn
	endReason string
	closing   bool

	endOnce sync.Once
}

func (c *Client) run(ctx context.Context) {
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	raw, err := c.d.dial(ctx, "tcp", addr)
	if err != nil {
		if !c.isClosing() {
			c.emitError(fmt.Errorf("connecting to %s: %w", addr, err))
		}
		c.emitEnd("")
		return
	}

	conn := NewConn(raw, c.opts.Version, c.d.cfg.ReadTimeout, c.d.cfg.WriteTimeout)
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		c.emitEnd("")
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.logger.Debug("connected")

	c.readLoop(conn)
	_ = conn.Close()
	c.emitEnd("")
}

func (c *Client) readLoop(conn *Conn) {
	var (
		pending  string
		loggedIn bool
		spawned  bool
	)
	for {
		text, partial, err := conn.ReadLine()
		if err != nil {
			if !c.isClosing() && !errors.Is(err, io.EOF) {
				c.emitError(fmt.Errorf("reading: %w", err))
			}
			return
		}
		text = pending + text
		pending = ""

		if !loggedIn && c.d.login != nil && c.d.login.MatchString(text) {
			loggedIn = true
			if err := conn.WriteLine(c.opts.Identity); err != nil {
				c.emitError(fmt.Errorf("sending identity: %w", err))
				return
			}
			continue
		}
		if partial {
			pending = text
			continue
		}

		switch {
		case !spawned && c.d.spawn != nil && c.d.spawn.MatchString(text):
			spawned = true
			c.emitSpawn(namedGroup(c.d.spawn, text, "name"))
		case c.d.kick != nil && c.d.kick.MatchString(text):
			reason := namedGroup(c.d.kick, text, "reason")
			if reason == "" {
				reason = strings.TrimSpace(text)
			}
			c.emitKicked(reason)
		default:
			c.emitMessage(text)
		}
	}
}

// namedGroup returns the submatch named group, or "" when re has no such group.
func namedGroup(re *regexp.Regexp, text, group string) string {
	idx := re.SubexpIndex(group)
	if idx < 0 {
		return ""
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[idx])
}

func (c *Client) active() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil
	}
	return c.conn
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Chat sends one line of text.
func (c *Client) Chat(text string) error {
	conn := c.active()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteLine(text)
}

// Look sends the configured look command with the angles converted to degrees.
func (c *Client) Look(yaw, pitch float64) error {
	if c.d.cfg.LookCommand == "" {
		return nil
	}
	conn := c.active()
	if conn == nil {
		return ErrNotConnected
	}
	cmd := strings.NewReplacer(
		"{yaw}", strconv.FormatFloat(yaw*180/math.Pi, 'f', 1, 64),
		"{pitch}", strconv.FormatFloat(pitch*180/math.Pi, 'f', 1, 64),
	).Replace(c.d.cfg.LookCommand)
	return conn.WriteLine(cmd)
}

// End closes the connection at once. The listener then receives OnEnd with
// reason.
func (c *Client) End(reason string) {
	c.shutdown(reason, false)
}

// Quit sends the quit command, when one is configured, and closes.
func (c *Client) Quit() {
	c.shutdown("quit", true)
}

func (c *Client) shutdown(reason string, polite bool) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.endReason = reason
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return
	}
	if polite && c.d.cfg.QuitCommand != "" {
		if err := conn.WriteLine(c.d.cfg.QuitCommand); err != nil {
			c.logger.Debug("sending quit command", zap.Error(err))
		}
	}
	_ = conn.Close()
}

// RemoveAllListeners detaches the listener. No event is delivered afterwards.
func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = nil
}

func (c *Client) current() session.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Client) emitSpawn(name string) {
	if l := c.current(); l != nil {
		l.OnSpawn(name)
	}
}

func (c *Client) emitMessage(text string) {
	if l := c.current(); l != nil {
		l.OnMessage(text)
	}
}

func (c *Client) emitKicked(reason string) {
	if l := c.current(); l != nil {
		l.OnKicked(reason)
	}
}

func (c *Client) emitError(err error) {
	c.logger.Debug("connection error", zap.Error(err))
	if l := c.current(); l != nil {
		l.OnError(err)
	}
}

// emitEnd delivers OnEnd at most once. A reason given to End takes precedence.
func (c *Client) emitEnd(reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		if c.endReason != "" {
			reason = c.endReason
		}
		l := c.listener
		c.mu.Unlock()
		c.cancel()
		if l != nil {
			l.OnEnd(reason)
		}
	})
}
