package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// GameServer is a scripted telnet game server for adapter tests. Each accepted
// connection is handed to the test through Accept.
type GameServer struct {
	ln    net.Listener
	conns chan *ServerConn
	t     *testing.T
}

// NewGameServer listens on a loopback port.
//
// Postcondition: Returns a listening server that is closed at test cleanup.
func NewGameServer(t *testing.T) *GameServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s := &GameServer{ln: ln, conns: make(chan *ServerConn, 8), t: t}
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				close(s.conns)
				return
			}
			s.conns <- &ServerConn{conn: raw, reader: bufio.NewReader(raw), t: t}
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// Host returns the listening host.
func (s *GameServer) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (s *GameServer) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Accept waits for the next client connection or fails the test.
func (s *GameServer) Accept(timeout time.Duration) *ServerConn {
	s.t.Helper()
	select {
	case c, ok := <-s.conns:
		if !ok {
			s.t.Fatal("server closed before a client connected")
		}
		s.t.Cleanup(func() { _ = c.conn.Close() })
		return c
	case <-time.After(timeout):
		s.t.Fatalf("no client connected within %s", timeout)
		return nil
	}
}

// ServerConn is the server side of one client connection.
type ServerConn struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// ReadUntil reads until substr has been received and returns everything read.
//
// Precondition: substr must be non-empty.
func (c *ServerConn) ReadUntil(substr string, timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var buf strings.Builder
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			c.t.Fatalf("reading until %q: got %q, error: %v", substr, buf.String(), err)
		}
		buf.WriteByte(b)
		if strings.Contains(buf.String(), substr) {
			return buf.String()
		}
	}
}

// ReadN reads exactly n raw bytes.
func (c *ServerConn) ReadN(n int, timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	out := make([]byte, n)
	for i := range out {
		b, err := c.reader.ReadByte()
		if err != nil {
			c.t.Fatalf("reading %d bytes: got %v, error: %v", n, out[:i], err)
		}
		out[i] = b
	}
	return out
}

// Send writes text followed by CRLF.
func (c *ServerConn) Send(text string) {
	c.t.Helper()
	c.Write([]byte(text + "\r\n"))
}

// Prompt writes text without a line terminator.
func (c *ServerConn) Prompt(text string) {
	c.t.Helper()
	c.Write([]byte(text))
}

// Write sends raw bytes.
func (c *ServerConn) Write(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("writing %q: %v", data, err)
	}
}

// Close closes the connection from the server side.
func (c *ServerConn) Close() {
	_ = c.conn.Close()
}

// String identifies the connection in failure messages.
func (c *ServerConn) String() string {
	return fmt.Sprintf("server conn %s", c.conn.RemoteAddr())
}
