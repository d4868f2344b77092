package telnet

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"sync"
	"time"
)

// Telnet command and option bytes (RFC 854, RFC 1091).
const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	GA   byte = 249
	NOP  byte = 241
	SE   byte = 240

	OptEcho            byte = 1
	OptSuppressGoAhead byte = 3
	OptTerminalType    byte = 24

	ttypeIs   byte = 0
	ttypeSend byte = 1
)

// Conn is the client side of a telnet session. It answers option negotiation
// in-band while reading and yields text one line, or one unterminated prompt,
// at a time.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	terminal     string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps raw. terminal is reported to servers that ask for a terminal
// type.
//
// Precondition: raw must be an open connection.
func NewConn(raw net.Conn, terminal string, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		terminal:     terminal,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadLine returns the next line of text without its terminator. When the
// server stops sending in the middle of a line, as it does after a prompt, the
// text received so far is returned with partial set.
//
// Postcondition: telnet commands never appear in the returned text.
func (c *Conn) ReadLine() (line string, partial bool, err error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var buf bytes.Buffer
	for {
		if buf.Len() > 0 && c.reader.Buffered() == 0 {
			return buf.String(), true, nil
		}
		b, err := c.reader.ReadByte()
		if err != nil {
			return buf.String(), false, err
		}

		switch {
		case b == IAC:
			if err := c.handleIAC(); err != nil {
				return buf.String(), false, err
			}
		case b == '\n':
			return buf.String(), false, nil
		case b == '\r':
			if next, err := c.reader.Peek(1); err == nil && next[0] == '\n' {
				_, _ = c.reader.ReadByte()
			}
			return buf.String(), false, nil
		case b < 32 && b != '\t' && b != 0x1b:
			// drop other control characters
		default:
			buf.WriteByte(b)
		}
	}
}

// handleIAC consumes one telnet command after its IAC byte and replies to
// option requests.
func (c *Conn) handleIAC() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}

	switch cmd {
	case WILL, WONT, DO, DONT:
		opt, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if reply := negotiate(cmd, opt); reply != nil {
			return c.Write(reply)
		}
	case SB:
		payload, err := c.readSubnegotiation()
		if err != nil {
			return err
		}
		if len(payload) >= 2 && payload[0] == OptTerminalType && payload[1] == ttypeSend {
			return c.Write(terminalTypeReply(c.terminal))
		}
	}
	return nil
}

// readSubnegotiation reads up to and including IAC SE and returns the bytes in
// between with escaped IACs collapsed.
func (c *Conn) readSubnegotiation() ([]byte, error) {
	var payload []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != IAC {
			payload = append(payload, b)
			continue
		}
		next, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == SE {
			return payload, nil
		}
		payload = append(payload, next)
	}
}

// negotiate returns the reply to a server's option request, or nil when none
// is owed. Only echo, suppress-go-ahead and terminal type are accepted.
func negotiate(cmd, opt byte) []byte {
	switch cmd {
	case WILL:
		if opt == OptEcho || opt == OptSuppressGoAhead {
			return []byte{IAC, DO, opt}
		}
		return []byte{IAC, DONT, opt}
	case DO:
		if opt == OptTerminalType || opt == OptSuppressGoAhead {
			return []byte{IAC, WILL, opt}
		}
		return []byte{IAC, WONT, opt}
	}
	return nil
}

func terminalTypeReply(terminal string) []byte {
	out := []byte{IAC, SB, OptTerminalType, ttypeIs}
	for i := 0; i < len(terminal); i++ {
		b := terminal[i]
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return append(out, IAC, SE)
}

// WriteLine sends text followed by CRLF. Literal IAC bytes are escaped.
func (c *Conn) WriteLine(text string) error {
	text = strings.ReplaceAll(text, string([]byte{IAC}), string([]byte{IAC, IAC}))
	return c.Write([]byte(text + "\r\n"))
}

// Write sends raw bytes.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(data)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
