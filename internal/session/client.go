package session

// DialOptions configures one connection attempt.
type DialOptions struct {
	// Host is the game server host name.
	Host string
	// Port is the game server TCP port.
	Port int
	// Version is the protocol/version string advertised to the server.
	Version string
	// Identity is the login identity supplied by the operator.
	Identity string
}

// Listener receives lifecycle events from a single Client.
//
// A Client delivers every event from its own goroutine, never from inside one of
// its own methods, and delivers OnEnd at most once as its final event.
type Listener interface {
	// OnSpawn reports that the join sequence completed; username is the
	// server-confirmed display name, or empty when unknown.
	OnSpawn(username string)
	// OnMessage reports one line of server chat.
	OnMessage(text string)
	// OnKicked reports that the server removed the client.
	OnKicked(reason string)
	// OnError reports a non-fatal client error.
	OnError(err error)
	// OnEnd reports that the connection is gone.
	OnEnd(reason string)
}

// Client is a live connection to the game server. It is exclusively owned by
// one Session.
type Client interface {
	// Chat sends text verbatim as a chat line or command.
	Chat(text string) error
	// Look turns the in-world view to the given yaw and pitch, in radians.
	Look(yaw, pitch float64) error
	// End terminates the connection immediately.
	End(reason string)
	// Quit leaves the server gracefully and closes the connection.
	Quit()
	// RemoveAllListeners detaches the Listener; no further events are delivered.
	RemoveAllListeners()
}

// Dialer creates Clients.
type Dialer interface {
	// Dial starts a connection attempt and returns immediately; progress is
	// reported through l. It must not block on network I/O.
	Dial(opts DialOptions, l Listener) (Client, error)
}
