// Package connmgr manages a single logical point-to-point RFCOMM connection.
//
// A Mgr arbitrates between listening for an inbound peer and dialing an
// outbound one, promotes whichever succeeds first into the one active data
// channel, and re-arms listening whenever that channel is lost.
//
// Thread-safety: every Mgr method is safe for concurrent use. Listener
// callbacks are delivered one at a time from a single dispatcher goroutine,
// never while the Mgr's lock is held, so a callback may call back into the Mgr.
package connmgr

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Peer is the transport address of a remote device, e.g. "AA:BB:CC:DD:EE:FF".
type Peer string

func (p Peer) String() string { return string(p) }

// SecurityMode selects the secure or insecure variant of the listen and
// connect primitives. It is fixed for the lifetime of one attempt.
type SecurityMode int

const (
	Secure SecurityMode = iota
	Insecure
)

func (m SecurityMode) String() string {
	switch m {
	case Secure:
		return "secure"
	case Insecure:
		return "insecure"
	}
	return fmt.Sprintf("SecurityMode(%d)", int(m))
}

// ParseSecurityMode accepts "secure" or "insecure" (case-insensitive).
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "secure":
		return Secure, nil
	case "insecure":
		return Insecure, nil
	}
	return 0, fmt.Errorf("connmgr: unknown security mode %q", s)
}

// State is the connection state owned by a Mgr.
type State int

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Role tells which listener contract receives callbacks for the current or
// most recent attempt.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// InitiatorListener receives callbacks for connections established by Dial.
type InitiatorListener interface {
	OnConnected(peer Peer)
	OnConnectFailed(peer Peer)
	OnConnectionLost()
	// OnDataReceived is handed a buffer the listener owns.
	OnDataReceived(n int, data []byte)
}

// AcceptorListener receives callbacks for connections accepted while listening.
//
// A failure to open the listening endpoint, or to set up an accepted
// socket, reaches it only through OnSetupError when it also implements
// SetupErrorListener. Otherwise the failure shows as State returning to
// StateIdle (endpoint) or staying StateListening (accepted socket).
type AcceptorListener interface {
	OnConnected(peer Peer)
	OnConnectionLost()
	OnDataReceived(n int, data []byte)
}

// SetupErrorListener may be implemented by either listener to be told about
// a *SetupError. An InitiatorListener that does not implement it gets
// OnConnectFailed for a dial whose channel could not be set up.
type SetupErrorListener interface {
	OnSetupError(err error)
}

// Transport is the radio capability the Mgr drives. Implementations live in
// the bluez and rfcomm packages.
type Transport interface {
	// Listen opens a listening endpoint for the given security mode.
	Listen(mode SecurityMode) (Endpoint, error)

	// Connect performs one blocking outbound connect. Cancelling ctx must
	// unblock it. On error the returned Socket is nil.
	Connect(ctx context.Context, peer Peer, mode SecurityMode) (Socket, error)

	// CancelDiscovery stops any device discovery in progress.
	CancelDiscovery() error
}

// Endpoint is a listening endpoint.
type Endpoint interface {
	// Accept blocks until a peer connects or the endpoint is closed.
	Accept() (Socket, error)

	// Close unblocks any pending Accept. Safe to call more than once.
	Close() error
}

// Socket is one connected RFCOMM socket.
type Socket interface {
	// Peer returns the remote address.
	Peer() Peer

	// Streams returns the byte-stream ends of the socket. Closing the socket
	// must unblock a pending Read on the returned reader.
	Streams() (io.Reader, io.Writer, error)

	// Close releases the socket. Safe to call more than once.
	Close() error
}
