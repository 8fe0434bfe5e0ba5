// Package connmgrtest provides an in-memory connmgr.Transport whose accept
// and dial outcomes are driven by the test.
//
// Every socket handed to the code under test is the local end of a
// net.Pipe; the test holds the remote end. OpenSockets counts local ends
// that have not been closed, which is how tests detect descriptor leaks.
package connmgrtest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bluetooth-chat/internal/connmgr"
)

// ErrEndpointClosed is returned by Accept after Close.
var ErrEndpointClosed = errors.New("connmgrtest: endpoint closed")

// Transport is an in-memory connmgr.Transport.
type Transport struct {
	mu         sync.Mutex
	listenErr  error
	streamsErr error
	writeErr   error
	endpoint   *Endpoint
	listens    int
	hold       chan struct{}
	script     []Read

	openEndpoints    int
	maxOpenEndpoints int
	pendingListens   atomic.Int32

	dials            chan *Dial
	open             atomic.Int32
	discoveryCancels atomic.Int32
}

func NewTransport() *Transport {
	return &Transport{dials: make(chan *Dial, 16)}
}

// FailListen makes subsequent Listen calls fail with err (nil restores).
func (t *Transport) FailListen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listenErr = err
}

// FailStreams makes Streams fail on sockets created from now on.
func (t *Transport) FailStreams(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamsErr = err
}

// FailWrites makes writes fail on sockets created from now on.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// HoldListens makes Listen calls block until release is called.
func (t *Transport) HoldListens() (release func()) {
	hold := make(chan struct{})
	t.mu.Lock()
	t.hold = hold
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.hold = nil
			t.mu.Unlock()
			close(hold)
		})
	}
}

// PendingListens returns how many Listen calls are blocked by HoldListens.
func (t *Transport) PendingListens() int { return int(t.pendingListens.Load()) }

// MaxOpenEndpoints returns the largest number of endpoints that were open
// at the same time.
func (t *Transport) MaxOpenEndpoints() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxOpenEndpoints
}

// Read is one scripted result of a socket read.
type Read struct {
	Data []byte
	Err  error
}

// ScriptReads makes sockets created from now on return reads in order
// before reading from the pipe.
func (t *Transport) ScriptReads(reads ...Read) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = reads
}

// Listens returns how many endpoints were opened.
func (t *Transport) Listens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listens
}

// OpenSockets returns the number of local socket ends not yet closed.
func (t *Transport) OpenSockets() int { return int(t.open.Load()) }

// DiscoveryCancels returns how often CancelDiscovery was called.
func (t *Transport) DiscoveryCancels() int { return int(t.discoveryCancels.Load()) }

// Endpoint returns the most recently opened endpoint if it is still open.
func (t *Transport) Endpoint() *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint == nil || t.endpoint.isClosed() {
		return nil
	}
	return t.endpoint
}

func (t *Transport) Listen(mode connmgr.SecurityMode) (connmgr.Endpoint, error) {
	t.mu.Lock()
	hold := t.hold
	t.mu.Unlock()
	if hold != nil {
		t.pendingListens.Add(1)
		<-hold
		t.pendingListens.Add(-1)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	t.listens++
	t.openEndpoints++
	if t.openEndpoints > t.maxOpenEndpoints {
		t.maxOpenEndpoints = t.openEndpoints
	}
	ep := &Endpoint{
		t:        t,
		Mode:     mode,
		incoming: make(chan *Socket),
		closed:   make(chan struct{}),
	}
	t.endpoint = ep
	return ep, nil
}

func (t *Transport) Connect(ctx context.Context, peer connmgr.Peer, mode connmgr.SecurityMode) (connmgr.Socket, error) {
	d := &Dial{t: t, Peer: peer, Mode: mode, result: make(chan dialResult, 1)}
	select {
	case t.dials <- d:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-d.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.sock, nil
	case <-ctx.Done():
		d.abandon()
		return nil, ctx.Err()
	}
}

func (t *Transport) CancelDiscovery() error {
	t.discoveryCancels.Add(1)
	return nil
}

// NextDial waits for the next Connect call.
func (t *Transport) NextDial(timeout time.Duration) (*Dial, error) {
	select {
	case d := <-t.dials:
		return d, nil
	case <-time.After(timeout):
		return nil, errors.New("connmgrtest: no dial attempt")
	}
}

// Inbound connects a peer to the currently open endpoint, waiting up to
// timeout for one to appear and accept. It returns the remote end.
func (t *Transport) Inbound(peer connmgr.Peer, timeout time.Duration) (net.Conn, error) {
	deadline := time.After(timeout)
	for {
		if ep := t.Endpoint(); ep != nil {
			local, remote := t.newSocket(peer)
			select {
			case ep.incoming <- local:
				return remote, nil
			case <-ep.closed:
				_ = local.Close()
				_ = remote.Close()
			case <-deadline:
				_ = local.Close()
				_ = remote.Close()
				return nil, errors.New("connmgrtest: inbound not accepted")
			}
		}
		select {
		case <-deadline:
			return nil, errors.New("connmgrtest: no open endpoint")
		case <-time.After(time.Millisecond):
		}
	}
}

func (t *Transport) newSocket(peer connmgr.Peer) (*Socket, net.Conn) {
	t.mu.Lock()
	streamsErr, writeErr := t.streamsErr, t.writeErr
	script := append([]Read(nil), t.script...)
	t.mu.Unlock()

	local, remote := net.Pipe()
	t.open.Add(1)
	return &Socket{t: t, peer: peer, conn: local, streamsErr: streamsErr, writeErr: writeErr, script: script}, remote
}

// Endpoint is an in-memory listening endpoint.
type Endpoint struct {
	t        *Transport
	Mode     connmgr.SecurityMode
	incoming chan *Socket
	closed   chan struct{}
	once     sync.Once
}

func (e *Endpoint) Accept() (connmgr.Socket, error) {
	select {
	case s := <-e.incoming:
		return s, nil
	case <-e.closed:
		return nil, ErrEndpointClosed
	}
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.t.mu.Lock()
		e.t.openEndpoints--
		e.t.mu.Unlock()
	})
	return nil
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	sock *Socket
	err  error
}

// Dial is one pending Connect call.
type Dial struct {
	t    *Transport
	Peer connmgr.Peer
	Mode connmgr.SecurityMode

	mu        sync.Mutex
	abandoned bool
	result    chan dialResult
}

// Succeed completes the connect and returns the remote end. If the caller
// already gave up, the local end is closed straight away.
func (d *Dial) Succeed() net.Conn {
	local, remote := d.t.newSocket(d.Peer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abandoned {
		_ = local.Close()
		return remote
	}
	d.result <- dialResult{sock: local}
	return remote
}

// Fail completes the connect with err.
func (d *Dial) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.abandoned {
		d.result <- dialResult{err: err}
	}
}

func (d *Dial) abandon() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abandoned = true
	select {
	case res := <-d.result:
		if res.sock != nil {
			_ = res.sock.Close()
		}
	default:
	}
}

// Socket is the local end of an in-memory connection.
type Socket struct {
	t          *Transport
	peer       connmgr.Peer
	conn       net.Conn
	streamsErr error
	writeErr   error
	script     []Read
	once       sync.Once
}

func (s *Socket) Peer() connmgr.Peer { return s.peer }

func (s *Socket) Streams() (io.Reader, io.Writer, error) {
	if s.streamsErr != nil {
		return nil, nil, s.streamsErr
	}
	var r io.Reader = s.conn
	if len(s.script) > 0 {
		r = &scriptedReader{steps: s.script, next: s.conn}
	}
	if s.writeErr != nil {
		return r, failingWriter{s.writeErr}, nil
	}
	return r, s.conn, nil
}

func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		s.t.open.Add(-1)
		err = s.conn.Close()
	})
	return err
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

// scriptedReader replays steps, then reads from next.
type scriptedReader struct {
	steps []Read
	next  io.Reader
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return r.next.Read(p)
	}
	st := r.steps[0]
	r.steps = r.steps[1:]
	return copy(p, st.Data), st.Err
}
