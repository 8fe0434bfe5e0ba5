package connmgr

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// DefaultReadBuffer is the size of the per-channel read buffer.
const DefaultReadBuffer = 1024

// Option configures a Mgr.
type Option func(*Mgr)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mgr) {
		if l != nil {
			m.log = l
		}
	}
}

// WithListenMode sets the security mode used by StartListening and by the
// automatic re-arm after a lost connection. The default is Secure.
func WithListenMode(mode SecurityMode) Option {
	return func(m *Mgr) { m.listenMode = mode }
}

// WithReadBuffer sets the per-channel read buffer size.
func WithReadBuffer(n int) Option {
	return func(m *Mgr) {
		if n > 0 {
			m.readBuffer = n
		}
	}
}

// Mgr owns the connection state and the lifetimes of the acceptor, dialer
// and channel workers. At most one channel is active at any time.
type Mgr struct {
	transport  Transport
	log        *slog.Logger
	listenMode SecurityMode
	readBuffer int

	mu        sync.Mutex
	closed    bool
	state     State
	role      Role
	initiator InitiatorListener
	acceptor  AcceptorListener
	acc       *acceptor
	dial      *dialer
	ch        *channel

	// lastAcc is the most recently started acceptor. Its successor waits for
	// it to release the endpoint before listening again.
	lastAcc *acceptor

	// gen is bumped whenever the set of workers is replaced. A notification
	// prepared under an older generation is dropped.
	gen uint64
	// beforeNotify runs between apply and the generation check; tests only.
	beforeNotify func()

	// live counts channel workers that have not been cancelled yet.
	live atomic.Int32

	reports chan report
	quit    chan struct{}
}

// New creates a Mgr in StateIdle over the given transport. No radio
// resources are touched until StartListening or Dial is called.
func New(t Transport, opts ...Option) *Mgr {
	m := &Mgr{
		transport:  t,
		log:        slog.Default(),
		listenMode: Secure,
		readBuffer: DefaultReadBuffer,
		reports:    make(chan report),
		quit:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "connmgr")
	go m.dispatch()
	return m
}

// dispatch serialises worker reports. Listener callbacks run here, outside
// the lock, in the order the reports were applied.
func (m *Mgr) dispatch() {
	for {
		select {
		case <-m.quit:
			return
		case r := <-m.reports:
			m.mu.Lock()
			notify := r.apply(m)
			gen, hook := m.gen, m.beforeNotify
			m.mu.Unlock()
			if notify == nil {
				continue
			}
			if hook != nil {
				hook()
			}
			if m.current(gen) {
				notify()
			}
		}
	}
}

// post hands r to the dispatcher. It returns false if the worker was
// cancelled or the Mgr closed before the report could be delivered.
func (m *Mgr) post(stop <-chan struct{}, r report) bool {
	select {
	case m.reports <- r:
		return true
	case <-stop:
		return false
	case <-m.quit:
		return false
	}
}

// current reports whether no Stop, Dial or StartListening happened since gen
// was read.
func (m *Mgr) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// State returns the current connection state.
func (m *Mgr) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Role returns the role of the current or most recent attempt.
func (m *Mgr) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// StartListening tears down any dial attempt, active channel and running
// acceptor, then starts a fresh acceptor bound to l. Calling it while
// already listening is an explicit restart. l is also remembered for the
// automatic re-arm after a lost connection.
func (m *Mgr) StartListening(l AcceptorListener) error {
	if l == nil {
		return ErrNoListener
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.acceptor = l
	m.listenLocked()
	return nil
}

// Dial starts one outbound connect attempt to peer. Any previous dial
// attempt and any active channel are cancelled first; a running acceptor is
// left alone and may still win the race.
func (m *Mgr) Dial(peer Peer, mode SecurityMode, l InitiatorListener) error {
	if peer == "" {
		return ErrEmptyPeer
	}
	if l == nil {
		return ErrNoListener
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cancelDialLocked()
	m.cancelChannelLocked()

	m.gen++
	m.role = RoleInitiator
	m.initiator = l
	m.setStateLocked(StateConnecting)

	d := newDialer(m, peer, mode)
	m.dial = d
	go d.run()
	return nil
}

// Send writes p to the active channel. It reports false, dropping p, when
// there is no connection. The write itself happens outside the lock; a
// write failure is logged, not reported.
func (m *Mgr) Send(p []byte) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.ch == nil {
		m.mu.Unlock()
		return false
	}
	ch := m.ch
	m.mu.Unlock()

	ch.write(p)
	return true
}

// Stop cancels the dialer, channel and acceptor, in that order, and returns
// to StateIdle with no role. Blocked workers are unblocked without any
// failure callback.
func (m *Mgr) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.stopLocked(); err != nil {
		m.log.Warn("stop", "error", err)
	}
}

// Close stops the Mgr for good. Later calls return ErrClosed; redundant
// Close calls are allowed.
func (m *Mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	err := m.stopLocked()
	m.mu.Unlock()

	close(m.quit)
	return err
}

func (m *Mgr) stopLocked() error {
	var err error
	err = multierr.Append(err, m.cancelDialLocked())
	err = multierr.Append(err, m.cancelChannelLocked())
	err = multierr.Append(err, m.cancelAcceptLocked())
	m.gen++
	m.role = RoleNone
	m.initiator = nil
	m.acceptor = nil
	m.setStateLocked(StateIdle)
	return err
}

func (m *Mgr) listenLocked() {
	m.cancelDialLocked()
	m.cancelChannelLocked()
	m.cancelAcceptLocked()

	m.gen++
	m.role = RoleAcceptor
	m.setStateLocked(StateListening)

	a := newAcceptor(m, m.listenMode, m.lastAcc)
	m.acc = a
	m.lastAcc = a
	go a.run()
}

// rearmLocked restarts listening after the channel went away, or idles if
// no acceptor listener was ever supplied.
func (m *Mgr) rearmLocked() {
	if m.acceptor != nil {
		m.listenLocked()
		return
	}
	m.cancelDialLocked()
	m.cancelAcceptLocked()
	m.setStateLocked(StateIdle)
}

// promoteLocked makes sock the active channel. Every other worker is
// cancelled first.
func (m *Mgr) promoteLocked(sock Socket, peer Peer, via Role) func() {
	m.cancelDialLocked()
	m.cancelAcceptLocked()
	m.cancelChannelLocked()

	var listener any = m.acceptor
	if via == RoleInitiator {
		listener = m.initiator
	}

	ch, err := newChannel(m, sock, peer)
	if err != nil {
		m.log.Error("channel setup failed", "peer", peer.String(), "error", err)
		_ = sock.Close()
		notify := setupErrorNotice(listener, via, peer, err)
		m.rearmLocked()
		return notify
	}

	m.live.Add(1)
	m.ch = ch
	m.role = via
	m.setStateLocked(StateConnected)
	go ch.run()
	m.log.Info("connected", "peer", peer.String(), "role", via.String())

	switch via {
	case RoleInitiator:
		if l := m.initiator; l != nil {
			return func() { l.OnConnected(peer) }
		}
	case RoleAcceptor:
		if l := m.acceptor; l != nil {
			return func() { l.OnConnected(peer) }
		}
	}
	return nil
}

func (m *Mgr) cancelDialLocked() error {
	if m.dial == nil {
		return nil
	}
	err := m.dial.cancel()
	m.dial = nil
	return err
}

func (m *Mgr) cancelAcceptLocked() error {
	if m.acc == nil {
		return nil
	}
	err := m.acc.cancel()
	m.acc = nil
	return err
}

func (m *Mgr) cancelChannelLocked() error {
	if m.ch == nil {
		return nil
	}
	err := m.ch.cancel()
	m.ch = nil
	return err
}

func (m *Mgr) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("state", "from", m.state.String(), "to", s.String())
	m.state = s
}
