package connmgr

import (
	"sync"
)

// acceptor owns one listening endpoint and reports every accepted socket to
// the dispatcher until it is cancelled.
type acceptor struct {
	m    *Mgr
	mode SecurityMode
	stop chan struct{}

	// prev must have released its endpoint before this one listens; a fixed
	// RFCOMM channel cannot be bound twice.
	prev     *acceptor
	released chan struct{}

	mu        sync.Mutex
	ep        Endpoint
	cancelled bool
	once      sync.Once
}

func newAcceptor(m *Mgr, mode SecurityMode, prev *acceptor) *acceptor {
	return &acceptor{
		m:        m,
		mode:     mode,
		stop:     make(chan struct{}),
		prev:     prev,
		released: make(chan struct{}),
	}
}

func (a *acceptor) run() {
	defer close(a.released)
	if prev := a.prev; prev != nil {
		a.prev = nil
		select {
		case <-prev.released:
		case <-a.stop:
			return
		}
	}

	log := a.m.log.With("worker", "acceptor", "mode", a.mode.String())
	ep, err := a.m.transport.Listen(a.mode)
	if err != nil {
		if a.isCancelled() {
			return
		}
		a.m.post(a.stop, acceptFailed{a: a, err: &SetupError{Op: "listen", Err: err}})
		return
	}

	a.mu.Lock()
	if a.cancelled {
		a.mu.Unlock()
		_ = ep.Close()
		return
	}
	a.ep = ep
	a.mu.Unlock()
	log.Debug("listening")

	for {
		sock, err := ep.Accept()
		if err != nil {
			if a.isCancelled() {
				log.Debug("accept stopped")
				return
			}
			_ = ep.Close()
			a.m.post(a.stop, acceptFailed{a: a, err: &SetupError{Op: "accept", Err: err}})
			return
		}
		if !a.m.post(a.stop, accepted{a: a, sock: sock}) {
			// Nobody will promote it; do not leak the descriptor.
			_ = sock.Close()
			return
		}
	}
}

func (a *acceptor) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// cancel closes the listening endpoint exactly once, unblocking Accept. If
// Listen is still in flight, run closes the endpoint when it returns.
func (a *acceptor) cancel() (err error) {
	a.once.Do(func() {
		a.mu.Lock()
		a.cancelled = true
		ep := a.ep
		a.mu.Unlock()
		close(a.stop)
		if ep != nil {
			err = ep.Close()
		}
	})
	return err
}
