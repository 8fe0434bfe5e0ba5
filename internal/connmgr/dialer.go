package connmgr

import (
	"context"
	"sync"
)

// dialer performs exactly one outbound connect attempt.
type dialer struct {
	m    *Mgr
	peer Peer
	mode SecurityMode

	ctx   context.Context
	abort context.CancelFunc
	stop  chan struct{}

	mu        sync.Mutex
	sock      Socket // connected socket not yet handed to a channel
	cancelled bool
	once      sync.Once
}

func newDialer(m *Mgr, peer Peer, mode SecurityMode) *dialer {
	ctx, abort := context.WithCancel(context.Background())
	return &dialer{
		m:     m,
		peer:  peer,
		mode:  mode,
		ctx:   ctx,
		abort: abort,
		stop:  make(chan struct{}),
	}
}

func (d *dialer) run() {
	log := d.m.log.With("worker", "dialer", "peer", d.peer.String(), "mode", d.mode.String())

	// Discovery slows down the radio; it must not overlap the connect.
	if err := d.m.transport.CancelDiscovery(); err != nil {
		log.Debug("cancel discovery", "error", err)
	}

	sock, err := d.m.transport.Connect(d.ctx, d.peer, d.mode)
	if err != nil {
		if sock != nil {
			_ = sock.Close()
		}
		if d.isCancelled() {
			log.Debug("connect cancelled")
			return
		}
		log.Info("connect failed", "error", err)
		d.m.post(d.stop, dialFailed{d: d})
		return
	}

	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		_ = sock.Close()
		return
	}
	d.sock = sock
	d.mu.Unlock()

	// If the post is lost, cancel has already closed d.sock.
	d.m.post(d.stop, connected{d: d})
}

func (d *dialer) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// detach hands the connected socket over to the caller so that a later
// cancel no longer closes it. It returns nil if the dialer was cancelled.
func (d *dialer) detach() Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return nil
	}
	sock := d.sock
	d.sock = nil
	return sock
}

// cancel aborts the attempt. Safe before, during and after the connect; a
// socket that was already detached is left alone.
func (d *dialer) cancel() (err error) {
	d.once.Do(func() {
		d.mu.Lock()
		d.cancelled = true
		sock := d.sock
		d.sock = nil
		d.mu.Unlock()
		close(d.stop)
		d.abort()
		if sock != nil {
			err = sock.Close()
		}
	})
	return err
}
