package connmgr

// A report is a worker's completion message. apply runs on the dispatcher
// goroutine with m.mu held and returns the listener notification to run
// once the lock is released, or nil.
type report interface {
	apply(m *Mgr) func()
}

type accepted struct {
	a    *acceptor
	sock Socket
}

func (r accepted) apply(m *Mgr) func() {
	if m.acc != r.a || m.state == StateIdle || m.state == StateConnected {
		m.log.Debug("closing unwanted inbound socket", "peer", r.sock.Peer().String())
		_ = r.sock.Close()
		return nil
	}
	return m.promoteLocked(r.sock, r.sock.Peer(), RoleAcceptor)
}

type acceptFailed struct {
	a   *acceptor
	err error
}

func (r acceptFailed) apply(m *Mgr) func() {
	if m.acc != r.a {
		return nil
	}
	m.log.Error("acceptor failed", "error", r.err)
	_ = r.a.cancel()
	m.acc = nil
	if m.state == StateListening {
		m.setStateLocked(StateIdle)
	}
	return setupErrorNotice(m.acceptor, RoleAcceptor, "", r.err)
}

type connected struct {
	d *dialer
}

func (r connected) apply(m *Mgr) func() {
	if m.dial != r.d {
		// Superseded: cancel already closed the socket.
		return nil
	}
	sock := r.d.detach()
	if sock == nil {
		return nil
	}
	return m.promoteLocked(sock, r.d.peer, RoleInitiator)
}

type dialFailed struct {
	d *dialer
}

func (r dialFailed) apply(m *Mgr) func() {
	if m.dial != r.d || m.role != RoleInitiator {
		return nil
	}
	_ = r.d.cancel()
	m.dial = nil
	if m.acc != nil {
		m.setStateLocked(StateListening)
	} else {
		m.setStateLocked(StateIdle)
	}
	l, peer := m.initiator, r.d.peer
	if l == nil {
		return nil
	}
	return func() { l.OnConnectFailed(peer) }
}

type received struct {
	c    *channel
	n    int
	data []byte
}

func (r received) apply(m *Mgr) func() {
	if m.ch != r.c {
		return nil
	}
	switch m.role {
	case RoleInitiator:
		if l := m.initiator; l != nil {
			return func() { l.OnDataReceived(r.n, r.data) }
		}
	case RoleAcceptor:
		if l := m.acceptor; l != nil {
			return func() { l.OnDataReceived(r.n, r.data) }
		}
	}
	return nil
}

type lost struct {
	c *channel
}

func (r lost) apply(m *Mgr) func() {
	if m.ch != r.c {
		return nil
	}
	_ = r.c.cancel()
	m.ch = nil
	m.log.Info("connection lost", "peer", r.c.peer.String(), "role", m.role.String())

	var notify func()
	switch m.role {
	case RoleInitiator:
		if l := m.initiator; l != nil {
			notify = l.OnConnectionLost
		}
	case RoleAcceptor:
		if l := m.acceptor; l != nil {
			notify = l.OnConnectionLost
		}
	}
	m.rearmLocked()
	return notify
}

// setupErrorNotice returns a notification delivering err to l, or nil if l
// has no way to hear about it. An initiator listener without OnSetupError is
// told the connect to peer failed.
func setupErrorNotice(l any, via Role, peer Peer, err error) func() {
	if sl, ok := l.(SetupErrorListener); ok {
		return func() { sl.OnSetupError(err) }
	}
	if il, ok := l.(InitiatorListener); ok && via == RoleInitiator {
		return func() { il.OnConnectFailed(peer) }
	}
	return nil
}
