package connmgr

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// channel pumps one connected socket: reads are reported to the dispatcher,
// writes go straight to the socket.
type channel struct {
	m    *Mgr
	sock Socket
	peer Peer
	r    io.Reader
	w    io.Writer
	buf  []byte
	log  *slog.Logger

	stop      chan struct{}
	cancelled atomic.Bool
	once      sync.Once
	wmu       sync.Mutex
}

func newChannel(m *Mgr, sock Socket, peer Peer) (*channel, error) {
	r, w, err := sock.Streams()
	if err != nil {
		return nil, &SetupError{Op: "streams", Err: err}
	}
	return &channel{
		m:    m,
		sock: sock,
		peer: peer,
		r:    r,
		w:    w,
		buf:  make([]byte, m.readBuffer),
		log:  m.log.With("worker", "channel", "peer", peer.String()),
		stop: make(chan struct{}),
	}, nil
}

func (c *channel) run() {
	for {
		n, err := c.r.Read(c.buf)
		if n > 0 || err == nil {
			data := make([]byte, n)
			copy(data, c.buf[:n])
			if !c.m.post(c.stop, received{c: c, n: n, data: data}) {
				return
			}
		}
		if err != nil {
			if c.cancelled.Load() {
				c.log.Debug("read stopped")
				return
			}
			c.log.Info("disconnected", "error", err)
			c.m.post(c.stop, lost{c: c})
			return
		}
	}
}

// write is blocking. Failures are logged only: loss of the connection is
// detected by the read side.
func (c *channel) write(p []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(p); err != nil {
		c.log.Warn("write failed", "error", err, "bytes", len(p))
	}
}

// cancel closes the socket, unblocking a pending read.
func (c *channel) cancel() (err error) {
	c.once.Do(func() {
		c.cancelled.Store(true)
		close(c.stop)
		c.m.live.Add(-1)
		err = c.sock.Close()
	})
	return err
}
