package connmgr_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/connmgr/connmgrtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder implements both listener contracts and SetupErrorListener.
type recorder struct {
	mu     sync.Mutex
	events []string
	data   []byte
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnConnected(p connmgr.Peer)     { r.add("connected " + p.String()) }
func (r *recorder) OnConnectFailed(p connmgr.Peer) { r.add("failed " + p.String()) }
func (r *recorder) OnConnectionLost()              { r.add("lost") }
func (r *recorder) OnSetupError(error)             { r.add("setup-error") }

func (r *recorder) OnDataReceived(n int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data[:n]...)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Data() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func newMgr(t *testing.T, opts ...connmgr.Option) (*connmgr.Mgr, *connmgrtest.Transport) {
	t.Helper()
	tr := connmgrtest.NewTransport()
	opts = append([]connmgr.Option{connmgr.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m := connmgr.New(tr, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, tr
}

func waitState(t *testing.T, m *connmgr.Mgr, want connmgr.State) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return m.State() == want }, waitFor, tick,
		"state is %s, want %s", m.State(), want)
}

func waitEvents(t *testing.T, r *recorder, want ...string) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return assert.ObjectsAreEqual(want, r.Events()) }, waitFor, tick,
		"events %q, want %q", r.Events(), want)
}

func waitOpenSockets(t *testing.T, tr *connmgrtest.Transport, want int) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return tr.OpenSockets() == want }, waitFor, tick,
		"%d open sockets, want %d", tr.OpenSockets(), want)
}

func closeAll(t *testing.T, conns ...net.Conn) {
	t.Cleanup(func() {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	})
}

func TestMgr_ListenAcceptLoseRearm(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}

	require.NoError(t, m.StartListening(l))
	assert.Equal(t, connmgr.StateListening, m.State())
	assert.Equal(t, connmgr.RoleAcceptor, m.Role())

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitEvents(t, l, "connected AA:AA:AA:AA:AA:01")
	assert.Equal(t, connmgr.StateConnected, m.State())
	assert.Nil(t, tr.Endpoint(), "acceptor must be cancelled once connected")

	// Simulated read failure.
	require.NoError(t, p.Close())
	waitEvents(t, l, "connected AA:AA:AA:AA:AA:01", "lost")
	waitState(t, m, connmgr.StateListening)

	q, err := tr.Inbound("AA:AA:AA:AA:AA:02", waitFor)
	require.NoError(t, err)
	closeAll(t, q)
	waitEvents(t, l, "connected AA:AA:AA:AA:AA:01", "lost", "connected AA:AA:AA:AA:AA:02")
	assert.Equal(t, connmgr.StateConnected, m.State())
	assert.Equal(t, 2, tr.Listens())
	waitOpenSockets(t, tr, 1)
}

func TestMgr_DataBothWays(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}
	require.NoError(t, m.StartListening(l))

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitState(t, m, connmgr.StateConnected)

	go func() { _, _ = p.Write([]byte("hello")) }()
	require.Eventually(t, func() bool { return l.Data() == "hello" }, waitFor, tick)

	sent := make(chan bool, 1)
	go func() { sent <- m.Send([]byte("ping")) }()
	require.NoError(t, p.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(p, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.True(t, <-sent)
}

func TestMgr_DialFailureDoesNotRearm(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}

	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, l))
	assert.Equal(t, connmgr.StateConnecting, m.State())
	assert.Equal(t, connmgr.RoleInitiator, m.Role())

	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	assert.Equal(t, connmgr.Secure, d.Mode)
	assert.Equal(t, 1, tr.DiscoveryCancels())

	d.Fail(errors.New("host is down"))
	waitEvents(t, l, "failed BB:BB:BB:BB:BB:01")
	waitState(t, m, connmgr.StateIdle)
	assert.Equal(t, 0, tr.Listens())
	assert.Equal(t, 0, tr.OpenSockets())
}

func TestMgr_DialFailureWhileListeningKeepsListening(t *testing.T) {
	m, tr := newMgr(t)
	acc, ini := &recorder{}, &recorder{}
	require.NoError(t, m.StartListening(acc))
	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, ini))

	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	d.Fail(errors.New("refused"))
	waitEvents(t, ini, "failed BB:BB:BB:BB:BB:01")
	waitState(t, m, connmgr.StateListening)
	assert.Equal(t, 1, tr.Listens())

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitEvents(t, acc, "connected AA:AA:AA:AA:AA:01")
}

func TestMgr_SendWhileIdleIsDropped(t *testing.T) {
	m, tr := newMgr(t)
	assert.False(t, m.Send([]byte("lost in space")))
	assert.Equal(t, connmgr.StateIdle, m.State())
	assert.Equal(t, 0, tr.OpenSockets())
}

func TestMgr_DialRoleExclusivity(t *testing.T) {
	m, tr := newMgr(t)
	acc, ini := &recorder{}, &recorder{}
	require.NoError(t, m.StartListening(acc))
	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Insecure, ini))

	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	assert.Equal(t, connmgr.Insecure, d.Mode)
	p := d.Succeed()
	closeAll(t, p)

	waitEvents(t, ini, "connected BB:BB:BB:BB:BB:01")
	assert.Equal(t, connmgr.StateConnected, m.State())
	assert.Equal(t, connmgr.RoleInitiator, m.Role())
	require.Eventually(t, func() bool { return tr.Endpoint() == nil }, waitFor, tick)

	go func() { _, _ = p.Write([]byte("x")) }()
	require.Eventually(t, func() bool { return ini.Data() == "x" }, waitFor, tick)

	require.NoError(t, p.Close())
	waitEvents(t, ini, "connected BB:BB:BB:BB:BB:01", "lost")
	waitState(t, m, connmgr.StateListening)
	assert.Equal(t, connmgr.RoleAcceptor, m.Role())

	assert.Empty(t, acc.Events())
	assert.Empty(t, acc.Data())
}

func TestMgr_LostWithoutAcceptorListenerGoesIdle(t *testing.T) {
	m, tr := newMgr(t)
	ini := &recorder{}
	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, ini))
	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	p := d.Succeed()
	waitState(t, m, connmgr.StateConnected)

	require.NoError(t, p.Close())
	waitEvents(t, ini, "connected BB:BB:BB:BB:BB:01", "lost")
	waitState(t, m, connmgr.StateIdle)
	assert.Equal(t, 0, tr.Listens())
	waitOpenSockets(t, tr, 0)
}

func TestMgr_PromotionRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, tr := newMgr(t)
		acc, ini := &recorder{}, &recorder{}
		require.NoError(t, m.StartListening(acc))
		require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, ini))
		d, err := tr.NextDial(waitFor)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return tr.Endpoint() != nil }, waitFor, tick)

		var wg sync.WaitGroup
		var remotes [2]net.Conn
		wg.Add(2)
		go func() {
			defer wg.Done()
			remotes[0] = d.Succeed()
		}()
		go func() {
			defer wg.Done()
			remotes[1], _ = tr.Inbound("AA:AA:AA:AA:AA:01", 100*time.Millisecond)
		}()
		wg.Wait()
		closeAll(t, remotes[:]...)

		waitState(t, m, connmgr.StateConnected)
		waitOpenSockets(t, tr, 1)
		assert.Equal(t, 1, m.LiveChannels())
		connects := func() int { return len(acc.Events()) + len(ini.Events()) }
		require.Eventually(t, func() bool { return connects() == 1 }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, connects(), "exactly one connected callback")
	}
}

func TestMgr_AtMostOneChannel(t *testing.T) {
	m, tr := newMgr(t)
	acc, ini := &recorder{}, &recorder{}

	var violations atomic.Int32
	var remotesMu sync.Mutex
	var remotes []net.Conn
	keep := func(c net.Conn) {
		if c == nil {
			return
		}
		remotesMu.Lock()
		defer remotesMu.Unlock()
		remotes = append(remotes, c)
	}

	stop := make(chan struct{})
	var bg, inbound sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if m.LiveChannels() > 1 {
				violations.Add(1)
			}
			runtime.Gosched()
		}
	}()
	go func() {
		defer bg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if d, err := tr.NextDial(10 * time.Millisecond); err == nil {
				keep(d.Succeed())
			}
		}
	}()

	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			require.NoError(t, m.StartListening(acc))
			inbound.Add(1)
			go func() {
				defer inbound.Done()
				c, _ := tr.Inbound("AA:AA:AA:AA:AA:01", 50*time.Millisecond)
				keep(c)
			}()
		} else {
			require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, ini))
		}
		time.Sleep(time.Millisecond)
	}

	close(stop)
	bg.Wait()
	inbound.Wait()
	m.Stop()

	remotesMu.Lock()
	closeAll(t, remotes...)
	remotesMu.Unlock()

	assert.Zero(t, violations.Load())
	assert.Equal(t, connmgr.StateIdle, m.State())
	waitOpenSockets(t, tr, 0)
	assert.Equal(t, 0, m.LiveChannels())
}

func TestMgr_StopWhileBlocked(t *testing.T) {
	m, tr := newMgr(t)
	acc, ini := &recorder{}, &recorder{}
	require.NoError(t, m.StartListening(acc))
	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, ini))
	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Endpoint() != nil }, waitFor, tick)

	m.Stop()
	assert.Equal(t, connmgr.StateIdle, m.State())
	assert.Equal(t, connmgr.RoleNone, m.Role())
	require.Eventually(t, func() bool { return tr.Endpoint() == nil }, waitFor, tick)

	// The connect completes after cancellation: its socket must not leak.
	p := d.Succeed()
	closeAll(t, p)
	waitOpenSockets(t, tr, 0)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, acc.Events())
	assert.Empty(t, ini.Events())
	assert.Equal(t, connmgr.StateIdle, m.State())
}

func TestMgr_StopWhileReading(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}
	require.NoError(t, m.StartListening(l))
	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitEvents(t, l, "connected AA:AA:AA:AA:AA:01")

	m.Stop()
	assert.Equal(t, connmgr.StateIdle, m.State())
	waitOpenSockets(t, tr, 0)
	assert.Equal(t, 0, m.LiveChannels())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"connected AA:AA:AA:AA:AA:01"}, l.Events())
	assert.Equal(t, connmgr.StateIdle, m.State())
	assert.Equal(t, 1, tr.Listens(), "stop must not re-arm")
}

func TestMgr_DialSupersedesDial(t *testing.T) {
	m, tr := newMgr(t)
	first, second := &recorder{}, &recorder{}
	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, first))
	d1, err := tr.NextDial(waitFor)
	require.NoError(t, err)

	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:02", connmgr.Secure, second))
	d2, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	assert.Equal(t, connmgr.Peer("BB:BB:BB:BB:BB:02"), d2.Peer)

	closeAll(t, d1.Succeed())
	d2.Fail(errors.New("timeout"))

	waitEvents(t, second, "failed BB:BB:BB:BB:BB:02")
	waitState(t, m, connmgr.StateIdle)
	waitOpenSockets(t, tr, 0)
	assert.Empty(t, first.Events())
}

func TestMgr_DialWhileConnectedDropsChannel(t *testing.T) {
	m, tr := newMgr(t)
	acc, ini := &recorder{}, &recorder{}
	require.NoError(t, m.StartListening(acc))
	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitState(t, m, connmgr.StateConnected)

	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, ini))
	assert.Equal(t, connmgr.StateConnecting, m.State())
	assert.Equal(t, 0, m.LiveChannels())
	waitOpenSockets(t, tr, 0)

	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	closeAll(t, d.Succeed())
	waitEvents(t, ini, "connected BB:BB:BB:BB:BB:01")
	assert.Equal(t, []string{"connected AA:AA:AA:AA:AA:01"}, acc.Events(), "cancelled channel is not reported lost")
}

func TestMgr_StartListeningRestarts(t *testing.T) {
	m, tr := newMgr(t, connmgr.WithListenMode(connmgr.Insecure))
	l := &recorder{}
	require.NoError(t, m.StartListening(l))
	require.Eventually(t, func() bool { return tr.Listens() == 1 }, waitFor, tick)
	first := tr.Endpoint()

	require.NoError(t, m.StartListening(l))
	require.Eventually(t, func() bool { return tr.Listens() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return tr.Endpoint() != nil && tr.Endpoint() != first }, waitFor, tick)
	assert.Equal(t, connmgr.Insecure, tr.Endpoint().Mode)
	assert.Equal(t, connmgr.StateListening, m.State())
}

func TestMgr_ListenSetupError(t *testing.T) {
	m, tr := newMgr(t)
	tr.FailListen(errors.New("adapter unavailable"))
	l := &recorder{}

	require.NoError(t, m.StartListening(l))
	waitEvents(t, l, "setup-error")
	waitState(t, m, connmgr.StateIdle)
}

func TestMgr_ChannelSetupError(t *testing.T) {
	m, tr := newMgr(t)
	tr.FailStreams(errors.New("no streams"))
	l := &recorder{}
	require.NoError(t, m.StartListening(l))

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)

	waitEvents(t, l, "setup-error")
	waitState(t, m, connmgr.StateListening)
	require.Eventually(t, func() bool { return tr.Listens() == 2 }, waitFor, tick)
	waitOpenSockets(t, tr, 0)
	assert.Equal(t, 0, m.LiveChannels())
}

func TestMgr_WriteFailureIsAbsorbed(t *testing.T) {
	m, tr := newMgr(t)
	tr.FailWrites(errors.New("broken pipe"))
	l := &recorder{}
	require.NoError(t, m.StartListening(l))
	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitState(t, m, connmgr.StateConnected)

	assert.True(t, m.Send([]byte("ping")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connmgr.StateConnected, m.State())
	assert.Equal(t, []string{"connected AA:AA:AA:AA:AA:01"}, l.Events())
}

func TestMgr_CallbackMayReenter(t *testing.T) {
	m, tr := newMgr(t)
	stopped := make(chan struct{})
	l := &reentrant{m: m, stopped: stopped}
	require.NoError(t, m.StartListening(l))

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	go func() { _, _ = io.Copy(io.Discard, p) }()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("callback did not return")
	}
	assert.Equal(t, connmgr.StateIdle, m.State())
	waitOpenSockets(t, tr, 0)
}

// reentrant stops the Mgr from inside OnConnected.
type reentrant struct {
	m       *connmgr.Mgr
	stopped chan struct{}
}

func (r *reentrant) OnConnected(connmgr.Peer) {
	r.m.Send([]byte("hi"))
	r.m.Stop()
	close(r.stopped)
}
func (r *reentrant) OnConnectionLost()          {}
func (r *reentrant) OnDataReceived(int, []byte) {}

func TestMgr_Close(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}
	require.NoError(t, m.StartListening(l))
	require.Eventually(t, func() bool { return tr.Endpoint() != nil }, waitFor, tick)

	require.NoError(t, m.Close())
	require.Eventually(t, func() bool { return tr.Endpoint() == nil }, waitFor, tick)
	assert.ErrorIs(t, m.StartListening(l), connmgr.ErrClosed)
	assert.ErrorIs(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, l), connmgr.ErrClosed)
	assert.NoError(t, m.Close())
}

func TestMgr_ArgumentValidation(t *testing.T) {
	m, _ := newMgr(t)
	assert.ErrorIs(t, m.StartListening(nil), connmgr.ErrNoListener)
	assert.ErrorIs(t, m.Dial("", connmgr.Secure, &recorder{}), connmgr.ErrEmptyPeer)
	assert.ErrorIs(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, nil), connmgr.ErrNoListener)
	assert.Equal(t, connmgr.StateIdle, m.State())
}

// initiatorOnly implements InitiatorListener and nothing else.
type initiatorOnly struct{ r *recorder }

func (l initiatorOnly) OnConnected(p connmgr.Peer)        { l.r.OnConnected(p) }
func (l initiatorOnly) OnConnectFailed(p connmgr.Peer)    { l.r.OnConnectFailed(p) }
func (l initiatorOnly) OnConnectionLost()                 { l.r.OnConnectionLost() }
func (l initiatorOnly) OnDataReceived(n int, data []byte) { l.r.OnDataReceived(n, data) }

// acceptorOnly implements AcceptorListener and nothing else.
type acceptorOnly struct{ r *recorder }

func (l acceptorOnly) OnConnected(p connmgr.Peer)        { l.r.OnConnected(p) }
func (l acceptorOnly) OnConnectionLost()                 { l.r.OnConnectionLost() }
func (l acceptorOnly) OnDataReceived(n int, data []byte) { l.r.OnDataReceived(n, data) }

func TestMgr_ChannelSetupErrorReportsConnectFailed(t *testing.T) {
	m, tr := newMgr(t)
	r := &recorder{}
	tr.FailStreams(errors.New("no streams"))

	require.NoError(t, m.Dial("BB:BB:BB:BB:BB:01", connmgr.Secure, initiatorOnly{r}))
	d, err := tr.NextDial(waitFor)
	require.NoError(t, err)
	closeAll(t, d.Succeed())

	waitEvents(t, r, "failed BB:BB:BB:BB:BB:01")
	waitState(t, m, connmgr.StateIdle)
	waitOpenSockets(t, tr, 0)
}

func TestMgr_ListenSetupErrorWithoutSetupListener(t *testing.T) {
	m, tr := newMgr(t)
	r := &recorder{}
	tr.FailListen(errors.New("adapter off"))

	require.NoError(t, m.StartListening(acceptorOnly{r}))
	waitState(t, m, connmgr.StateIdle)
	assert.Empty(t, r.Events())
}

func TestMgr_SupersededNotificationIsDropped(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}
	var once sync.Once
	// Stop lands after the promotion was applied but before OnConnected runs.
	m.BeforeNotify(func() { once.Do(m.Stop) })
	require.NoError(t, m.StartListening(l))

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)

	waitState(t, m, connmgr.StateIdle)
	waitOpenSockets(t, tr, 0)
	assert.Never(t, func() bool { return len(l.Events()) > 0 }, 100*time.Millisecond, tick)
}

func TestMgr_RestartWaitsForPendingListen(t *testing.T) {
	m, tr := newMgr(t)
	l := &recorder{}
	release := tr.HoldListens()
	t.Cleanup(release)

	require.NoError(t, m.StartListening(l))
	require.Eventually(t, func() bool { return tr.PendingListens() == 1 }, waitFor, tick)

	// Restart while the first Listen is still in flight.
	require.NoError(t, m.StartListening(l))
	assert.Never(t, func() bool { return tr.PendingListens() > 1 }, 50*time.Millisecond, tick)

	release()
	require.Eventually(t, func() bool { return tr.Listens() == 2 && tr.Endpoint() != nil }, waitFor, tick)
	assert.Equal(t, 1, tr.MaxOpenEndpoints())
	assert.Equal(t, connmgr.StateListening, m.State())

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)
	waitEvents(t, l, "connected AA:AA:AA:AA:AA:01")
}

// trace records data callbacks in line with the other events.
type trace struct{ recorder }

func (r *trace) OnDataReceived(n int, data []byte) { r.add(fmt.Sprintf("data %q", data[:n])) }

func TestMgr_ReadsDeliveredBeforeLoss(t *testing.T) {
	m, tr := newMgr(t)
	l := &trace{}
	tr.ScriptReads(
		connmgrtest.Read{},
		connmgrtest.Read{Data: []byte("tail"), Err: io.EOF},
	)
	require.NoError(t, m.StartListening(l))

	p, err := tr.Inbound("AA:AA:AA:AA:AA:01", waitFor)
	require.NoError(t, err)
	closeAll(t, p)

	waitEvents(t, &l.recorder, "connected AA:AA:AA:AA:AA:01", `data ""`, `data "tail"`, "lost")
	waitState(t, m, connmgr.StateListening)
	waitOpenSockets(t, tr, 0)
}
