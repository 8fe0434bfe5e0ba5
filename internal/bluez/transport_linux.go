//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"

	"bluetooth-chat/internal/connmgr"
)

// Options configures a Transport. Zero values select the defaults.
type Options struct {
	// Adapter is the local adapter name, e.g. "hci0".
	Adapter string
	// ServiceName is published in the SDP record of listening profiles.
	ServiceName string
	// UUID is the service UUID registered and connected to.
	UUID string
	// Channel is the RFCOMM channel of listening profiles.
	Channel uint8
	Logger  *slog.Logger
}

var pathCounter uint64

// Transport is a connmgr.Transport backed by BlueZ.
type Transport struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	// client-role profile, registered on first Connect
	cliProf    *profile
	clientPath dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func() error
}

var _ connmgr.Transport = (*Transport)(nil)

// New creates a Transport. The system bus is connected lazily.
func New(opts Options) *Transport {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.UUID == "" {
		opts.UUID = SPPUUID
	}
	if opts.Channel == 0 {
		opts.Channel = DefaultRFCOMMChannel
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "bluetooth-chat"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{opts: opts, log: log.With("component", "bluez", "adapter", opts.Adapter)}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
	if t.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t.bus = c
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, c.Close)
	return nil
}

func (t *Transport) conn() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("bluez: closed")
	}
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}
	return t.bus, nil
}

func (t *Transport) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + t.opts.Adapter)
}

func nextPath(kind string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/bluetooth_chat/" + kind + "/p" + strconv.FormatUint(id, 10))
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu     sync.Mutex
	ch     chan *socket
	closed bool
}

func newProfile() *profile {
	return &profile{ch: make(chan *socket, 1)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the owner of the socket closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection hands the RFCOMM socket to a waiting Accept or Connect.
// Sockets nobody is waiting for are closed and rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	s := newSocket(int(fd), dev)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = s.Close()
		return rejected("profile closed")
	}
	select {
	case p.ch <- s:
		return nil
	default:
		_ = s.Close()
		return rejected("no receiver")
	}
}

// drain closes sockets delivered for attempts that are gone.
func (p *profile) drain() {
	for {
		select {
		case s := <-p.ch:
			_ = s.Close()
		default:
			return
		}
	}
}

func (p *profile) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.drain()
}

// Listen registers a server-role profile and returns an endpoint accepting
// connections on it.
func (t *Transport) Listen(mode connmgr.SecurityMode) (connmgr.Endpoint, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	prof := newProfile()
	path := nextPath("server")
	if err := bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}
	pm := bus.Object(bluezService, "/org/bluez")
	opts := serverOptions(t.opts.ServiceName, t.opts.Channel, mode)
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.UUID, opts); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}
	t.log.Debug("server profile registered", "path", string(path), "mode", mode.String(), "channel", t.opts.Channel)
	return &endpoint{bus: bus, path: path, prof: prof, done: make(chan struct{})}, nil
}

type endpoint struct {
	bus  *dbus.Conn
	path dbus.ObjectPath
	prof *profile
	done chan struct{}
	once sync.Once
}

func (e *endpoint) Accept() (connmgr.Socket, error) {
	select {
	case <-e.done:
		return nil, errors.New("bluez: endpoint closed")
	case s := <-e.prof.ch:
		return s, nil
	}
}

func (e *endpoint) Close() (err error) {
	e.once.Do(func() {
		close(e.done)
		e.prof.close()
		pm := e.bus.Object(bluezService, "/org/bluez")
		err = pm.Call(profileManagerIface+".UnregisterProfile", 0, e.path).Err
		// Unexport the object path (best-effort).
		_ = e.bus.Export(nil, e.path, profileInterfaceName)
		if err != nil {
			err = fmt.Errorf("bluez: UnregisterProfile: %w", err)
		}
	})
	return err
}

// ensureClientLocked exports and registers the client-role profile once.
func (t *Transport) ensureClientLocked() error {
	if t.cliProf != nil {
		return nil
	}
	prof := newProfile()
	path := nextPath("client")
	if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := t.bus.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.UUID, clientOptions()); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	bus := t.bus
	t.cleanup = append(t.cleanup, func() error {
		prof.close()
		err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
		return err
	})
	t.cliProf = prof
	t.clientPath = path
	return nil
}

// Connect connects to peer, a MAC address or Device1 object path. Secure
// mode pairs first if the device is not yet paired.
func (t *Transport) Connect(ctx context.Context, peer connmgr.Peer, mode connmgr.SecurityMode) (connmgr.Socket, error) {
	devPath, err := devicePath(t.opts.Adapter, peer)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if err := t.ensureClientLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	bus, prof := t.bus, t.cliProf
	t.mu.Unlock()

	prof.drain()
	devObj := bus.Object(bluezService, devPath)
	if mode == connmgr.Secure {
		if err := pairIfNeeded(ctx, devObj); err != nil {
			return nil, err
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, t.opts.UUID); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
		case s := <-prof.ch:
			if s.path != devPath {
				t.log.Debug("dropping connection for another device", "path", string(s.path))
				_ = s.Close()
				continue
			}
			return s, nil
		}
	}
}

func pairIfNeeded(ctx context.Context, devObj dbus.BusObject) error {
	v, err := devObj.GetProperty(deviceIface + ".Paired")
	if err != nil {
		return fmt.Errorf("bluez: read Paired: %w", err)
	}
	if paired, _ := v.Value().(bool); paired {
		return nil
	}
	if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil &&
		errorName(err) != "org.bluez.Error.AlreadyExists" {
		return fmt.Errorf("bluez: Pair: %w", err)
	}
	return nil
}

// CancelDiscovery stops discovery on the adapter. Not discovering is not an error.
func (t *Transport) CancelDiscovery() error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	err = bus.Object(bluezService, t.adapterPath()).Call(adapterIface+".StopDiscovery", 0).Err
	if err != nil && errorName(err) != "org.bluez.Error.Failed" {
		return fmt.Errorf("bluez: StopDiscovery: %w", err)
	}
	return nil
}

// Close releases the client profile and the bus connection. It is safe for
// concurrent and redundant calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	var err error
	for i := len(cleanup) - 1; i >= 0; i-- {
		err = multierr.Append(err, cleanup[i]())
	}
	return err
}
