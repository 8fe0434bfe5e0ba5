//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"bluetooth-chat/internal/connmgr"
)

// RFCOMM link mode socket option (linux/include/net/bluetooth/rfcomm.h).
const (
	rfcommLM        = 0x03
	rfcommLMAuth    = 0x0002
	rfcommLMEncrypt = 0x0004
	rfcommLMSecure  = 0x0020
)

// Options configures a Transport.
type Options struct {
	// Channel is the RFCOMM channel to listen on and connect to (1-30).
	Channel uint8
	// CancelDiscovery, if set, is called before every connect. Raw sockets
	// cannot see discovery themselves; plug in the adapter's canceller.
	CancelDiscovery func() error
	Logger          *slog.Logger
}

// Transport is a connmgr.Transport on raw RFCOMM sockets.
type Transport struct {
	opts Options
	log  *slog.Logger
}

var _ connmgr.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{opts: opts, log: log.With("component", "rfcomm", "channel", opts.Channel)}
}

// linkMode returns the RFCOMM_LM flags for mode.
func linkMode(mode connmgr.SecurityMode) int {
	if mode == connmgr.Secure {
		return rfcommLMAuth | rfcommLMEncrypt | rfcommLMSecure
	}
	return 0
}

// openSocket creates a non-blocking RFCOMM socket wrapped in a pollable file.
func openSocket(mode connmgr.SecurityMode, name string) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: socket: %w", err)
	}
	if lm := linkMode(mode); lm != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_RFCOMM, rfcommLM, lm); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("rfcomm: set link mode: %w", err)
		}
	}
	return os.NewFile(uintptr(fd), name), nil
}

func (t *Transport) Listen(mode connmgr.SecurityMode) (connmgr.Endpoint, error) {
	f, err := openSocket(mode, "rfcomm-listen")
	if err != nil {
		return nil, err
	}
	raw, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rfcomm: %w", err)
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if serr = unix.Bind(int(fd), &unix.SockaddrRFCOMM{Channel: t.opts.Channel}); serr != nil {
			serr = fmt.Errorf("rfcomm: bind channel %d: %w", t.opts.Channel, serr)
			return
		}
		if serr = unix.Listen(int(fd), 1); serr != nil {
			serr = fmt.Errorf("rfcomm: listen: %w", serr)
		}
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	t.log.Debug("listening", "mode", mode.String())
	return &endpoint{f: f, raw: raw}, nil
}

type endpoint struct {
	f    *os.File
	raw  syscall.RawConn
	once sync.Once
}

func (e *endpoint) Accept() (connmgr.Socket, error) {
	var (
		nfd  int
		sa   unix.Sockaddr
		aerr error
	)
	err := e.raw.Read(func(fd uintptr) bool {
		nfd, sa, aerr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(aerr, unix.EAGAIN)
	})
	if err != nil {
		return nil, fmt.Errorf("rfcomm: accept: %w", err)
	}
	if aerr != nil {
		return nil, fmt.Errorf("rfcomm: accept: %w", aerr)
	}
	var peer connmgr.Peer
	if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
		peer = connmgr.Peer(FormatAddr(rc.Addr))
	}
	return &socket{f: os.NewFile(uintptr(nfd), "rfcomm:"+string(peer)), peer: peer}, nil
}

func (e *endpoint) Close() (err error) {
	e.once.Do(func() { err = e.f.Close() })
	return err
}

// Connect dials peer on the configured channel. Cancelling ctx closes the
// half-open socket, which unblocks the wait.
func (t *Transport) Connect(ctx context.Context, peer connmgr.Peer, mode connmgr.SecurityMode) (connmgr.Socket, error) {
	addr, err := ParseAddr(string(peer))
	if err != nil {
		return nil, err
	}
	f, err := openSocket(mode, "rfcomm:"+string(peer))
	if err != nil {
		return nil, err
	}
	raw, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rfcomm: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	var cerr error
	err = raw.Control(func(fd uintptr) {
		cerr = unix.Connect(int(fd), &unix.SockaddrRFCOMM{Addr: addr, Channel: t.opts.Channel})
	})
	if err == nil && errors.Is(cerr, unix.EINPROGRESS) {
		cerr = nil
		first := true
		err = raw.Write(func(fd uintptr) bool {
			// The first call happens before any wait.
			if first {
				first = false
				return false
			}
			soerr, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				cerr = gerr
				return true
			}
			if soerr != 0 {
				cerr = unix.Errno(soerr)
				return true
			}
			if _, perr := unix.Getpeername(int(fd)); errors.Is(perr, unix.ENOTCONN) {
				return false
			}
			return true
		})
	}
	if !stop() {
		_ = f.Close()
		return nil, fmt.Errorf("rfcomm: connect canceled: %w", ctx.Err())
	}
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rfcomm: connect %s channel %d: %w", peer, t.opts.Channel, err)
	}
	return &socket{f: f, peer: peer}, nil
}

func (t *Transport) CancelDiscovery() error {
	if t.opts.CancelDiscovery == nil {
		return nil
	}
	return t.opts.CancelDiscovery()
}

type socket struct {
	f    *os.File
	peer connmgr.Peer
	once sync.Once
}

func (s *socket) Peer() connmgr.Peer { return s.peer }

func (s *socket) Streams() (io.Reader, io.Writer, error) {
	return s.f, s.f, nil
}

func (s *socket) Close() (err error) {
	s.once.Do(func() { err = s.f.Close() })
	return err
}
