//go:build linux

package bluez

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/rfcomm"
)

// socket owns an RFCOMM FD delivered by Profile1.NewConnection.
type socket struct {
	fd   int
	path dbus.ObjectPath
	peer connmgr.Peer

	mu     sync.Mutex
	file   *os.File
	closed bool
}

func newSocket(fd int, dev dbus.ObjectPath) *socket {
	mac := macFromPath(dev)
	if mac == "" {
		if sa, err := unix.Getpeername(fd); err == nil {
			if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
				mac = rfcomm.FormatAddr(rc.Addr)
			}
		}
	}
	return &socket{fd: fd, path: dev, peer: connmgr.Peer(mac)}
}

func (s *socket) Peer() connmgr.Peer { return s.peer }

// Streams turns the FD into a pollable file so that Close unblocks a
// pending Read.
func (s *socket) Streams() (io.Reader, io.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errors.New("bluez: socket closed")
	}
	if s.file == nil {
		if err := unix.SetNonblock(s.fd, true); err != nil {
			return nil, nil, fmt.Errorf("bluez: set nonblock: %w", err)
		}
		s.file = os.NewFile(uintptr(s.fd), "rfcomm:"+string(s.peer))
	}
	return s.file, s.file, nil
}

func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return unix.Close(s.fd)
}
