// Package rfcomm implements connmgr.Transport directly on AF_BLUETOOTH
// RFCOMM sockets, bypassing BlueZ's profile manager. Both sides must agree
// on a fixed channel.
package rfcomm

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatAddr renders a kernel bdaddr (little-endian) as "AA:BB:CC:DD:EE:FF".
func FormatAddr(a [6]uint8) string {
	var b strings.Builder
	for i := 5; i >= 0; i-- {
		fmt.Fprintf(&b, "%02X", a[i])
		if i > 0 {
			b.WriteByte(':')
		}
	}
	return b.String()
}

// ParseAddr parses "AA:BB:CC:DD:EE:FF" into a kernel bdaddr.
func ParseAddr(s string) ([6]uint8, error) {
	var a [6]uint8
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("rfcomm: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("rfcomm: invalid address %q", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("rfcomm: invalid address %q: %w", s, err)
		}
		a[5-i] = uint8(v)
	}
	return a, nil
}
