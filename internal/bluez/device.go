// Package bluez implements connmgr.Transport on top of the BlueZ D-Bus API.
//
// Listening registers an RFCOMM Profile1 in the server role; dialing
// registers a client-role profile once and asks the device to
// ConnectProfile. Either way the connected socket arrives as a Unix FD
// through Profile1.NewConnection.
//
// The package also wraps the adapter-side collaborators (discovery,
// pairing, visibility and power state) as scoped subscriptions: each watch
// returns a channel that is closed, with its D-Bus match rules removed,
// when the caller's context ends.
package bluez

import (
	"errors"
	"math"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-chat/internal/connmgr"
)

const (
	// SPPUUID is the Serial Port Profile UUID.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// discoverableSeconds converts a visibility timeout to the adapter's
// DiscoverableTimeout property, clamped to its uint32 range.
func discoverableSeconds(d time.Duration) uint32 {
	secs := d / time.Second
	switch {
	case secs <= 0:
		return 0
	case secs > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(secs)
}

// Device is what discovery and the paired-device listing report.
//
// Path is always set (BlueZ Device1 object path). The other fields may be
// empty depending on what the remote advertised.
type Device struct {
	Path   string
	MAC    string
	Name   string
	Alias  string
	Paired bool
	UUIDs  []string
}

// Peer returns the address to pass to connmgr.Mgr.Dial.
func (d Device) Peer() connmgr.Peer { return connmgr.Peer(d.MAC) }

// Offers reports whether the device advertises the given service UUID.
func (d Device) Offers(uuid string) bool { return containsUUID(d.UUIDs, uuid) }

// serverOptions builds the RegisterProfile options for a listening profile.
// Secure listening requires an authenticated (paired) link.
func serverOptions(name string, channel uint8, mode connmgr.SecurityMode) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(uint16(channel)),
		"RequireAuthentication": dbus.MakeVariant(mode == connmgr.Secure),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
}

func clientOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["UUIDs"]; ok {
		dev.UUIDs, _ = v.Value().([]string)
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	return dev, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// devicePath maps a peer to its Device1 object path under adapter. A peer
// that already is an object path is used as is.
func devicePath(adapter string, peer connmgr.Peer) (dbus.ObjectPath, error) {
	s := strings.TrimSpace(string(peer))
	if strings.HasPrefix(s, "/") {
		p := dbus.ObjectPath(s)
		if !p.IsValid() {
			return "", errors.New("bluez: invalid device path " + s)
		}
		return p, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return "", errors.New("bluez: invalid device address " + s)
	}
	for _, part := range parts {
		if len(part) != 2 {
			return "", errors.New("bluez: invalid device address " + s)
		}
	}
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ToUpper(strings.Join(parts, "_"))), nil
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}
