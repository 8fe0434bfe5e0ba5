//go:build linux

package bluez

import (
	"context"
	"fmt"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-chat/internal/connmgr"
)

// DiscoveryEventKind distinguishes discovery events.
type DiscoveryEventKind int

const (
	DeviceFound DiscoveryEventKind = iota
	ScanComplete
)

// DiscoveryEvent is sent by Discover. Device is zero for ScanComplete.
type DiscoveryEvent struct {
	Kind   DiscoveryEventKind
	Device Device
}

// BondEvent reports a change of a device's Paired property.
type BondEvent struct {
	Peer      connmgr.Peer
	Paired    bool
	WasPaired bool
}

// Discover starts discovery on the adapter and streams every known and
// newly found device until ctx is done, then sends ScanComplete and closes
// the channel. Discovery is stopped and the signal match removed on every
// exit path.
func (t *Transport) Discover(ctx context.Context) (<-chan DiscoveryEvent, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	unsubscribe := func() {
		bus.RemoveSignal(sigCh)
		_ = bus.RemoveMatchSignal(match...)
	}

	adapter := bus.Object(bluezService, t.adapterPath())
	if call := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		unsubscribe()
		return nil, fmt.Errorf("bluez: StartDiscovery: %w", call.Err)
	}
	known, err := managedDevices(ctx, bus)
	if err != nil {
		_ = adapter.Call(adapterIface+".StopDiscovery", 0).Err
		unsubscribe()
		return nil, err
	}

	out := make(chan DiscoveryEvent, 16)
	go func() {
		defer close(out)
		defer unsubscribe()
		defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()

		seen := make(map[string]bool)
		emit := func(dev Device) bool {
			if seen[dev.Path] {
				return true
			}
			seen[dev.Path] = true
			select {
			case out <- DiscoveryEvent{Kind: DeviceFound, Device: dev}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, dev := range known {
			if !emit(dev) {
				break
			}
		}
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case sig := <-sigCh:
				if sig == nil || len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				if dev, ok := deviceFromIfaces(path, ifaces); ok && !emit(dev) {
					break loop
				}
			}
		}
		if !sendScanComplete(out, scanCompleteGrace) {
			t.log.Debug("scan complete not delivered: consumer not reading")
		}
	}()
	return out, nil
}

// scanCompleteGrace bounds how long Discover waits for a slow consumer to
// make room for ScanComplete.
const scanCompleteGrace = 2 * time.Second

func sendScanComplete(out chan<- DiscoveryEvent, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case out <- DiscoveryEvent{Kind: ScanComplete}:
		return true
	case <-timer.C:
		return false
	}
}

// PairedDevices lists the bonded devices known to BlueZ.
func (t *Transport) PairedDevices(ctx context.Context) ([]Device, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	devs, err := managedDevices(ctx, bus)
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, d := range devs {
		if d.Paired {
			out = append(out, d)
		}
	}
	return out, nil
}

// Pair bonds with peer. Pairing an already paired device succeeds. A
// pre-registered BlueZ agent (external to this package) answers prompts.
func (t *Transport) Pair(ctx context.Context, peer connmgr.Peer) error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	path, err := devicePath(t.opts.Adapter, peer)
	if err != nil {
		return err
	}
	err = bus.Object(bluezService, path).CallWithContext(ctx, deviceIface+".Pair", 0).Err
	if err != nil && errorName(err) != "org.bluez.Error.AlreadyExists" {
		return fmt.Errorf("bluez: Pair: %w", err)
	}
	return nil
}

// WatchBonding reports changes of peer's Paired property until ctx is done.
func (t *Transport) WatchBonding(ctx context.Context, peer connmgr.Peer) (<-chan BondEvent, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	path, err := devicePath(t.opts.Adapter, peer)
	if err != nil {
		return nil, err
	}
	var was bool
	if v, err := bus.Object(bluezService, path).GetProperty(deviceIface + ".Paired"); err == nil {
		was, _ = v.Value().(bool)
	}
	changes, err := t.watchProperty(ctx, bus, path, deviceIface, "Paired")
	if err != nil {
		return nil, err
	}
	out := make(chan BondEvent)
	go func() {
		defer close(out)
		for v := range changes {
			now, _ := v.Value().(bool)
			ev := BondEvent{Peer: connmgr.Peer(macFromPath(path)), Paired: now, WasPaired: was}
			was = now
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SetDiscoverable makes the adapter visible for timeout (0 means until
// turned off).
func (t *Transport) SetDiscoverable(ctx context.Context, timeout time.Duration) error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	adapter := bus.Object(bluezService, t.adapterPath())
	secs := discoverableSeconds(timeout)
	if err := setProperty(ctx, adapter, adapterIface, "DiscoverableTimeout", secs); err != nil {
		return err
	}
	return setProperty(ctx, adapter, adapterIface, "Discoverable", true)
}

// HideDevice turns visibility off.
func (t *Transport) HideDevice(ctx context.Context) error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	return setProperty(ctx, bus.Object(bluezService, t.adapterPath()), adapterIface, "Discoverable", false)
}

// Powered reports whether the adapter is on.
func (t *Transport) Powered(ctx context.Context) (bool, error) {
	bus, err := t.conn()
	if err != nil {
		return false, err
	}
	var v dbus.Variant
	call := bus.Object(bluezService, t.adapterPath()).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered")
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("bluez: read Powered: %w", err)
	}
	on, _ := v.Value().(bool)
	return on, nil
}

// WatchPower reports adapter on/off changes until ctx is done.
func (t *Transport) WatchPower(ctx context.Context) (<-chan bool, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	changes, err := t.watchProperty(ctx, bus, t.adapterPath(), adapterIface, "Powered")
	if err != nil {
		return nil, err
	}
	out := make(chan bool)
	go func() {
		defer close(out)
		for v := range changes {
			on, _ := v.Value().(bool)
			select {
			case out <- on:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// watchProperty streams new values of iface.key on path until ctx is done.
// The returned channel is closed after the subscription is removed.
func (t *Transport) watchProperty(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath, iface, key string) (<-chan dbus.Variant, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := bus.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)

	out := make(chan dbus.Variant)
	go func() {
		defer close(out)
		defer func() {
			bus.RemoveSignal(sigCh)
			_ = bus.RemoveMatchSignal(match...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				v, ok := changedProperty(sig, path, iface, key)
				if !ok {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// changedProperty extracts key from a PropertiesChanged signal for iface on path.
func changedProperty(sig *dbus.Signal, path dbus.ObjectPath, iface, key string) (dbus.Variant, bool) {
	if sig == nil || sig.Path != path || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return dbus.Variant{}, false
	}
	if name, _ := sig.Body[0].(string); name != iface {
		return dbus.Variant{}, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed[key]
	return v, ok
}

func setProperty(ctx context.Context, obj dbus.BusObject, iface, key string, value interface{}) error {
	call := obj.CallWithContext(ctx, propsIface+".Set", 0, iface, key, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("bluez: set %s: %w", key, call.Err)
	}
	return nil
}

func managedDevices(ctx context.Context, bus *dbus.Conn) ([]Device, error) {
	obj := bus.Object(bluezService, "/")
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	var out []Device
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out = append(out, dev)
		}
	}
	return out, nil
}
