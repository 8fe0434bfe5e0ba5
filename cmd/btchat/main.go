//go:build linux

// Command btchat is a line-oriented Bluetooth chat over a single RFCOMM link.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile and raw RFCOMM sockets usually need root.
//
// Chat
//
//	sudo btchat --mode=listen                     wait for a peer, re-arm after it leaves
//	sudo btchat --mode=dial --peer=AA:BB:CC:DD:EE:FF
//
// Lines typed on stdin are sent to the peer; received bytes go to stdout.
//
// Adapter helpers
//
//	btchat --mode=scan --timeout=15s              list devices offering the service
//	btchat --mode=paired                          list bonded devices
//	btchat --mode=pair --peer=AA:BB:CC:DD:EE:FF   pair and report bond changes
//	btchat --mode=visible | --mode=hide           toggle discoverability
//	btchat --mode=power                           report and follow adapter power
//
// Configuration is read from --config or $BTCHAT_CONFIG; flags override it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"bluetooth-chat/internal/bluez"
	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/rfcomm"
)

var errQuit = errors.New("quit")

type options struct {
	configPath string
	mode       string
	peer       string
	insecure   bool
	timeout    time.Duration

	adapter    string
	backend    string
	channel    int
	listenMode string
	logLevel   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "btchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	fs := pflag.NewFlagSet("btchat", pflag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to YAML config (default $"+config.EnvVar+")")
	fs.StringVar(&o.mode, "mode", "listen", "listen|dial|scan|paired|pair|visible|hide|power")
	fs.StringVar(&o.peer, "peer", "", "peer address or device object path (dial, pair)")
	fs.BoolVar(&o.insecure, "insecure", false, "dial without authentication and encryption")
	fs.DurationVar(&o.timeout, "timeout", 15*time.Second, "scan duration")
	fs.StringVar(&o.adapter, "adapter", "", "HCI adapter name")
	fs.StringVar(&o.backend, "backend", "", "bluez|rfcomm")
	fs.IntVar(&o.channel, "channel", 0, "RFCOMM channel")
	fs.StringVar(&o.listenMode, "listen-mode", "", "secure|insecure")
	fs.StringVar(&o.logLevel, "log-level", "", "debug|info|warn|error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	applyFlags(fs, &o, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bz := bluez.New(bluez.Options{
		Adapter:     cfg.Adapter,
		ServiceName: cfg.ServiceName,
		UUID:        cfg.ServiceUUID,
		Channel:     uint8(cfg.Channel),
		Logger:      logger,
	})
	defer func() {
		if err := bz.Close(); err != nil {
			logger.Warn("close bluez", "err", err)
		}
	}()

	switch strings.ToLower(o.mode) {
	case "listen", "dial":
		return runChat(ctx, o, cfg, bz, logger)
	case "scan":
		return runScan(ctx, bz, cfg.ServiceUUID, o.timeout)
	case "paired":
		return runPaired(ctx, bz)
	case "pair":
		return runPair(ctx, bz, o.peer)
	case "visible":
		if err := bz.SetDiscoverable(ctx, cfg.DiscoverableTimeout); err != nil {
			return err
		}
		fmt.Printf("discoverable for %s\n", cfg.DiscoverableTimeout)
		return nil
	case "hide":
		return bz.HideDevice(ctx)
	case "power":
		return runPower(ctx, bz)
	}
	return fmt.Errorf("unknown mode %q", o.mode)
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(fs *pflag.FlagSet, o *options, cfg *config.Config) {
	if fs.Changed("adapter") {
		cfg.Adapter = o.adapter
	}
	if fs.Changed("backend") {
		cfg.Backend = config.Backend(o.backend)
	}
	if fs.Changed("channel") {
		cfg.Channel = o.channel
	}
	if fs.Changed("listen-mode") {
		cfg.ListenMode = o.listenMode
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
}

func newTransport(cfg *config.Config, bz *bluez.Transport, logger *slog.Logger) connmgr.Transport {
	if cfg.Backend == config.BackendRFCOMM {
		return rfcomm.New(rfcomm.Options{
			Channel:         uint8(cfg.Channel),
			CancelDiscovery: bz.CancelDiscovery,
			Logger:          logger,
		})
	}
	return bz
}

func runChat(ctx context.Context, o options, cfg *config.Config, bz *bluez.Transport, logger *slog.Logger) error {
	m := connmgr.New(newTransport(cfg, bz, logger),
		connmgr.WithLogger(logger),
		connmgr.WithListenMode(cfg.Mode()),
		connmgr.WithReadBuffer(cfg.ReadBuffer),
	)
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close", "err", err)
		}
	}()

	c := &chat{out: os.Stdout, dialing: o.mode == "dial", done: make(chan struct{})}
	if c.dialing {
		if o.peer == "" {
			return errors.New("--peer is required in dial mode")
		}
		mode := connmgr.Secure
		if o.insecure {
			mode = connmgr.Insecure
		}
		if err := m.Dial(connmgr.Peer(o.peer), mode, c); err != nil {
			return err
		}
	} else {
		if err := m.StartListening(c); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "* listening as %q (%s)\n", cfg.ServiceName, cfg.Mode())
	}

	// Reads from stdin cannot be interrupted, so the reader lives outside
	// the group and is abandoned on exit.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text() + "\n"
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if !m.Send([]byte(line)) {
					c.printf("* not connected (%s), dropped\n", m.State())
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-c.done:
			return errQuit
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// chat prints Mgr callbacks. A dialing session ends when the link fails or
// drops; a listening session re-arms.
type chat struct {
	mu      sync.Mutex
	out     io.Writer
	dialing bool
	done    chan struct{}
	once    sync.Once
}

func (c *chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *chat) finish() { c.once.Do(func() { close(c.done) }) }

func (c *chat) OnConnected(p connmgr.Peer) { c.printf("* connected to %s\n", p) }

func (c *chat) OnConnectFailed(p connmgr.Peer) {
	c.printf("* could not connect to %s\n", p)
	c.finish()
}

func (c *chat) OnConnectionLost() {
	c.printf("* connection lost\n")
	if c.dialing {
		c.finish()
	}
}

func (c *chat) OnDataReceived(n int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.out.Write(data[:n])
}

func (c *chat) OnSetupError(err error) {
	c.printf("* setup failed: %v\n", err)
	if c.dialing {
		c.finish()
	}
}

func runScan(ctx context.Context, bz *bluez.Transport, service string, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	events, err := bz.Discover(ctx)
	if err != nil {
		return err
	}
	seen := map[connmgr.Peer]bool{}
	for ev := range events {
		if ev.Kind == bluez.ScanComplete {
			fmt.Printf("scan complete, %d device(s)\n", len(seen))
			continue
		}
		dev := ev.Device
		if seen[dev.Peer()] {
			continue
		}
		seen[dev.Peer()] = true
		mark := " "
		if dev.Offers(service) {
			mark = "*"
		}
		fmt.Printf("%s %s  %-24s paired=%t\n", mark, dev.MAC, dev.Alias, dev.Paired)
	}
	return nil
}

func runPaired(ctx context.Context, bz *bluez.Transport) error {
	devs, err := bz.PairedDevices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no paired devices")
	}
	for _, d := range devs {
		fmt.Printf("%s  %s\n", d.MAC, d.Alias)
	}
	return nil
}

func runPair(ctx context.Context, bz *bluez.Transport, peer string) error {
	if peer == "" {
		return errors.New("--peer is required in pair mode")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	bonds, err := bz.WatchBonding(ctx, connmgr.Peer(peer))
	if err != nil {
		return err
	}
	go func() {
		for ev := range bonds {
			fmt.Printf("bond %s: %t -> %t\n", ev.Peer, ev.WasPaired, ev.Paired)
		}
	}()
	if err := bz.Pair(ctx, connmgr.Peer(peer)); err != nil {
		return err
	}
	fmt.Printf("paired with %s\n", peer)
	return nil
}

func runPower(ctx context.Context, bz *bluez.Transport) error {
	on, err := bz.Powered(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("powered: %t\n", on)
	changes, err := bz.WatchPower(ctx)
	if err != nil {
		return err
	}
	for on := range changes {
		fmt.Printf("powered: %t\n", on)
	}
	return nil
}
