// iwd-harness drives a running iwd daemon over D-Bus: listing devices and
// networks, connecting and waiting for state changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/agent"
	"github.com/nikicat/iwd-harness/internal/cli"
	"github.com/nikicat/iwd-harness/internal/config"
	"github.com/nikicat/iwd-harness/internal/daemon"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/iwd"
	"github.com/nikicat/iwd-harness/internal/logging"
	"github.com/nikicat/iwd-harness/internal/storage"
)

const defaultTimeout = 10 * time.Second

var progName = filepath.Base(os.Args[0])

// commands maps each harness subcommand to its positional argument count
// and usage line.
var commands = map[string]struct {
	args  int
	usage string
}{
	"devices":    {0, "devices"},
	"networks":   {1, "networks [-scan] <device>"},
	"connect":    {2, "connect [-passphrase <psk>] <device> <ssid>"},
	"disconnect": {1, "disconnect <device>"},
	"known":      {0, "known"},
	"forget":     {1, "forget <ssid|path>"},
	"wait-state": {2, "wait-state <device> <state>"},
	"watch":      {0, "watch"},
	"dump":       {0, "dump"},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "clear-storage":
		runClearStorage(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		if _, ok := commands[cmd]; !ok {
			fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
			printUsage()
			os.Exit(1)
		}
		runCLI(cmd, os.Args[2:])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  devices         List wireless devices
  networks        List networks seen by a device
  connect         Connect a device to a network
  disconnect      Disconnect a device
  known           List stored network profiles
  forget          Forget a stored network profile by SSID or path
  wait-state      Wait until a device reaches a connection state
  watch           Print devices as they appear and disappear
  dump            Print the daemon's object tree as JSON
  clear-storage   Remove every stored profile

Run '%s <command> -h' for command options.
`, progName, progName)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath  *string
	bus         *string
	storageDir  *string
	startDaemon *bool
	logLevel    *string
	logFormat   *string
	timeout     *time.Duration
	jsonOutput  *bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath:  fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/iwd-harness/config.yaml)"),
		bus:         fs.String("bus", "", "D-Bus address (default: system bus)"),
		storageDir:  fs.String("storage-dir", config.DefaultStorageDir, "iwd storage directory"),
		startDaemon: fs.Bool("start-daemon", false, "Launch iwd instead of attaching to a running daemon"),
		logLevel:    fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error"),
		logFormat:   fs.String("log-format", config.DefaultLogFormat, "Log format: text (colored) or json"),
		timeout:     fs.Duration("timeout", defaultTimeout, "Bound for waiting on devices and state changes"),
		jsonOutput:  fs.Bool("json", false, "Output as JSON"),
	}
}

// resolve loads the config file and overrides it with explicitly set flags.
func (c *commonFlags) resolve(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := loadConfig(*c.configPath)
	if err != nil {
		return nil, err
	}
	set := setFlags(fs)
	if set["bus"] {
		cfg.BusAddress = *c.bus
	}
	if set["storage-dir"] {
		cfg.StorageDir = *c.storageDir
	}
	if set["start-daemon"] {
		cfg.Daemon.Start = *c.startDaemon
	}
	if set["log-level"] {
		cfg.LogLevel = *c.logLevel
	}
	if set["log-format"] {
		cfg.LogFormat = *c.logFormat
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	common := addCommonFlags(fs)
	scan := fs.Bool("scan", false, "Scan first when no networks are known (networks)")
	passphrase := fs.String("passphrase", "", "Passphrase handed out by a temporary agent (connect)")
	fs.Parse(args)

	spec := commands[cmd]
	if fs.NArg() < spec.args {
		fmt.Fprintf(os.Stderr, "usage: %s %s\n", progName, spec.usage)
		os.Exit(1)
	}

	cfg, err := common.resolve(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals so that watch and waits end cleanly
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Debug("received signal, shutting down", "signal", sig)
		cancel()
	}()

	h, err := iwd.Open(ctx, harnessOptions(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c := &command{
		h:          h,
		out:        cli.NewFormatter(os.Stdout, *common.jsonOutput),
		timeout:    *common.timeout,
		scan:       *scan,
		passphrase: *passphrase,
	}
	err = c.run(ctx, cmd, fs.Args())
	if cerr := h.Close(); cerr != nil {
		slog.Warn("closing harness", "error", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runClearStorage(args []string) {
	fs := flag.NewFlagSet("clear-storage", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	cfg, err := common.resolve(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := clearStorage(cli.NewFormatter(os.Stdout, *common.jsonOutput), cfg.StorageDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func clearStorage(out *cli.Formatter, dir string) error {
	if err := storage.New(dir).Clear(); err != nil {
		return err
	}
	return out.FormatAction("cleared", dir)
}

// harnessOptions maps the resolved config onto harness options.
func harnessOptions(cfg *config.Config) iwd.Options {
	return iwd.Options{
		Address:     cfg.BusAddress,
		StartDaemon: cfg.Daemon.Start,
		Daemon: daemon.Config{
			Binary:    cfg.Daemon.Binary,
			Args:      cfg.Daemon.Args,
			ConfigDir: cfg.Daemon.ConfigDir,
			Stdout:    os.Stderr,
			Stderr:    os.Stderr,
		},
		StartupTimeout:   time.Duration(cfg.StartupTimeout),
		ConditionTimeout: time.Duration(cfg.ConditionTimeout),
		StorageDir:       cfg.StorageDir,
		ReleaseFromNM:    cfg.ReleaseFromNetworkManager,
		Logger:           logging.New(nil, "harness"),
	}
}

// command runs one subcommand against an open harness.
type command struct {
	h          *iwd.Harness
	out        *cli.Formatter
	timeout    time.Duration
	scan       bool
	passphrase string
}

func (c *command) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "devices":
		return c.devices(ctx)
	case "networks":
		return c.networks(ctx, args[0])
	case "connect":
		return c.connect(ctx, args[0], args[1])
	case "disconnect":
		return c.disconnect(ctx, args[0])
	case "known":
		return c.known(ctx)
	case "forget":
		return c.forget(ctx, args[0])
	case "wait-state":
		return c.waitState(ctx, args[0], args[1])
	case "watch":
		return c.watch(ctx)
	case "dump":
		return c.dump(ctx)
	}
	return fmt.Errorf("unknown command: %s", name)
}

// device finds a device by interface name or object path, waiting for the
// first device to show up.
func (c *command) device(ctx context.Context, name string) (*iwd.Device, error) {
	devices, err := c.h.ListDevices(ctx, 1, c.timeout)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name() == name || string(d.Path()) == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", name)
}

func (c *command) devices(ctx context.Context) error {
	devices := c.h.Registry().Devices()
	views := make([]cli.DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, cli.NewDeviceView(ctx, d))
	}
	return c.out.FormatDevices(views)
}

func (c *command) networks(ctx context.Context, name string) error {
	d, err := c.device(ctx, name)
	if err != nil {
		return err
	}
	networks, err := d.GetOrderedNetworks(ctx, c.scan)
	if err != nil {
		return err
	}
	views := make([]cli.NetworkView, 0, len(networks))
	for _, n := range networks {
		views = append(views, cli.NewNetworkView(n))
		n.Close()
	}
	return c.out.FormatNetworks(views)
}

func (c *command) connect(ctx context.Context, name, ssid string) error {
	d, err := c.device(ctx, name)
	if err != nil {
		return err
	}
	if c.passphrase != "" {
		a := agent.NewPSKAgent([]string{c.passphrase}, nil)
		if err := c.h.RegisterPSKAgent(ctx, a); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		defer c.h.UnregisterPSKAgent(context.WithoutCancel(ctx), a) //nolint:errcheck
	}

	n, err := d.GetOrderedNetwork(ctx, ssid, true)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.Network.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", ssid, err)
	}
	if err := c.h.WaitForObjectCondition(ctx, d.StateIs(iwd.StateConnected), c.timeout); err != nil {
		return err
	}
	return c.out.FormatAction("connected", ssid)
}

func (c *command) disconnect(ctx context.Context, name string) error {
	d, err := c.device(ctx, name)
	if err != nil {
		return err
	}
	if err := d.Disconnect(ctx); err != nil {
		return err
	}
	if err := c.h.WaitForObjectCondition(ctx, d.StateIs(iwd.StateDisconnected), c.timeout); err != nil {
		return err
	}
	return c.out.FormatAction("disconnected", d.Name())
}

func (c *command) known(ctx context.Context) error {
	known, err := c.h.ListKnownNetworks(ctx)
	if err != nil {
		return err
	}
	views := make([]cli.KnownView, 0, len(known))
	for _, k := range known {
		views = append(views, cli.NewKnownView(k))
		k.Close()
	}
	return c.out.FormatKnown(views)
}

// forget removes a known network given by SSID or object path.
func (c *command) forget(ctx context.Context, target string) error {
	name := target
	if strings.HasPrefix(target, "/") {
		n, _, ok := dbustypes.ParseNetworkPath(dbus.ObjectPath(target))
		if !ok {
			return fmt.Errorf("%s is not a network path", target)
		}
		name = n
	}

	known, err := c.h.ListKnownNetworks(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, k := range known {
			k.Close()
		}
	}()

	for _, k := range known {
		if k.Name() != name || (target != name && string(k.Path()) != target) {
			continue
		}
		if err := k.Forget(ctx); err != nil {
			return err
		}
		return c.out.FormatAction("forgotten", name)
	}
	return fmt.Errorf("known network %q: %w", target, iwd.ErrNetworkNotFound)
}

func (c *command) waitState(ctx context.Context, name, state string) error {
	want, ok := iwd.ParseDeviceState(state)
	if !ok {
		return fmt.Errorf("unknown state %q", state)
	}
	d, err := c.device(ctx, name)
	if err != nil {
		return err
	}
	if err := c.h.WaitForObjectCondition(ctx, d.StateIs(want), c.timeout); err != nil {
		return err
	}
	return c.out.FormatAction(want.String(), d.Name())
}

// watch prints registry events until ctx is done.
func (c *command) watch(ctx context.Context) error {
	events, unsubscribe := c.h.Registry().Subscribe()
	defer unsubscribe()
	return c.printEvents(ctx, events)
}

func (c *command) printEvents(ctx context.Context, events <-chan iwd.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.out.FormatEvent(cli.NewEventView(ev)); err != nil {
				return err
			}
		}
	}
}

func (c *command) dump(ctx context.Context) error {
	objects, err := iwd.GetManagedObjects(ctx, c.h.Conn())
	if err != nil {
		return err
	}
	return c.out.FormatDump(cli.NewDumpView(objects))
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
