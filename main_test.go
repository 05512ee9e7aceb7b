package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikicat/iwd-harness/internal/cli"
	"github.com/nikicat/iwd-harness/internal/iwd"
	"github.com/nikicat/iwd-harness/internal/testutil"
)

func TestSetFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse([]string{"-bus", "unix:path=/tmp/x", "-json"}); err != nil {
		t.Fatal(err)
	}
	set := setFlags(fs)
	if !set["bus"] || !set["json"] {
		t.Errorf("set = %v, want bus and json", set)
	}
	if set["log-level"] {
		t.Error("log-level reported as set")
	}
	if *common.bus != "unix:path=/tmp/x" {
		t.Errorf("bus = %q", *common.bus)
	}
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadConfigDefaultMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.BusAddress != "" || cfg.StorageDir != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestResolveFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `bus_address: unix:path=/run/test.sock
storage_dir: /var/lib/iwd-test
log_level: debug
startup_timeout: 3s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse([]string{"-config", path, "-log-level", "warn"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := common.resolve(fs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if cfg.BusAddress != "unix:path=/run/test.sock" {
		t.Errorf("BusAddress = %q", cfg.BusAddress)
	}
	if cfg.StorageDir != "/var/lib/iwd-test" {
		t.Errorf("StorageDir = %q, flag default must not override config", cfg.StorageDir)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want flag value", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want default", cfg.LogFormat)
	}

	opts := harnessOptions(cfg)
	if opts.StartupTimeout != 3*time.Second {
		t.Errorf("StartupTimeout = %v", opts.StartupTimeout)
	}
	if opts.Daemon.Binary != "iwd" {
		t.Errorf("Daemon.Binary = %q", opts.Daemon.Binary)
	}
}

func TestResolveRejectsBadFormat(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse([]string{"-log-format", "xml"}); err != nil {
		t.Fatal(err)
	}
	if _, err := common.resolve(fs); err == nil {
		t.Error("expected validation error")
	}
}

func TestClearStorage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ssid.psk"), []byte("[Security]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := clearStorage(cli.NewFormatter(&buf, false), dir); err != nil {
		t.Fatalf("clearStorage: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ssid.psk")); !os.IsNotExist(err) {
		t.Errorf("profile still present: %v", err)
	}
	if got := buf.String(); got != dir+": cleared\n" {
		t.Errorf("output = %q", got)
	}
}

// newTestCommand opens a harness on a private bus with a mock daemon that
// has one device and one open network.
func newTestCommand(t *testing.T, asJSON bool) (*command, *bytes.Buffer, *testutil.MockIWD) {
	t.Helper()

	addr := testutil.StartDBusDaemon(t)
	mock := testutil.StartMockIWD(t, addr)
	dir := t.TempDir()
	mock.SetStorageDir(dir)
	dev := mock.AddDevice(testutil.DeviceSpec{Name: "wlan0"})
	mock.AddNetwork(dev, testutil.NetworkSpec{Name: "ssidOpen", Signal: -4000})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	h, err := iwd.Open(ctx, iwd.Options{
		Address:        addr,
		StartupTimeout: 5 * time.Second,
		StorageDir:     dir,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	var buf bytes.Buffer
	return &command{
		h:       h,
		out:     cli.NewFormatter(&buf, asJSON),
		timeout: 5 * time.Second,
	}, &buf, mock
}

func runCommand(t *testing.T, c *command, name string, args ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.run(ctx, name, args)
}

func TestCommandConnectAndKnown(t *testing.T) {
	c, buf, _ := newTestCommand(t, false)

	if err := runCommand(t, c, "networks", "wlan0"); err != nil {
		t.Fatalf("networks: %v", err)
	}
	if !strings.Contains(buf.String(), "ssidOpen") {
		t.Errorf("networks output missing ssidOpen:\n%s", buf.String())
	}

	buf.Reset()
	if err := runCommand(t, c, "connect", "wlan0", "ssidOpen"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := buf.String(); got != "ssidOpen: connected\n" {
		t.Errorf("connect output = %q", got)
	}

	buf.Reset()
	if err := runCommand(t, c, "wait-state", "wlan0", "connected"); err != nil {
		t.Fatalf("wait-state: %v", err)
	}

	buf.Reset()
	if err := runCommand(t, c, "known"); err != nil {
		t.Fatalf("known: %v", err)
	}
	if !strings.Contains(buf.String(), "ssidOpen") {
		t.Errorf("known output missing ssidOpen:\n%s", buf.String())
	}

	buf.Reset()
	if err := runCommand(t, c, "disconnect", "wlan0"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	buf.Reset()
	if err := runCommand(t, c, "forget", "ssidOpen"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if got := buf.String(); got != "ssidOpen: forgotten\n" {
		t.Errorf("forget output = %q", got)
	}
}

func TestCommandForgetUnknown(t *testing.T) {
	c, _, _ := newTestCommand(t, false)
	err := runCommand(t, c, "forget", "nope")
	if !errors.Is(err, iwd.ErrNetworkNotFound) {
		t.Errorf("forget = %v, want ErrNetworkNotFound", err)
	}
	if err := runCommand(t, c, "forget", "/net/connman/iwd/0/1"); err == nil || errors.Is(err, iwd.ErrNetworkNotFound) {
		t.Errorf("forget device path = %v, want parse error", err)
	}
}

func TestCommandForgetByPath(t *testing.T) {
	c, buf, mock := newTestCommand(t, false)
	path := mock.AddKnownNetwork(testutil.KnownNetworkSpec{Name: "ssidStored", Type: "psk"})

	if err := runCommand(t, c, "forget", string(path)); err != nil {
		t.Fatalf("forget %s: %v", path, err)
	}
	if got := buf.String(); got != "ssidStored: forgotten\n" {
		t.Errorf("forget output = %q", got)
	}
	if err := runCommand(t, c, "forget", string(path)); !errors.Is(err, iwd.ErrNetworkNotFound) {
		t.Errorf("second forget = %v, want ErrNetworkNotFound", err)
	}
}

func TestCommandUnknownDeviceAndState(t *testing.T) {
	c, _, _ := newTestCommand(t, false)
	if err := runCommand(t, c, "networks", "wlan9"); err == nil || !strings.Contains(err.Error(), "wlan9") {
		t.Errorf("networks wlan9 = %v", err)
	}
	if err := runCommand(t, c, "wait-state", "wlan0", "sleeping"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestCommandDevicesJSON(t *testing.T) {
	c, buf, _ := newTestCommand(t, true)
	if _, err := c.h.ListDevices(context.Background(), 1, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := runCommand(t, c, "devices"); err != nil {
		t.Fatalf("devices: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"name":"wlan0"`) || !strings.Contains(out, `"mode":"station"`) {
		t.Errorf("devices output = %s", out)
	}
}

func TestCommandDump(t *testing.T) {
	c, buf, _ := newTestCommand(t, false)
	if err := runCommand(t, c, "dump"); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"net.connman.iwd.Device", "net.connman.iwd.Network", `"ssidOpen"`} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %s:\n%s", want, out)
		}
	}
}

func TestCommandWatch(t *testing.T) {
	c, buf, mock := newTestCommand(t, false)
	if _, err := c.h.ListDevices(context.Background(), 1, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	events, unsubscribe := c.h.Registry().Subscribe()
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.printEvents(ctx, events) }()

	path := mock.AddDevice(testutil.DeviceSpec{Name: "wlan1"})
	testutil.Eventually(t, 5*time.Second, func() bool {
		return c.h.Registry().Len() == 2
	}, "second device")
	mock.RemoveDevice(path)
	testutil.Eventually(t, 5*time.Second, func() bool {
		return c.h.Registry().Len() == 1
	}, "second device removed")

	// Events are published before the registry settles; give the printer
	// a moment to drain them.
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "added") || !strings.Contains(out, "removed") || !strings.Contains(out, string(path)) {
		t.Errorf("watch output = %q", out)
	}
}
