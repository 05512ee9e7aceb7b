// mock-iwd runs the in-process mock iwd on a bus for manual testing.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/daemon"
	"github.com/nikicat/iwd-harness/internal/logging"
	"github.com/nikicat/iwd-harness/internal/testutil"
)

func main() {
	var (
		busAddr   = flag.String("bus", "", "D-Bus address (default: session bus)")
		scenario  = flag.String("scenario", "", "YAML scenario with devices, networks and known networks")
		devices   = flag.Int("devices", 1, "Number of devices when no scenario is given")
		logLevel  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat = flag.String("log-format", "text", "Log format (text, json)")
	)
	flag.Parse()

	logging.Setup(logging.ParseLevel(*logLevel), *logFormat)

	var conn *dbus.Conn
	var err error
	if *busAddr == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(*busAddr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	mock := testutil.NewMockIWD()
	if err := mock.Register(conn); err != nil {
		fmt.Fprintf(os.Stderr, "error: register mock iwd: %v\n", err)
		os.Exit(1)
	}
	defer mock.Close()

	if *scenario != "" {
		s, err := testutil.LoadScenario(*scenario)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		paths := mock.Apply(s)
		slog.Info("scenario loaded", "path", *scenario, "devices", len(paths))
	} else {
		for range *devices {
			path := mock.AddDevice(testutil.DeviceSpec{})
			mock.AddNetwork(path, testutil.NetworkSpec{Name: "ssidOpen", Signal: -5000})
		}
	}

	if ok, err := daemon.SdNotify("READY=1"); err != nil {
		slog.Warn("sd_notify failed", "error", err)
	} else if ok {
		slog.Debug("notified service manager")
	}
	slog.Info("mock iwd running", "name", conn.Names()[0])

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
}
