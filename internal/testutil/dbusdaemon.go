package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// StartDBusDaemon starts a private dbus-daemon on a socket in a temporary
// directory and returns its address. The daemon is killed on test cleanup.
// The test is skipped when dbus-daemon is not installed.
func StartDBusDaemon(t testing.TB) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not available")
	}

	socketPath := filepath.Join(t.TempDir(), "bus.sock")
	addr := "unix:path=" + socketPath

	cmd := exec.Command("dbus-daemon",
		"--session",
		"--nofork",
		"--address="+addr,
	)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	// The socket appears before the daemon accepts clients; wait until a
	// full connect and Hello succeed.
	var err error
	for range 50 {
		var conn *dbus.Conn
		if conn, err = dbus.Connect(addr); err == nil {
			conn.Close()
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("dbus-daemon at %s not accepting connections: %v", socketPath, err)
	return ""
}

// Connect opens a connection to addr and closes it on test cleanup.
func Connect(t testing.TB, addr string) *dbus.Conn {
	t.Helper()

	conn, err := dbus.Connect(addr, dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
	if err != nil {
		t.Fatalf("connect to %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Eventually polls cond every 10ms until it returns true or the timeout
// elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
