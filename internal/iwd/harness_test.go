package iwd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikicat/iwd-harness/internal/agent"
	"github.com/nikicat/iwd-harness/internal/daemon"
	"github.com/nikicat/iwd-harness/internal/faults"
	"github.com/nikicat/iwd-harness/internal/testutil"
	"github.com/nikicat/iwd-harness/internal/wait"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openMock starts a private bus with a mock daemon and opens a harness
// on it. The mock persists profiles into the harness's storage dir.
func openMock(t *testing.T) (*Harness, *testutil.MockIWD) {
	t.Helper()

	addr := testutil.StartDBusDaemon(t)
	mock := testutil.StartMockIWD(t, addr)
	dir := t.TempDir()
	mock.SetStorageDir(dir)

	h, err := Open(testContext(t), Options{
		Address:          addr,
		StartupTimeout:   testTimeout,
		ConditionTimeout: testTimeout,
		StorageDir:       dir,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, mock
}

func TestOpenStartupTimeout(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)

	_, err := Open(testContext(t), Options{Address: addr, StartupTimeout: 300 * time.Millisecond})
	if !errors.Is(err, daemon.ErrStartupTimeout) {
		t.Fatalf("Open without daemon = %v, want ErrStartupTimeout", err)
	}
}

func TestListDevicesWaitsForDevice(t *testing.T) {
	h, mock := openMock(t)
	ctx := testContext(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		mock.AddDevice(testutil.DeviceSpec{Name: "wlan0"})
	}()
	devices, err := h.ListDevices(ctx, 1, testTimeout)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name() != "wlan0" {
		t.Fatalf("devices = %v", devices)
	}
}

func TestListDevicesTimeout(t *testing.T) {
	h, _ := openMock(t)

	_, err := h.ListDevices(testContext(t), 1, 200*time.Millisecond)
	var te *wait.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("ListDevices = %v, want *wait.TimeoutError", err)
	}
	if te.Bound != 200*time.Millisecond {
		t.Errorf("Bound = %v, want 200ms", te.Bound)
	}
}

func TestListKnownNetworks(t *testing.T) {
	h, mock := openMock(t)
	ctx := testContext(t)
	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.AddKnownNetwork(testutil.KnownNetworkSpec{Name: "ssidB", Type: "psk"})
	mock.AddKnownNetwork(testutil.KnownNetworkSpec{Name: "ssidA", Type: "open", LastConnected: last})

	known, err := h.ListKnownNetworks(ctx)
	if err != nil {
		t.Fatalf("ListKnownNetworks: %v", err)
	}
	defer func() {
		for _, k := range known {
			k.Close()
		}
	}()
	if len(known) != 2 {
		t.Fatalf("known = %d, want 2", len(known))
	}
	byName := map[string]*KnownNetwork{}
	for _, k := range known {
		byName[k.Name()] = k
	}
	a, b := byName["ssidA"], byName["ssidB"]
	if a == nil || b == nil {
		t.Fatalf("known names = %v", byName)
	}
	if a.Type() != NetworkOpen || b.Type() != NetworkPSK {
		t.Errorf("types = %s, %s", a.Type(), b.Type())
	}
	got, err := a.LastConnectedTime()
	if err != nil || got == nil || !got.Equal(last) {
		t.Errorf("LastConnectedTime = %v, %v, want %v", got, err, last)
	}
	if got, err := b.LastConnectedTime(); err != nil || got != nil {
		t.Errorf("LastConnectedTime without property = %v, %v, want nil", got, err)
	}

	if err := b.SetAutoConnect(ctx, false); err != nil {
		t.Fatalf("SetAutoConnect: %v", err)
	}
	autoOff := wait.Func("autoconnect off", func() bool { return !b.AutoConnect() })
	if err := h.WaitForObjectCondition(ctx, autoOff, 0); err != nil {
		t.Fatal(err)
	}

	if err := a.Forget(ctx); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	again, err := h.ListKnownNetworks(ctx)
	if err != nil {
		t.Fatalf("ListKnownNetworks: %v", err)
	}
	for _, k := range again {
		k.Close()
	}
	if len(again) != 1 {
		t.Errorf("known after Forget = %d, want 1", len(again))
	}
}

func TestRegisterPSKAgent(t *testing.T) {
	h, mock := openMock(t)
	ctx := testContext(t)

	a := agent.NewPSKAgent(nil, nil)
	if err := h.RegisterPSKAgent(ctx, a); err != nil {
		t.Fatalf("RegisterPSKAgent: %v", err)
	}
	if !mock.AgentRegistered() {
		t.Error("mock has no agent after RegisterPSKAgent")
	}
	if err := h.RegisterPSKAgent(ctx, agent.NewPSKAgent(nil, nil)); !errors.Is(err, ErrAgentRegistered) {
		t.Errorf("second RegisterPSKAgent = %v, want ErrAgentRegistered", err)
	}
	if err := h.UnregisterPSKAgent(ctx, a); err != nil {
		t.Fatalf("UnregisterPSKAgent: %v", err)
	}
	if mock.AgentRegistered() {
		t.Error("mock still has an agent after UnregisterPSKAgent")
	}
	err := h.agentManagerCall(ctx, "UnregisterAgent", a.Path())
	if !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("unregistering twice = %v, want NotFound fault", err)
	}
}

func TestWaitSleeps(t *testing.T) {
	h, _ := openMock(t)
	start := time.Now()
	if err := h.Wait(testContext(t), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait returned after %v", elapsed)
	}
}

func TestCloseIdempotent(t *testing.T) {
	h, _ := openMock(t)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenStartsDaemon(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	testutil.StartMockIWD(t, addr)

	bin := filepath.Join(t.TempDir(), "fake-iwd")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h, err := Open(testContext(t), Options{
		Address:        addr,
		StartDaemon:    true,
		Daemon:         daemon.Config{Binary: bin},
		StartupTimeout: testTimeout,
		StorageDir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if n := strings.Count(buf.String(), `"msg":"daemon started"`); n != 1 {
		t.Errorf("daemon start logged %d times:\n%s", n, buf.String())
	}
}
