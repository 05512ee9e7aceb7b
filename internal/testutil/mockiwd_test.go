package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
)

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	os.WriteFile(path, []byte(`
storage_dir: /tmp/iwd-test
devices:
  - name: wlan0
    mode: station
    networks:
      - name: ssidOpen
        type: open
        signal: -5000
      - name: ssidPSK
        type: psk
        passphrase: secret123
        after_scan: true
known_networks:
  - name: ssidKnown
    type: psk
    last_connected: 2024-05-01T10:00:00Z
p2p_devices:
  - name: p2p0
    enabled: true
    peers:
      - name: phone
        address: "02:00:00:00:00:01"
        rssi: -40
`), 0o644)

	s, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if s.StorageDir != "/tmp/iwd-test" {
		t.Errorf("StorageDir = %q", s.StorageDir)
	}
	if len(s.Devices) != 1 || s.Devices[0].Name != "wlan0" {
		t.Fatalf("Devices = %+v", s.Devices)
	}
	if got := len(s.Devices[0].Networks); got != 2 {
		t.Fatalf("Networks len = %d, want 2", got)
	}
	if n := s.Devices[0].Networks[1]; !n.AfterScan || n.Passphrase != "secret123" {
		t.Errorf("Networks[1] = %+v", n)
	}
	if s.Devices[0].Networks[0].Signal != -5000 {
		t.Errorf("Signal = %d, want -5000", s.Devices[0].Networks[0].Signal)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !s.KnownNetworks[0].LastConnected.Equal(want) {
		t.Errorf("LastConnected = %v, want %v", s.KnownNetworks[0].LastConnected, want)
	}
	if len(s.P2PDevices) != 1 || s.P2PDevices[0].Peers[0].RSSI != -40 {
		t.Errorf("P2PDevices = %+v", s.P2PDevices)
	}
}

func TestLoadScenarioMissing(t *testing.T) {
	if _, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadScenario(missing) = %v, want ErrNotExist", err)
	}
}

func startMock(t *testing.T) (*MockIWD, *dbus.Conn) {
	t.Helper()
	addr := StartDBusDaemon(t)
	return StartMockIWD(t, addr), Connect(t, addr)
}

func managedObjects(t *testing.T, client *dbus.Conn) map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	t.Helper()
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := client.Object(dbustypes.BusName, dbustypes.TopLevelPath).
		Call(dbustypes.ObjectManagerInterface+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		t.Fatalf("GetManagedObjects: %v", err)
	}
	return objects
}

func dbusErrorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name
	}
	return ""
}

func TestStartDBusDaemonAcceptsClients(t *testing.T) {
	addr := StartDBusDaemon(t)
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect right after start: %v", err)
	}
	defer conn.Close()
	var id string
	if err := conn.BusObject().Call("org.freedesktop.DBus.GetId", 0).Store(&id); err != nil || id == "" {
		t.Errorf("GetId = %q, %v", id, err)
	}
}

func TestMockManagedObjects(t *testing.T) {
	m, client := startMock(t)
	dev := m.AddDevice(DeviceSpec{Name: "wlan0"})
	open := m.AddNetwork(dev, NetworkSpec{Name: "ssidOpen"})
	hidden := m.AddNetwork(dev, NetworkSpec{Name: "ssidHidden", Hidden: true})
	known := m.AddKnownNetwork(KnownNetworkSpec{Name: "ssidKnown"})

	objects := managedObjects(t, client)
	for _, iface := range []string{dbustypes.DeviceInterface, dbustypes.StationInterface} {
		if _, ok := objects[dev][iface]; !ok {
			t.Errorf("device lacks %s", iface)
		}
	}
	if name := objects[dev][dbustypes.DeviceInterface]["Name"].Value(); name != "wlan0" {
		t.Errorf("device Name = %v, want wlan0", name)
	}
	if _, ok := objects[open][dbustypes.NetworkInterface]; !ok {
		t.Error("open network not exported")
	}
	if _, ok := objects[hidden]; ok {
		t.Error("hidden network exported before ConnectHiddenNetwork")
	}
	if _, ok := objects[known][dbustypes.KnownNetworkInterface]; !ok {
		t.Error("known network not exported")
	}

	m.RemoveDevice(dev)
	objects = managedObjects(t, client)
	if _, ok := objects[dev]; ok {
		t.Error("device still exported after RemoveDevice")
	}
	if _, ok := objects[open]; ok {
		t.Error("network still exported after RemoveDevice")
	}
}

func TestMockConnectOpen(t *testing.T) {
	m, client := startMock(t)
	dir := t.TempDir()
	m.SetStorageDir(dir)
	dev := m.AddDevice(DeviceSpec{})
	net := m.AddNetwork(dev, NetworkSpec{Name: "ssidOpen"})

	if err := client.Object(dbustypes.BusName, net).Call(dbustypes.NetworkInterface+".Connect", 0).Err; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if state, _ := m.Property(dev, dbustypes.StationInterface, "State"); state != "connected" {
		t.Errorf("State = %v, want connected", state)
	}
	if cn, _ := m.Property(dev, dbustypes.StationInterface, "ConnectedNetwork"); cn != net {
		t.Errorf("ConnectedNetwork = %v, want %s", cn, net)
	}
	if _, err := os.Stat(filepath.Join(dir, "ssidOpen.open")); err != nil {
		t.Errorf("profile not written: %v", err)
	}
	if _, ok := managedObjects(t, client)[knownNetworkPath("ssidOpen", "open")]; !ok {
		t.Error("known network not created on connect")
	}

	err := client.Object(dbustypes.BusName, dev).Call(dbustypes.StationInterface+".Disconnect", 0).Err
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if state, _ := m.Property(dev, dbustypes.StationInterface, "State"); state != "disconnected" {
		t.Errorf("State = %v, want disconnected", state)
	}
	err = client.Object(dbustypes.BusName, dev).Call(dbustypes.StationInterface+".Disconnect", 0).Err
	if got := dbusErrorName(err); got != dbustypes.ErrNotConnected {
		t.Errorf("second Disconnect error = %q, want NotConnected", got)
	}
}

func TestMockConnectPSKWithoutAgent(t *testing.T) {
	m, client := startMock(t)
	dev := m.AddDevice(DeviceSpec{})
	net := m.AddNetwork(dev, NetworkSpec{Name: "ssidPSK", Type: "psk", Passphrase: "secret123"})

	err := client.Object(dbustypes.BusName, net).Call(dbustypes.NetworkInterface+".Connect", 0).Err
	if got := dbusErrorName(err); got != dbustypes.ErrNoAgent {
		t.Errorf("Connect error = %q, want NoAgent", got)
	}
}

func TestMockFailNext(t *testing.T) {
	m, client := startMock(t)
	dev := m.AddDevice(DeviceSpec{})
	net := m.AddNetwork(dev, NetworkSpec{Name: "ssidOverlap"})
	m.FailNext(net, dbustypes.NetworkInterface+".Connect", dbustypes.ErrServiceSetOverlap)

	obj := client.Object(dbustypes.BusName, net)
	err := obj.Call(dbustypes.NetworkInterface+".Connect", 0).Err
	if got := dbusErrorName(err); got != dbustypes.ErrServiceSetOverlap {
		t.Errorf("first Connect error = %q, want ServiceSetOverlap", got)
	}
	if err := obj.Call(dbustypes.NetworkInterface+".Connect", 0).Err; err != nil {
		t.Errorf("second Connect: %v", err)
	}
	calls := m.Calls()
	if len(calls) != 2 {
		t.Errorf("Calls = %v, want 2 entries", calls)
	}
}

func TestMockRecordsGetAll(t *testing.T) {
	m, client := startMock(t)
	dev := m.AddDevice(DeviceSpec{Name: "wlan0"})
	m.FailNext(dev, dbustypes.PropertiesInterface+".GetAll", dbustypes.ErrFailed)

	obj := client.Object(dbustypes.BusName, dev)
	var props map[string]dbus.Variant
	err := obj.Call(dbustypes.PropertiesInterface+".GetAll", 0, dbustypes.DeviceInterface).Store(&props)
	if got := dbusErrorName(err); got != dbustypes.ErrFailed {
		t.Errorf("first GetAll error = %q, want Failed", got)
	}
	if err := obj.Call(dbustypes.PropertiesInterface+".GetAll", 0, dbustypes.DeviceInterface).Store(&props); err != nil {
		t.Fatalf("second GetAll: %v", err)
	}
	if props["Name"].Value() != "wlan0" {
		t.Errorf("Name = %v", props["Name"])
	}
	want := string(dev) + " " + dbustypes.PropertiesInterface + ".GetAll"
	if calls := m.Calls(); len(calls) != 2 || calls[0] != want || calls[1] != want {
		t.Errorf("Calls = %v, want two %q", calls, want)
	}
}

func TestMockSetMode(t *testing.T) {
	m, client := startMock(t)
	dev := m.AddDevice(DeviceSpec{})

	err := client.Object(dbustypes.BusName, dev).Call(dbustypes.PropertiesInterface+".Set", 0,
		dbustypes.DeviceInterface, "Mode", dbus.MakeVariant("ap")).Err
	if err != nil {
		t.Fatalf("Set Mode: %v", err)
	}
	ifaces := managedObjects(t, client)[dev]
	if _, ok := ifaces[dbustypes.StationInterface]; ok {
		t.Error("Station still present in ap mode")
	}
	if _, ok := ifaces[dbustypes.AccessPointInterface]; !ok {
		t.Error("AccessPoint missing in ap mode")
	}

	err = client.Object(dbustypes.BusName, dev).Call(dbustypes.PropertiesInterface+".Set", 0,
		dbustypes.DeviceInterface, "Name", dbus.MakeVariant("x")).Err
	if got := dbusErrorName(err); got != dbustypes.ErrPropertyReadOnly {
		t.Errorf("Set Name error = %q, want PropertyReadOnly", got)
	}
}

func TestMockScanRevealsNetworks(t *testing.T) {
	m, client := startMock(t)
	dev := m.AddDevice(DeviceSpec{})
	net := m.AddNetwork(dev, NetworkSpec{Name: "late", AfterScan: true})

	var entries []struct {
		Path   dbus.ObjectPath
		Signal int16
	}
	station := client.Object(dbustypes.BusName, dev)
	if err := station.Call(dbustypes.StationInterface+".GetOrderedNetworks", 0).Store(&entries); err != nil {
		t.Fatalf("GetOrderedNetworks: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("networks before scan = %v, want none", entries)
	}
	if err := station.Call(dbustypes.StationInterface+".Scan", 0).Err; err != nil {
		t.Fatalf("Scan: %v", err)
	}
	Eventually(t, 2*time.Second, func() bool {
		v, _ := m.Property(dev, dbustypes.StationInterface, "Scanning")
		return v == false
	}, "scan finished")
	if err := station.Call(dbustypes.StationInterface+".GetOrderedNetworks", 0).Store(&entries); err != nil {
		t.Fatalf("GetOrderedNetworks: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != net {
		t.Errorf("networks after scan = %v, want [%s]", entries, net)
	}
}

func TestMockDropsRegistrationsOfDepartedClient(t *testing.T) {
	addr := StartDBusDaemon(t)
	m := StartMockIWD(t, addr)
	dev := m.AddDevice(DeviceSpec{})

	client, err := dbus.Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	agentPath := dbus.ObjectPath("/test/agent/departed")
	err = client.Object(dbustypes.BusName, dbustypes.AgentManagerPath).
		Call(dbustypes.AgentManagerInterface+".RegisterAgent", 0, agentPath).Err
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	err = client.Object(dbustypes.BusName, dev).
		Call(dbustypes.StationInterface+".RegisterSignalLevelAgent", 0, agentPath, []int16{-60, -70}).Err
	if err != nil {
		t.Fatalf("RegisterSignalLevelAgent: %v", err)
	}
	if !m.AgentRegistered() {
		t.Fatal("agent not registered")
	}

	client.Close()
	Eventually(t, 5*time.Second, func() bool { return !m.AgentRegistered() }, "agent dropped")
	if err := m.SetSignalLevel(dev, 0); dbusErrorName(err) != dbustypes.ErrNotFound {
		t.Errorf("SetSignalLevel after client left = %v, want NotFound", err)
	}
}
