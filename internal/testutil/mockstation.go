package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
)

// agentTimeout bounds credential agent callbacks.
const agentTimeout = 10 * time.Second

type orderedEntry struct {
	Path   dbus.ObjectPath
	Signal int16
}

// mockDeviceIface serves net.connman.iwd.Device methods.
type mockDeviceIface struct {
	m   *MockIWD
	dev *mockDevice
}

func (d *mockDeviceIface) Remove() *dbus.Error {
	d.m.mu.Lock()
	if err := d.m.begin(d.dev.path, dbustypes.DeviceInterface+".Remove"); err != nil {
		d.m.mu.Unlock()
		return err
	}
	d.m.mu.Unlock()
	d.m.RemoveDevice(d.dev.path)
	return nil
}

// mockStation serves net.connman.iwd.Station.
type mockStation struct {
	m   *MockIWD
	dev *mockDevice
}

func (s *mockStation) Scan() *dbus.Error {
	m := s.m
	m.mu.Lock()
	if err := m.begin(s.dev.path, dbustypes.StationInterface+".Scan"); err != nil {
		m.mu.Unlock()
		return err
	}
	if v, _ := m.prop(s.dev.path, dbustypes.StationInterface, "Scanning"); v.Value() == true {
		m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrInProgress, "scan in progress")
	}
	c := m.setProps(s.dev.path, dbustypes.StationInterface, map[string]interface{}{"Scanning": true})
	m.mu.Unlock()
	m.emitChanges(c)

	time.AfterFunc(ScanDuration, s.finishScan)
	return nil
}

func (s *mockStation) finishScan() {
	m := s.m
	m.mu.Lock()
	if _, ok := m.devices[s.dev.path]; !ok {
		m.mu.Unlock()
		return
	}
	added := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for _, n := range s.dev.networks {
		if !n.visible && n.spec.AfterScan && !n.spec.Hidden {
			added[n.path] = m.showNetwork(n)
		}
	}
	c := m.setProps(s.dev.path, dbustypes.StationInterface, map[string]interface{}{"Scanning": false})
	m.mu.Unlock()

	for path, payload := range added {
		m.emitAdded(path, payload)
	}
	m.emitChanges(c)
}

func (s *mockStation) GetOrderedNetworks() ([]orderedEntry, *dbus.Error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(s.dev.path, dbustypes.StationInterface+".GetOrderedNetworks"); err != nil {
		return nil, err
	}

	var visible []*mockNetwork
	for _, n := range s.dev.networks {
		if n.visible && !n.spec.Hidden {
			visible = append(visible, n)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		ci, cj := visible[i] == s.dev.connected, visible[j] == s.dev.connected
		if ci != cj {
			return ci
		}
		return visible[i].spec.Signal > visible[j].spec.Signal
	})
	out := make([]orderedEntry, 0, len(visible))
	for _, n := range visible {
		out = append(out, orderedEntry{Path: n.path, Signal: n.spec.Signal})
	}
	return out, nil
}

func (s *mockStation) Disconnect() *dbus.Error {
	m := s.m
	m.mu.Lock()
	if err := m.begin(s.dev.path, dbustypes.StationInterface+".Disconnect"); err != nil {
		m.mu.Unlock()
		return err
	}
	state := m.propString(s.dev.path, dbustypes.StationInterface, "State")
	if state != "connected" && state != "connecting" {
		m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrNotConnected, "not connected")
	}
	first := m.setProps(s.dev.path, dbustypes.StationInterface, map[string]interface{}{"State": "disconnecting"})
	changes := m.dropConnection(s.dev)
	m.mu.Unlock()

	m.emitChanges(first)
	m.emitChanges(changes...)
	return nil
}

// dropConnection marks the device disconnected. Caller holds m.mu.
func (m *MockIWD) dropConnection(dev *mockDevice) []propChange {
	var changes []propChange
	if dev.connected != nil {
		changes = append(changes, m.setProps(dev.connected.path, dbustypes.NetworkInterface, map[string]interface{}{"Connected": false}))
		dev.connected = nil
	}
	return append(changes, m.setProps(dev.path, dbustypes.StationInterface,
		map[string]interface{}{"State": "disconnected"}, "ConnectedNetwork"))
}

func (s *mockStation) ConnectHiddenNetwork(name string) *dbus.Error {
	m := s.m
	m.mu.Lock()
	if err := m.begin(s.dev.path, dbustypes.StationInterface+".ConnectHiddenNetwork"); err != nil {
		m.mu.Unlock()
		return err
	}
	var target *mockNetwork
	for _, n := range s.dev.networks {
		if n.spec.Name != name {
			continue
		}
		if !n.spec.Hidden {
			m.mu.Unlock()
			return dbustypes.NewDBusError(dbustypes.ErrNotHidden, name+" is not hidden")
		}
		target = n
	}
	if target == nil {
		m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "no hidden network "+name)
	}
	var payload map[string]map[string]dbus.Variant
	if !target.visible {
		payload = m.showNetwork(target)
	}
	m.mu.Unlock()

	if payload != nil {
		m.emitAdded(target.path, payload)
	}
	return m.connect(s.dev, target)
}

func (s *mockStation) RegisterSignalLevelAgent(sender dbus.Sender, path dbus.ObjectPath, levels []int16) *dbus.Error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(s.dev.path, dbustypes.StationInterface+".RegisterSignalLevelAgent"); err != nil {
		return err
	}
	if s.dev.signalAgent != nil {
		return dbustypes.NewDBusError(dbustypes.ErrAlreadyExists, "signal level agent already registered")
	}
	if len(levels) == 0 || len(levels) > 16 {
		return dbustypes.NewDBusError(dbustypes.ErrInvalidArguments, "between 1 and 16 levels required")
	}
	for i := 1; i < len(levels); i++ {
		if levels[i] >= levels[i-1] {
			return dbustypes.NewDBusError(dbustypes.ErrInvalidArguments, "levels must be descending")
		}
	}
	s.dev.signalAgent = &agentRef{sender: string(sender), path: path}
	return nil
}

func (s *mockStation) UnregisterSignalLevelAgent(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(s.dev.path, dbustypes.StationInterface+".UnregisterSignalLevelAgent"); err != nil {
		return err
	}
	a := s.dev.signalAgent
	if a == nil || a.path != path || a.sender != string(sender) {
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "signal level agent not registered")
	}
	s.dev.signalAgent = nil
	return nil
}

// SetSignalLevel reports a new signal level index to the device's
// signal level agent.
func (m *MockIWD) SetSignalLevel(device dbus.ObjectPath, level uint8) error {
	m.mu.Lock()
	dev, ok := m.devices[device]
	var a *agentRef
	if ok {
		a = dev.signalAgent
	}
	m.mu.Unlock()
	if a == nil {
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "no signal level agent on "+string(device))
	}
	ctx, cancel := context.WithTimeout(context.Background(), agentTimeout)
	defer cancel()
	return m.conn.Object(a.sender, a.path).CallWithContext(ctx,
		dbustypes.SignalLevelAgentInterface+".Changed", 0, device, level).Err
}

// mockNetworkIface serves net.connman.iwd.Network.
type mockNetworkIface struct {
	m   *MockIWD
	net *mockNetwork
}

func (n *mockNetworkIface) Connect() *dbus.Error {
	m := n.m
	m.mu.Lock()
	if err := m.begin(n.net.path, dbustypes.NetworkInterface+".Connect"); err != nil {
		m.mu.Unlock()
		return err
	}
	dev, ok := m.devices[n.net.device]
	m.mu.Unlock()
	if !ok {
		return dbustypes.ErrObjectNotFound(n.net.path)
	}
	return m.connect(dev, n.net)
}

// connect drives a station through connecting to connected, asking the
// registered agent for a passphrase when the network needs one.
func (m *MockIWD) connect(dev *mockDevice, n *mockNetwork) *dbus.Error {
	m.mu.Lock()
	state := m.propString(dev.path, dbustypes.StationInterface, "State")
	if state == "connecting" {
		m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrInProgress, "connection in progress")
	}
	if dev.connected == n && state == "connected" {
		m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrAlreadyExists, "already connected")
	}
	_, known := m.objects[knownNetworkPath(n.spec.Name, n.spec.Type)]
	var agent *agentRef
	switch n.spec.Type {
	case "psk":
		if !known {
			if m.agent == nil {
				m.mu.Unlock()
				return dbustypes.NewDBusError(dbustypes.ErrNoAgent, "no agent registered")
			}
			agent = m.agent
		}
	case "8021x":
		if !known {
			m.mu.Unlock()
			return dbustypes.NewDBusError(dbustypes.ErrNotConfigured, "no provisioning for "+n.spec.Name)
		}
	}
	var changes []propChange
	if dev.connected != nil && dev.connected != n {
		changes = append(changes, m.setProps(dev.connected.path, dbustypes.NetworkInterface, map[string]interface{}{"Connected": false}))
		dev.connected = nil
	}
	changes = append(changes, m.setProps(dev.path, dbustypes.StationInterface, map[string]interface{}{"State": "connecting"}))
	m.mu.Unlock()
	m.emitChanges(changes...)

	if agent != nil {
		if err := m.askPassphrase(agent, n); err != nil {
			m.mu.Lock()
			changes := m.dropConnection(dev)
			m.mu.Unlock()
			m.emitChanges(changes...)
			return err
		}
	}

	m.mu.Lock()
	dev.connected = n
	changes = []propChange{
		m.setProps(n.path, dbustypes.NetworkInterface, map[string]interface{}{"Connected": true}),
		m.setProps(dev.path, dbustypes.StationInterface, map[string]interface{}{
			"State":            "connected",
			"ConnectedNetwork": n.path,
		}),
	}
	var knownPath dbus.ObjectPath
	var knownPayload map[string]map[string]dbus.Variant
	now := time.Now()
	if !known {
		knownPath, knownPayload = m.addKnownLocked(KnownNetworkSpec{
			Name:          n.spec.Name,
			Type:          n.spec.Type,
			Hidden:        n.spec.Hidden,
			LastConnected: now,
		})
	} else {
		changes = append(changes, m.setProps(knownNetworkPath(n.spec.Name, n.spec.Type), dbustypes.KnownNetworkInterface,
			map[string]interface{}{"LastConnectedTime": now.UTC().Format("2006-01-02T15:04:05Z")}))
	}
	m.writeProfile(n.spec)
	m.mu.Unlock()

	if knownPayload != nil {
		m.emitAdded(knownPath, knownPayload)
	}
	m.emitChanges(changes...)
	return nil
}

func (m *MockIWD) askPassphrase(agent *agentRef, n *mockNetwork) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), agentTimeout)
	defer cancel()
	var passphrase string
	err := m.conn.Object(agent.sender, agent.path).CallWithContext(ctx,
		dbustypes.AgentInterface+".RequestPassphrase", 0, n.path).Store(&passphrase)
	if err != nil {
		return dbustypes.NewDBusError(dbustypes.ErrAborted, "agent: "+err.Error())
	}
	if passphrase != n.spec.Passphrase {
		return dbustypes.NewDBusError(dbustypes.ErrFailed, "authentication failed")
	}
	return nil
}

// mockKnownNetwork serves net.connman.iwd.KnownNetwork.
type mockKnownNetwork struct {
	m    *MockIWD
	path dbus.ObjectPath
}

func (k *mockKnownNetwork) Forget() *dbus.Error {
	m := k.m
	m.mu.Lock()
	if err := m.begin(k.path, dbustypes.KnownNetworkInterface+".Forget"); err != nil {
		m.mu.Unlock()
		return err
	}
	name := m.propString(k.path, dbustypes.KnownNetworkInterface, "Name")
	typ := m.propString(k.path, dbustypes.KnownNetworkInterface, "Type")
	removed := m.removeInterfaces(k.path, []string{dbustypes.KnownNetworkInterface})
	if m.storageDir != "" {
		os.Remove(filepath.Join(m.storageDir, profileName(name, typ))) //nolint:errcheck
	}
	m.mu.Unlock()

	m.emitRemoved(k.path, removed)
	return nil
}

// mockWSC serves net.connman.iwd.SimpleConfiguration on devices and peers.
type mockWSC struct {
	m    *MockIWD
	path dbus.ObjectPath
	// connected runs after a successful push button or PIN session.
	connected func()
}

func (w *mockWSC) start(method string) *dbus.Error {
	w.m.mu.Lock()
	err := w.m.begin(w.path, dbustypes.SimpleConfigurationInterface+"."+method)
	w.m.mu.Unlock()
	if err != nil {
		return err
	}
	if w.connected != nil {
		w.connected()
	}
	return nil
}

func (w *mockWSC) PushButton() *dbus.Error {
	return w.start("PushButton")
}

func (w *mockWSC) GeneratePin() (string, *dbus.Error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if err := w.m.begin(w.path, dbustypes.SimpleConfigurationInterface+".GeneratePin"); err != nil {
		return "", err
	}
	return "12345670", nil
}

func (w *mockWSC) StartPin(pin string) *dbus.Error {
	if len(pin) != 4 && len(pin) != 8 {
		return dbustypes.NewDBusError(dbustypes.ErrInvalidFormat, "PIN must have 4 or 8 digits")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return dbustypes.NewDBusError(dbustypes.ErrInvalidFormat, "PIN must be numeric")
		}
	}
	return w.start("StartPin")
}

func (w *mockWSC) Cancel() *dbus.Error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.m.begin(w.path, dbustypes.SimpleConfigurationInterface+".Cancel")
}

// mockAP serves net.connman.iwd.AccessPoint.
type mockAP struct {
	m   *MockIWD
	dev *mockDevice
}

func (a *mockAP) begin(method string) *dbus.Error {
	if err := a.m.begin(a.dev.path, dbustypes.AccessPointInterface+"."+method); err != nil {
		return err
	}
	if v, _ := a.m.prop(a.dev.path, dbustypes.AccessPointInterface, "Started"); method != "Stop" && v.Value() == true {
		return dbustypes.NewDBusError(dbustypes.ErrAlreadyExists, "access point already started")
	}
	return nil
}

func (a *mockAP) Start(ssid, psk string) *dbus.Error {
	a.m.mu.Lock()
	if err := a.begin("Start"); err != nil {
		a.m.mu.Unlock()
		return err
	}
	if len(psk) < 8 || len(psk) > 63 {
		a.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrInvalidArguments, "passphrase must have 8 to 63 characters")
	}
	c := a.m.setProps(a.dev.path, dbustypes.AccessPointInterface, map[string]interface{}{"Started": true, "Name": ssid})
	a.m.mu.Unlock()
	a.m.emitChanges(c)
	return nil
}

func (a *mockAP) StartProfile(ssid string) *dbus.Error {
	a.m.mu.Lock()
	if err := a.begin("StartProfile"); err != nil {
		a.m.mu.Unlock()
		return err
	}
	if a.m.storageDir == "" {
		a.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "no profile for "+ssid)
	}
	if _, err := os.Stat(filepath.Join(a.m.storageDir, "ap", ssid+".ap")); err != nil {
		a.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "no profile for "+ssid)
	}
	c := a.m.setProps(a.dev.path, dbustypes.AccessPointInterface, map[string]interface{}{"Started": true, "Name": ssid})
	a.m.mu.Unlock()
	a.m.emitChanges(c)
	return nil
}

func (a *mockAP) Stop() *dbus.Error {
	a.m.mu.Lock()
	if err := a.begin("Stop"); err != nil {
		a.m.mu.Unlock()
		return err
	}
	c := a.m.setProps(a.dev.path, dbustypes.AccessPointInterface, map[string]interface{}{"Started": false}, "Name")
	a.m.mu.Unlock()
	a.m.emitChanges(c)
	return nil
}

// mockAdHoc serves net.connman.iwd.AdHoc.
type mockAdHoc struct {
	m   *MockIWD
	dev *mockDevice
}

func (a *mockAdHoc) start(method string) *dbus.Error {
	a.m.mu.Lock()
	if err := a.m.begin(a.dev.path, dbustypes.AdHocInterface+"."+method); err != nil {
		a.m.mu.Unlock()
		return err
	}
	if v, _ := a.m.prop(a.dev.path, dbustypes.AdHocInterface, "Started"); v.Value() == true {
		a.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrAlreadyExists, "ad-hoc network already started")
	}
	c := a.m.setProps(a.dev.path, dbustypes.AdHocInterface, map[string]interface{}{"Started": true})
	a.m.mu.Unlock()
	a.m.emitChanges(c)
	return nil
}

func (a *mockAdHoc) Start(ssid, psk string) *dbus.Error {
	if len(psk) < 8 {
		return dbustypes.NewDBusError(dbustypes.ErrInvalidArguments, "passphrase too short")
	}
	return a.start("Start")
}

func (a *mockAdHoc) StartOpen(ssid string) *dbus.Error {
	return a.start("StartOpen")
}

func (a *mockAdHoc) Stop() *dbus.Error {
	a.m.mu.Lock()
	if err := a.m.begin(a.dev.path, dbustypes.AdHocInterface+".Stop"); err != nil {
		a.m.mu.Unlock()
		return err
	}
	c := a.m.setProps(a.dev.path, dbustypes.AdHocInterface, map[string]interface{}{
		"Started":        false,
		"ConnectedPeers": []string{},
	})
	a.m.mu.Unlock()
	a.m.emitChanges(c)
	return nil
}
