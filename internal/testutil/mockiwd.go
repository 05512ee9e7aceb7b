package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
)

// ScanDuration is how long the mock keeps Scanning=true after Scan.
var ScanDuration = 100 * time.Millisecond

// DeviceSpec describes a mock device.
type DeviceSpec struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// Mode defaults to station.
	Mode    string `yaml:"mode"`
	Powered *bool  `yaml:"powered"`
}

// NetworkSpec describes a network visible to a mock device.
type NetworkSpec struct {
	Name string `yaml:"name"`
	// Type is open, psk or 8021x.
	Type string `yaml:"type"`
	// Signal is 100 * dBm.
	Signal     int16  `yaml:"signal"`
	Passphrase string `yaml:"passphrase"`
	Hidden     bool   `yaml:"hidden"`
	// AfterScan hides the network until the next scan finishes.
	AfterScan bool `yaml:"after_scan"`
}

// KnownNetworkSpec describes a stored network profile.
type KnownNetworkSpec struct {
	Name          string    `yaml:"name"`
	Type          string    `yaml:"type"`
	Hidden        bool      `yaml:"hidden"`
	AutoConnect   *bool     `yaml:"auto_connect"`
	LastConnected time.Time `yaml:"last_connected"`
}

// mockObject is one exported object and its interfaces' properties.
type mockObject struct {
	path  dbus.ObjectPath
	props map[string]map[string]dbus.Variant
	// exported lists the interfaces registered with godbus, for removal.
	exported []string
}

type mockNetwork struct {
	spec    NetworkSpec
	path    dbus.ObjectPath
	device  dbus.ObjectPath
	visible bool
}

type mockDevice struct {
	path        dbus.ObjectPath
	networks    []*mockNetwork
	connected   *mockNetwork
	signalAgent *agentRef
}

type agentRef struct {
	sender string
	path   dbus.ObjectPath
}

type propChange struct {
	path        dbus.ObjectPath
	iface       string
	changed     map[string]dbus.Variant
	invalidated []string
}

// MockIWD is an in-process iwd exported on a test bus. It implements the
// object manager, the agent manager, devices with their station, WSC, AP
// and ad-hoc interfaces, networks, known networks and P2P devices.
type MockIWD struct {
	conn *dbus.Conn

	mu         sync.Mutex
	objects    map[dbus.ObjectPath]*mockObject
	devices    map[dbus.ObjectPath]*mockDevice
	networks   map[dbus.ObjectPath]*mockNetwork
	p2p        map[dbus.ObjectPath]*mockP2PDevice
	agent      *agentRef
	faults     map[string][]*dbus.Error
	calls      []string
	nextDevice int
	storageDir string
	tracker    *clientTracker
}

// NewMockIWD creates an empty mock daemon.
func NewMockIWD() *MockIWD {
	return &MockIWD{
		objects:  make(map[dbus.ObjectPath]*mockObject),
		devices:  make(map[dbus.ObjectPath]*mockDevice),
		networks: make(map[dbus.ObjectPath]*mockNetwork),
		p2p:      make(map[dbus.ObjectPath]*mockP2PDevice),
		faults:   make(map[string][]*dbus.Error),
	}
}

// SetStorageDir makes successful connections write profiles into dir.
func (m *MockIWD) SetStorageDir(dir string) {
	m.mu.Lock()
	m.storageDir = dir
	m.mu.Unlock()
}

// Register exports the mock on conn and claims the iwd bus name.
func (m *MockIWD) Register(conn *dbus.Conn) error {
	m.conn = conn

	root := &mockObjectManager{m: m}
	if err := conn.Export(root, dbustypes.TopLevelPath, dbustypes.ObjectManagerInterface); err != nil {
		return fmt.Errorf("export ObjectManager: %w", err)
	}
	if err := exportIntrospectable(conn, dbustypes.TopLevelPath, dbustypes.ObjectManagerInterface, root); err != nil {
		return err
	}

	am := &mockAgentManager{m: m}
	if err := conn.Export(am, dbustypes.AgentManagerPath, dbustypes.AgentManagerInterface); err != nil {
		return fmt.Errorf("export AgentManager: %w", err)
	}
	if err := exportIntrospectable(conn, dbustypes.AgentManagerPath, dbustypes.AgentManagerInterface, am); err != nil {
		return err
	}

	reply, err := conn.RequestName(dbustypes.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner (reply=%d)", reply)
	}

	m.tracker, err = newClientTracker(conn, m.clientGone)
	if err != nil {
		return fmt.Errorf("track clients: %w", err)
	}
	return nil
}

// Close stops watching for departed clients. The connection stays open.
func (m *MockIWD) Close() {
	if m.tracker != nil {
		m.tracker.close()
	}
}

func exportIntrospectable(conn *dbus.Conn, path dbus.ObjectPath, iface string, v interface{}) error {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: iface, Methods: introspect.Methods(v)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, dbustypes.IntrospectableInterface); err != nil {
		return fmt.Errorf("export Introspectable on %s: %w", path, err)
	}
	return nil
}

// FailNext makes the next call of method ("iface.Member") on path fail
// with the given iwd error name.
func (m *MockIWD) FailNext(path dbus.ObjectPath, method, errName string) {
	key := string(path) + " " + method
	m.mu.Lock()
	m.faults[key] = append(m.faults[key], dbustypes.NewDBusError(errName, "scripted failure"))
	m.mu.Unlock()
}

// Calls returns the "path iface.Member" of every method the mock served.
func (m *MockIWD) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// begin records a call and pops a scripted fault. Caller holds m.mu.
func (m *MockIWD) begin(path dbus.ObjectPath, method string) *dbus.Error {
	key := string(path) + " " + method
	m.calls = append(m.calls, key)
	queue := m.faults[key]
	if len(queue) == 0 {
		return nil
	}
	m.faults[key] = queue[1:]
	return queue[0]
}

// addObject exports handlers for path and records its properties. Caller
// holds m.mu. The returned payload is for InterfacesAdded.
func (m *MockIWD) addObject(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, handlers map[string]interface{}) map[string]map[string]dbus.Variant {
	obj, ok := m.objects[path]
	if !ok {
		obj = &mockObject{path: path, props: make(map[string]map[string]dbus.Variant)}
		m.objects[path] = obj
		m.conn.Export(&mockProperties{m: m, path: path}, path, dbustypes.PropertiesInterface) //nolint:errcheck
		obj.exported = append(obj.exported, dbustypes.PropertiesInterface)
	}
	payload := make(map[string]map[string]dbus.Variant, len(ifaces))
	for iface, props := range ifaces {
		copied := make(map[string]dbus.Variant, len(props))
		for k, v := range props {
			copied[k] = v
		}
		obj.props[iface] = copied
		payload[iface] = props
		if h, ok := handlers[iface]; ok {
			m.conn.Export(h, path, iface) //nolint:errcheck
			obj.exported = append(obj.exported, iface)
		}
	}
	return payload
}

// removeInterfaces drops interfaces from path, and the whole object when
// none remain. Caller holds m.mu.
func (m *MockIWD) removeInterfaces(path dbus.ObjectPath, ifaces []string) []string {
	obj, ok := m.objects[path]
	if !ok {
		return nil
	}
	var removed []string
	for _, iface := range ifaces {
		if _, ok := obj.props[iface]; !ok {
			continue
		}
		delete(obj.props, iface)
		m.conn.Export(nil, path, iface) //nolint:errcheck
		removed = append(removed, iface)
	}
	if len(obj.props) == 0 {
		for _, iface := range obj.exported {
			m.conn.Export(nil, path, iface) //nolint:errcheck
		}
		delete(m.objects, path)
	}
	return removed
}

func (m *MockIWD) interfaceNames(path dbus.ObjectPath) []string {
	obj, ok := m.objects[path]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(obj.props))
	for iface := range obj.props {
		names = append(names, iface)
	}
	sort.Strings(names)
	return names
}

// setProps updates cached properties and returns the notification to
// emit. Caller holds m.mu.
func (m *MockIWD) setProps(path dbus.ObjectPath, iface string, changed map[string]interface{}, invalidated ...string) propChange {
	c := propChange{path: path, iface: iface, changed: make(map[string]dbus.Variant, len(changed)), invalidated: invalidated}
	obj, ok := m.objects[path]
	if !ok {
		return c
	}
	props, ok := obj.props[iface]
	if !ok {
		return c
	}
	for k, v := range changed {
		variant := dbus.MakeVariant(v)
		props[k] = variant
		c.changed[k] = variant
	}
	for _, k := range invalidated {
		delete(props, k)
	}
	if c.invalidated == nil {
		c.invalidated = []string{}
	}
	return c
}

func (m *MockIWD) prop(path dbus.ObjectPath, iface, name string) (dbus.Variant, bool) {
	obj, ok := m.objects[path]
	if !ok {
		return dbus.Variant{}, false
	}
	v, ok := obj.props[iface][name]
	return v, ok
}

func (m *MockIWD) propString(path dbus.ObjectPath, iface, name string) string {
	v, _ := m.prop(path, iface, name)
	s, _ := v.Value().(string)
	return s
}

func (m *MockIWD) emitChanges(changes ...propChange) {
	for _, c := range changes {
		if len(c.changed) == 0 && len(c.invalidated) == 0 {
			continue
		}
		m.conn.Emit(c.path, dbustypes.PropertiesInterface+"."+dbustypes.PropertiesChanged, c.iface, c.changed, c.invalidated) //nolint:errcheck
	}
}

func (m *MockIWD) emitAdded(path dbus.ObjectPath, payload map[string]map[string]dbus.Variant) {
	m.conn.Emit(dbustypes.TopLevelPath, dbustypes.ObjectManagerInterface+"."+dbustypes.InterfacesAdded, path, payload) //nolint:errcheck
}

func (m *MockIWD) emitRemoved(path dbus.ObjectPath, ifaces []string) {
	if len(ifaces) == 0 {
		return
	}
	m.conn.Emit(dbustypes.TopLevelPath, dbustypes.ObjectManagerInterface+"."+dbustypes.InterfacesRemoved, path, ifaces) //nolint:errcheck
}

// SetProperty changes a property and emits PropertiesChanged.
func (m *MockIWD) SetProperty(path dbus.ObjectPath, iface, name string, value interface{}) {
	m.mu.Lock()
	c := m.setProps(path, iface, map[string]interface{}{name: value})
	m.mu.Unlock()
	m.emitChanges(c)
}

// Property returns a property's current value.
func (m *MockIWD) Property(path dbus.ObjectPath, iface, name string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.prop(path, iface, name)
	if !ok {
		return nil, false
	}
	return v.Value(), true
}

// AddDevice adds a device and announces it with InterfacesAdded.
func (m *MockIWD) AddDevice(spec DeviceSpec) dbus.ObjectPath {
	m.mu.Lock()
	m.nextDevice++
	path := dbus.ObjectPath(fmt.Sprintf("/net/connman/iwd/0/%d", m.nextDevice))
	if spec.Mode == "" {
		spec.Mode = "station"
	}
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("wlan%d", m.nextDevice-1)
	}
	if spec.Address == "" {
		spec.Address = fmt.Sprintf("02:00:00:00:00:%02x", m.nextDevice)
	}
	powered := true
	if spec.Powered != nil {
		powered = *spec.Powered
	}

	dev := &mockDevice{path: path}
	m.devices[path] = dev
	ifaces := map[string]map[string]dbus.Variant{
		dbustypes.DeviceInterface: {
			"Name":    dbus.MakeVariant(spec.Name),
			"Address": dbus.MakeVariant(spec.Address),
			"Powered": dbus.MakeVariant(powered),
			"Mode":    dbus.MakeVariant(spec.Mode),
			"Adapter": dbus.MakeVariant(dbus.ObjectPath("/net/connman/iwd/0")),
		},
	}
	for iface, props := range m.modeInterfaces(spec.Mode) {
		ifaces[iface] = props
	}
	payload := m.addObject(path, ifaces, m.deviceHandlers(dev))
	m.mu.Unlock()

	m.emitAdded(path, payload)
	return path
}

// modeInterfaces returns the interfaces a device exposes in mode.
func (m *MockIWD) modeInterfaces(mode string) map[string]map[string]dbus.Variant {
	switch mode {
	case "station":
		return map[string]map[string]dbus.Variant{
			dbustypes.StationInterface: {
				"State":    dbus.MakeVariant("disconnected"),
				"Scanning": dbus.MakeVariant(false),
			},
			dbustypes.SimpleConfigurationInterface: {},
		}
	case "ap":
		return map[string]map[string]dbus.Variant{
			dbustypes.AccessPointInterface: {"Started": dbus.MakeVariant(false)},
		}
	case "ad-hoc":
		return map[string]map[string]dbus.Variant{
			dbustypes.AdHocInterface: {
				"Started":        dbus.MakeVariant(false),
				"ConnectedPeers": dbus.MakeVariant([]string{}),
			},
		}
	}
	return nil
}

var modeInterfaceNames = []string{
	dbustypes.StationInterface,
	dbustypes.SimpleConfigurationInterface,
	dbustypes.AccessPointInterface,
	dbustypes.AdHocInterface,
}

func (m *MockIWD) deviceHandlers(dev *mockDevice) map[string]interface{} {
	return map[string]interface{}{
		dbustypes.DeviceInterface:              &mockDeviceIface{m: m, dev: dev},
		dbustypes.StationInterface:             &mockStation{m: m, dev: dev},
		dbustypes.SimpleConfigurationInterface: &mockWSC{m: m, path: dev.path},
		dbustypes.AccessPointInterface:         &mockAP{m: m, dev: dev},
		dbustypes.AdHocInterface:               &mockAdHoc{m: m, dev: dev},
	}
}

// RemoveDevice removes a device, its networks and announces it with
// InterfacesRemoved.
func (m *MockIWD) RemoveDevice(path dbus.ObjectPath) {
	m.mu.Lock()
	ifaces, netRemovals := m.removeDeviceLocked(path)
	m.mu.Unlock()

	for p, names := range netRemovals {
		m.emitRemoved(p, names)
	}
	m.emitRemoved(path, ifaces)
}

func (m *MockIWD) removeDeviceLocked(path dbus.ObjectPath) ([]string, map[dbus.ObjectPath][]string) {
	dev, ok := m.devices[path]
	if !ok {
		return nil, nil
	}
	delete(m.devices, path)
	netRemovals := make(map[dbus.ObjectPath][]string)
	for _, n := range dev.networks {
		delete(m.networks, n.path)
		if removed := m.removeInterfaces(n.path, []string{dbustypes.NetworkInterface}); len(removed) > 0 {
			netRemovals[n.path] = removed
		}
	}
	return m.removeInterfaces(path, m.interfaceNames(path)), netRemovals
}

// AddNetwork makes a network visible to device.
func (m *MockIWD) AddNetwork(device dbus.ObjectPath, spec NetworkSpec) dbus.ObjectPath {
	if spec.Type == "" {
		spec.Type = "open"
	}
	path := dbustypes.NetworkPath(device, spec.Name, spec.Type)

	m.mu.Lock()
	dev, ok := m.devices[device]
	if !ok {
		m.mu.Unlock()
		panic("testutil: AddNetwork on unknown device " + string(device))
	}
	n := &mockNetwork{spec: spec, path: path, device: device}
	dev.networks = append(dev.networks, n)
	m.networks[path] = n
	var payload map[string]map[string]dbus.Variant
	if !spec.AfterScan && !spec.Hidden {
		payload = m.showNetwork(n)
	}
	m.mu.Unlock()

	if payload != nil {
		m.emitAdded(path, payload)
	}
	return path
}

// showNetwork exports a network object. Caller holds m.mu.
func (m *MockIWD) showNetwork(n *mockNetwork) map[string]map[string]dbus.Variant {
	n.visible = true
	return m.addObject(n.path, map[string]map[string]dbus.Variant{
		dbustypes.NetworkInterface: {
			"Name":      dbus.MakeVariant(n.spec.Name),
			"Type":      dbus.MakeVariant(n.spec.Type),
			"Connected": dbus.MakeVariant(false),
			"Device":    dbus.MakeVariant(n.device),
		},
	}, map[string]interface{}{
		dbustypes.NetworkInterface: &mockNetworkIface{m: m, net: n},
	})
}

// AddKnownNetwork adds a stored network profile.
func (m *MockIWD) AddKnownNetwork(spec KnownNetworkSpec) dbus.ObjectPath {
	m.mu.Lock()
	path, payload := m.addKnownLocked(spec)
	m.mu.Unlock()
	m.emitAdded(path, payload)
	return path
}

func knownNetworkPath(name, typ string) dbus.ObjectPath {
	return dbustypes.NetworkPath(dbustypes.AgentManagerPath, name, typ)
}

func (m *MockIWD) addKnownLocked(spec KnownNetworkSpec) (dbus.ObjectPath, map[string]map[string]dbus.Variant) {
	if spec.Type == "" {
		spec.Type = "psk"
	}
	autoConnect := true
	if spec.AutoConnect != nil {
		autoConnect = *spec.AutoConnect
	}
	props := map[string]dbus.Variant{
		"Name":        dbus.MakeVariant(spec.Name),
		"Type":        dbus.MakeVariant(spec.Type),
		"Hidden":      dbus.MakeVariant(spec.Hidden),
		"AutoConnect": dbus.MakeVariant(autoConnect),
	}
	if !spec.LastConnected.IsZero() {
		props["LastConnectedTime"] = dbus.MakeVariant(spec.LastConnected.UTC().Format("2006-01-02T15:04:05Z"))
	}
	path := knownNetworkPath(spec.Name, spec.Type)
	payload := m.addObject(path, map[string]map[string]dbus.Variant{dbustypes.KnownNetworkInterface: props},
		map[string]interface{}{dbustypes.KnownNetworkInterface: &mockKnownNetwork{m: m, path: path}})
	return path, payload
}

// profileName is the storage file name of a network profile.
func profileName(name, typ string) string {
	return name + "." + typ
}

// writeProfile persists a profile when a storage dir is set. Caller holds m.mu.
func (m *MockIWD) writeProfile(spec NetworkSpec) {
	if m.storageDir == "" {
		return
	}
	content := "[Settings]\nAutoConnect=true\n"
	if spec.Passphrase != "" {
		content = "[Security]\nPassphrase=" + spec.Passphrase + "\n\n" + content
	}
	p := filepath.Join(m.storageDir, profileName(spec.Name, spec.Type))
	os.MkdirAll(m.storageDir, 0o755)        //nolint:errcheck
	os.WriteFile(p, []byte(content), 0o600) //nolint:errcheck
}

// mockObjectManager serves org.freedesktop.DBus.ObjectManager on "/".
type mockObjectManager struct {
	m *MockIWD
}

func (o *mockObjectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()

	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(o.m.objects))
	for path, obj := range o.m.objects {
		ifaces := make(map[string]map[string]dbus.Variant, len(obj.props))
		for iface, props := range obj.props {
			copied := make(map[string]dbus.Variant, len(props))
			for k, v := range props {
				copied[k] = v
			}
			ifaces[iface] = copied
		}
		out[path] = ifaces
	}
	return out, nil
}

// mockProperties serves org.freedesktop.DBus.Properties for one path.
type mockProperties struct {
	m    *MockIWD
	path dbus.ObjectPath
}

func (p *mockProperties) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	obj, ok := p.m.objects[p.path]
	if !ok {
		return dbus.Variant{}, dbustypes.ErrObjectNotFound(p.path)
	}
	v, ok := obj.props[iface][property]
	if !ok {
		return dbus.Variant{}, dbustypes.ErrPropertyNotFound(iface, property)
	}
	return v, nil
}

func (p *mockProperties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.begin(p.path, dbustypes.PropertiesInterface+".GetAll"); err != nil {
		return nil, err
	}
	obj, ok := p.m.objects[p.path]
	if !ok {
		return nil, dbustypes.ErrObjectNotFound(p.path)
	}
	props, ok := obj.props[iface]
	if !ok {
		return nil, dbustypes.NewDBusError(dbustypes.ErrUnknownInterface, "no interface "+iface)
	}
	out := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out, nil
}

// writable lists settable properties per interface.
var writable = map[string]map[string]bool{
	dbustypes.DeviceInterface:       {"Powered": true, "Mode": true},
	dbustypes.KnownNetworkInterface: {"AutoConnect": true},
	dbustypes.P2PDeviceInterface:    {"Name": true, "Enabled": true},
}

func (p *mockProperties) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface == dbustypes.DeviceInterface && property == "Mode" {
		mode, ok := value.Value().(string)
		if !ok {
			return dbustypes.NewDBusError(dbustypes.ErrInvalidArguments, "mode must be a string")
		}
		return p.m.setMode(p.path, mode)
	}

	p.m.mu.Lock()
	if _, ok := p.m.objects[p.path]; !ok {
		p.m.mu.Unlock()
		return dbustypes.ErrObjectNotFound(p.path)
	}
	if !writable[iface][property] {
		p.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrPropertyReadOnly, property+" is read-only")
	}
	if err := p.m.begin(p.path, iface+".Set"+property); err != nil {
		p.m.mu.Unlock()
		return err
	}
	c := p.m.setProps(p.path, iface, map[string]interface{}{property: value.Value()})
	p.m.mu.Unlock()

	p.m.emitChanges(c)
	return nil
}

// setMode switches a device's mode, swapping its mode interfaces.
func (m *MockIWD) setMode(path dbus.ObjectPath, mode string) *dbus.Error {
	m.mu.Lock()
	dev, ok := m.devices[path]
	if !ok {
		m.mu.Unlock()
		return dbustypes.ErrObjectNotFound(path)
	}
	if err := m.begin(path, dbustypes.DeviceInterface+".SetMode"); err != nil {
		m.mu.Unlock()
		return err
	}
	added := m.modeInterfaces(mode)
	if added == nil {
		m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrInvalidArguments, "unknown mode "+mode)
	}
	if m.propString(path, dbustypes.DeviceInterface, "Mode") == mode {
		m.mu.Unlock()
		return nil
	}

	if dev.connected != nil {
		dev.connected = nil
	}
	removed := m.removeInterfaces(path, modeInterfaceNames)
	payload := m.addObject(path, added, m.deviceHandlers(dev))
	c := m.setProps(path, dbustypes.DeviceInterface, map[string]interface{}{"Mode": mode})
	m.mu.Unlock()

	m.emitRemoved(path, removed)
	m.emitAdded(path, payload)
	m.emitChanges(c)
	return nil
}

// mockAgentManager serves net.connman.iwd.AgentManager.
type mockAgentManager struct {
	m *MockIWD
}

func (a *mockAgentManager) RegisterAgent(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if err := a.m.begin(dbustypes.AgentManagerPath, dbustypes.AgentManagerInterface+".RegisterAgent"); err != nil {
		return err
	}
	if a.m.agent != nil {
		return dbustypes.NewDBusError(dbustypes.ErrAlreadyExists, "agent already registered")
	}
	a.m.agent = &agentRef{sender: string(sender), path: path}
	return nil
}

func (a *mockAgentManager) UnregisterAgent(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	a.m.mu.Lock()
	if err := a.m.begin(dbustypes.AgentManagerPath, dbustypes.AgentManagerInterface+".UnregisterAgent"); err != nil {
		a.m.mu.Unlock()
		return err
	}
	agent := a.m.agent
	if agent == nil || agent.path != path || agent.sender != string(sender) {
		a.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "agent not registered")
	}
	a.m.agent = nil
	a.m.mu.Unlock()

	a.m.conn.Object(agent.sender, agent.path).Go(dbustypes.AgentInterface+".Release", dbus.FlagNoReplyExpected, nil)
	return nil
}

// AgentRegistered reports whether a credential agent is registered.
func (m *MockIWD) AgentRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agent != nil
}

// StartMockIWD registers a fresh mock on its own connection to addr.
func StartMockIWD(t testing.TB, addr string) *MockIWD {
	t.Helper()

	m := NewMockIWD()
	if err := m.Register(Connect(t, addr)); err != nil {
		t.Fatalf("register mock iwd: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}
