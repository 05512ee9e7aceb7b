package testutil

import (
	"encoding/hex"
	"fmt"
	"net"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
)

// P2PDeviceSpec describes a mock P2P device.
type P2PDeviceSpec struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// PeerSpec describes a P2P peer seen by a mock P2P device.
type PeerSpec struct {
	Name        string `yaml:"name"`
	Address     string `yaml:"address"`
	Category    string `yaml:"category"`
	Subcategory string `yaml:"subcategory"`
	RSSI        int16  `yaml:"rssi"`
}

type mockP2PDevice struct {
	path      dbus.ObjectPath
	discovery map[string]bool
	peers     []*mockPeer
}

type mockPeer struct {
	path dbus.ObjectPath
	rssi int16
}

// AddP2PDevice adds a P2P device and announces it.
func (m *MockIWD) AddP2PDevice(spec P2PDeviceSpec) dbus.ObjectPath {
	m.mu.Lock()
	m.nextDevice++
	path := dbus.ObjectPath(fmt.Sprintf("/net/connman/iwd/0/%d/p2p", m.nextDevice))
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("p2p-dev-%d", m.nextDevice)
	}
	dev := &mockP2PDevice{path: path, discovery: make(map[string]bool)}
	m.p2p[path] = dev
	payload := m.addObject(path, map[string]map[string]dbus.Variant{
		dbustypes.P2PDeviceInterface: {
			"Name":    dbus.MakeVariant(spec.Name),
			"Enabled": dbus.MakeVariant(spec.Enabled),
		},
	}, map[string]interface{}{
		dbustypes.P2PDeviceInterface: &mockP2PIface{m: m, dev: dev},
	})
	m.mu.Unlock()

	m.emitAdded(path, payload)
	return path
}

// RemoveP2PDevice removes a P2P device and its peers.
func (m *MockIWD) RemoveP2PDevice(path dbus.ObjectPath) {
	m.mu.Lock()
	dev, ok := m.p2p[path]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.p2p, path)
	removals := make(map[dbus.ObjectPath][]string)
	for _, peer := range dev.peers {
		removals[peer.path] = m.removeInterfaces(peer.path, m.interfaceNames(peer.path))
	}
	removed := m.removeInterfaces(path, m.interfaceNames(path))
	m.mu.Unlock()

	for p, ifaces := range removals {
		m.emitRemoved(p, ifaces)
	}
	m.emitRemoved(path, removed)
}

// AddPeer makes a peer visible to a P2P device.
func (m *MockIWD) AddPeer(device dbus.ObjectPath, spec PeerSpec) dbus.ObjectPath {
	m.mu.Lock()
	dev, ok := m.p2p[device]
	if !ok {
		m.mu.Unlock()
		panic("testutil: AddPeer on unknown P2P device " + string(device))
	}
	addr := fmt.Sprintf("0200000001%02x", len(dev.peers))
	if hw, err := net.ParseMAC(spec.Address); err == nil {
		addr = hex.EncodeToString(hw)
	}
	path := dbus.ObjectPath(fmt.Sprintf("%s/%s", device, addr))
	peer := &mockPeer{path: path, rssi: spec.RSSI}
	dev.peers = append(dev.peers, peer)
	payload := m.addObject(path, map[string]map[string]dbus.Variant{
		dbustypes.P2PPeerInterface: {
			"Name":              dbus.MakeVariant(spec.Name),
			"Device":            dbus.MakeVariant(device),
			"DeviceCategory":    dbus.MakeVariant(spec.Category),
			"DeviceSubcategory": dbus.MakeVariant(spec.Subcategory),
			"Connected":         dbus.MakeVariant(false),
		},
		dbustypes.SimpleConfigurationInterface: {},
	}, map[string]interface{}{
		dbustypes.P2PPeerInterface:             &mockPeerIface{m: m, peer: peer},
		dbustypes.SimpleConfigurationInterface: &mockWSC{m: m, path: path, connected: func() { m.connectPeer(peer) }},
	})
	m.mu.Unlock()

	m.emitAdded(path, payload)
	return path
}

func (m *MockIWD) connectPeer(peer *mockPeer) {
	m.mu.Lock()
	c := m.setProps(peer.path, dbustypes.P2PPeerInterface, map[string]interface{}{
		"Connected":          true,
		"ConnectedInterface": "p2p-wlan0-0",
		"ConnectedIP":        "192.168.1.2",
	})
	m.mu.Unlock()
	m.emitChanges(c)
}

// DiscoveryRequests returns how many clients hold a discovery request on
// a P2P device.
func (m *MockIWD) DiscoveryRequests(device dbus.ObjectPath) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.p2p[device]; ok {
		return len(dev.discovery)
	}
	return 0
}

// mockP2PIface serves net.connman.iwd.p2p.Device.
type mockP2PIface struct {
	m   *MockIWD
	dev *mockP2PDevice
}

func (p *mockP2PIface) RequestDiscovery(sender dbus.Sender) *dbus.Error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.begin(p.dev.path, dbustypes.P2PDeviceInterface+".RequestDiscovery"); err != nil {
		return err
	}
	if p.dev.discovery[string(sender)] {
		return dbustypes.NewDBusError(dbustypes.ErrAlreadyExists, "discovery already requested")
	}
	p.dev.discovery[string(sender)] = true
	return nil
}

func (p *mockP2PIface) ReleaseDiscovery(sender dbus.Sender) *dbus.Error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.begin(p.dev.path, dbustypes.P2PDeviceInterface+".ReleaseDiscovery"); err != nil {
		return err
	}
	if !p.dev.discovery[string(sender)] {
		return dbustypes.NewDBusError(dbustypes.ErrNotFound, "discovery not requested")
	}
	delete(p.dev.discovery, string(sender))
	return nil
}

type peerEntry struct {
	Path dbus.ObjectPath
	RSSI int16
}

func (p *mockP2PIface) GetPeers() ([]peerEntry, *dbus.Error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.begin(p.dev.path, dbustypes.P2PDeviceInterface+".GetPeers"); err != nil {
		return nil, err
	}
	out := make([]peerEntry, 0, len(p.dev.peers))
	for _, peer := range p.dev.peers {
		out = append(out, peerEntry{Path: peer.path, RSSI: peer.rssi})
	}
	return out, nil
}

// mockPeerIface serves net.connman.iwd.p2p.Peer.
type mockPeerIface struct {
	m    *MockIWD
	peer *mockPeer
}

func (p *mockPeerIface) Disconnect() *dbus.Error {
	p.m.mu.Lock()
	if err := p.m.begin(p.peer.path, dbustypes.P2PPeerInterface+".Disconnect"); err != nil {
		p.m.mu.Unlock()
		return err
	}
	if v, _ := p.m.prop(p.peer.path, dbustypes.P2PPeerInterface, "Connected"); v.Value() != true {
		p.m.mu.Unlock()
		return dbustypes.NewDBusError(dbustypes.ErrNotConnected, "peer not connected")
	}
	c := p.m.setProps(p.peer.path, dbustypes.P2PPeerInterface, map[string]interface{}{"Connected": false},
		"ConnectedInterface", "ConnectedIP")
	p.m.mu.Unlock()
	p.m.emitChanges(c)
	return nil
}
