package testutil

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"gopkg.in/yaml.v3"
)

// DeviceScenario is a device and the networks it can see.
type DeviceScenario struct {
	DeviceSpec `yaml:",inline"`
	Networks   []NetworkSpec `yaml:"networks"`
}

// P2PScenario is a P2P device and its peers.
type P2PScenario struct {
	P2PDeviceSpec `yaml:",inline"`
	Peers         []PeerSpec `yaml:"peers"`
}

// Scenario is the initial object tree of a mock daemon.
type Scenario struct {
	StorageDir    string             `yaml:"storage_dir"`
	Devices       []DeviceScenario   `yaml:"devices"`
	KnownNetworks []KnownNetworkSpec `yaml:"known_networks"`
	P2PDevices    []P2PScenario      `yaml:"p2p_devices"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return &s, nil
}

// Apply populates the mock with every object of the scenario and returns
// the device paths in scenario order.
func (m *MockIWD) Apply(s *Scenario) []dbus.ObjectPath {
	if s.StorageDir != "" {
		m.SetStorageDir(s.StorageDir)
	}
	for _, k := range s.KnownNetworks {
		m.AddKnownNetwork(k)
	}
	paths := make([]dbus.ObjectPath, 0, len(s.Devices))
	for _, d := range s.Devices {
		path := m.AddDevice(d.DeviceSpec)
		for _, n := range d.Networks {
			m.AddNetwork(path, n)
		}
		paths = append(paths, path)
	}
	for _, p := range s.P2PDevices {
		path := m.AddP2PDevice(p.P2PDeviceSpec)
		for _, peer := range p.Peers {
			m.AddPeer(path, peer)
		}
	}
	return paths
}
