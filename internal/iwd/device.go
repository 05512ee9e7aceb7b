// Package iwd models the daemon's devices, networks and peers as local
// handles kept current by bus signals.
package iwd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/bus"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/proxy"
	"github.com/nikicat/iwd-harness/internal/wait"
)

// ErrNetworkNotFound is returned when a named network is not in the scan results.
var ErrNetworkNotFound = errors.New("network not found")

// Agent is a local object registered with the daemon.
type Agent interface {
	Path() dbus.ObjectPath
}

// Device is a net.connman.iwd.Device handle. Station properties are
// loaded on first use, or attached by the registry when the daemon
// announces the Station interface.
type Device struct {
	*proxy.Object

	mu      sync.Mutex
	station *proxy.Object
}

// NewDevice creates a device handle. A nil props fetches the properties.
func NewDevice(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, props map[string]dbus.Variant) (*Device, error) {
	obj, err := proxy.New(ctx, conn, path, dbustypes.DeviceInterface, props)
	if err != nil {
		return nil, err
	}
	return &Device{Object: obj}, nil
}

// Name returns the network interface name.
func (d *Device) Name() string {
	s, _ := d.Properties().String("Name")
	return s
}

// Address returns the hardware address.
func (d *Device) Address() string {
	s, _ := d.Properties().String("Address")
	return s
}

// Powered reports whether the interface is up.
func (d *Device) Powered() bool {
	b, _ := d.Properties().Bool("Powered")
	return b
}

// Mode returns the operating mode.
func (d *Device) Mode() DeviceMode {
	s, _ := d.Properties().String("Mode")
	m, _ := ParseDeviceMode(s)
	return m
}

// SetPowered powers the radio up or down.
func (d *Device) SetPowered(ctx context.Context, powered bool) error {
	return d.Set(ctx, "Powered", powered)
}

// SetMode switches the operating mode.
func (d *Device) SetMode(ctx context.Context, mode DeviceMode) error {
	return d.Set(ctx, "Mode", mode.String())
}

// Station returns the Station handle, switching the device into station
// mode first if needed.
func (d *Device) Station(ctx context.Context) (*proxy.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.station != nil {
		return d.station, nil
	}
	if d.Mode() != ModeStation {
		if err := d.SetMode(ctx, ModeStation); err != nil {
			return nil, err
		}
	}
	st, err := d.SubObject(ctx, dbustypes.StationInterface)
	if err != nil {
		return nil, err
	}
	d.station = st
	return st, nil
}

// attachStation installs a Station handle from announced properties. A
// handle loaded since the interface reappeared is already current and is
// kept.
func (d *Device) attachStation(ctx context.Context, props map[string]dbus.Variant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.station != nil {
		return nil
	}
	st, err := proxy.New(ctx, d.Conn(), d.Path(), dbustypes.StationInterface, props)
	if err != nil {
		return err
	}
	d.station = st
	return nil
}

func (d *Device) detachStation() {
	d.mu.Lock()
	st := d.station
	d.station = nil
	d.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// cachedStation returns the Station handle without fetching.
func (d *Device) cachedStation() *proxy.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.station
}

// State returns the station connection state.
func (d *Device) State(ctx context.Context) (DeviceState, error) {
	st, err := d.Station(ctx)
	if err != nil {
		return StateUnknown, err
	}
	s, err := st.Properties().String("State")
	if err != nil {
		return StateUnknown, err
	}
	state, _ := ParseDeviceState(s)
	return state, nil
}

// ConnectedNetwork returns the path of the network being connected or
// connected to, and false when there is none. The cached path is only
// reported while State is connecting, connected or roaming, since the
// daemon invalidates it on disconnect without sending a new value.
func (d *Device) ConnectedNetwork(ctx context.Context) (dbus.ObjectPath, bool, error) {
	state, err := d.State(ctx)
	if err != nil {
		return "", false, err
	}
	switch state {
	case StateConnecting, StateConnected, StateRoaming:
	default:
		return "", false, nil
	}
	st, err := d.Station(ctx)
	if err != nil {
		return "", false, err
	}
	p, err := st.Properties().ObjectPath("ConnectedNetwork")
	if errors.Is(err, proxy.ErrNoProperty) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// Scanning reports whether a scan is in progress.
func (d *Device) Scanning(ctx context.Context) (bool, error) {
	st, err := d.Station(ctx)
	if err != nil {
		return false, err
	}
	return st.Properties().Bool("Scanning")
}

// conditionStation loads the Station handle for a predicate. Predicates
// run on the waiting goroutine, so the first evaluation may hit the bus.
func (d *Device) conditionStation() *proxy.Object {
	if st := d.cachedStation(); st != nil {
		return st
	}
	st, err := d.Station(context.Background())
	if err != nil {
		d.Conn().Logger().Debug("station unavailable", "path", d.Path(), "error", err)
		return nil
	}
	return st
}

// StateIs holds when the station state equals state.
func (d *Device) StateIs(state DeviceState) wait.Condition {
	return wait.Func(fmt.Sprintf("%s state == %s", d.Path(), state), func() bool {
		st := d.conditionStation()
		if st == nil {
			return false
		}
		s, _ := st.Properties().String("State")
		got, _ := ParseDeviceState(s)
		return got == state
	})
}

// ScanningIs holds when the Scanning property equals scanning.
func (d *Device) ScanningIs(scanning bool) wait.Condition {
	return wait.Func(fmt.Sprintf("%s scanning == %t", d.Path(), scanning), func() bool {
		st := d.conditionStation()
		if st == nil {
			return false
		}
		got, err := st.Properties().Bool("Scanning")
		return err == nil && got == scanning
	})
}

// PoweredIs holds when the Powered property equals powered.
func (d *Device) PoweredIs(powered bool) wait.Condition {
	return wait.Func(fmt.Sprintf("%s powered == %t", d.Path(), powered), func() bool {
		got, err := d.Properties().Bool("Powered")
		return err == nil && got == powered
	})
}

// stationCall runs a Station method through the device's waiter.
func (d *Device) stationCall(ctx context.Context, method string, args ...interface{}) error {
	if _, err := d.Station(ctx); err != nil {
		return err
	}
	d.Start(d.GoOn(dbustypes.StationInterface, method, args...))
	return d.Wait(ctx)
}

// Scan schedules a network scan.
func (d *Device) Scan(ctx context.Context) error {
	return d.stationCall(ctx, "Scan")
}

// Disconnect disconnects from the current network.
func (d *Device) Disconnect(ctx context.Context) error {
	return d.stationCall(ctx, "Disconnect")
}

// ConnectHiddenNetwork connects to a hidden network by SSID.
func (d *Device) ConnectHiddenNetwork(ctx context.Context, name string) error {
	return d.stationCall(ctx, "ConnectHiddenNetwork", name)
}

// ConnectHiddenNetworkAsync dispatches ConnectHiddenNetwork without waiting.
func (d *Device) ConnectHiddenNetworkAsync(name string) *proxy.AsyncOp {
	return d.GoOn(dbustypes.StationInterface, "ConnectHiddenNetwork", name)
}

// GetOrderedNetworks returns the networks of the most recent scan in the
// daemon's order. With scanIfNeeded an empty result triggers a scan, and
// the results are read again once it finishes. No networks yields nil.
func (d *Device) GetOrderedNetworks(ctx context.Context, scanIfNeeded bool) ([]*OrderedNetwork, error) {
	networks, err := d.orderedNetworks(ctx)
	if err != nil || len(networks) > 0 || !scanIfNeeded {
		return networks, err
	}

	if err := d.Scan(ctx); err != nil {
		return nil, err
	}
	if err := wait.For(ctx, d.Conn(), d.ScanningIs(true), 0); err != nil {
		return nil, err
	}
	if err := wait.For(ctx, d.Conn(), d.ScanningIs(false), 0); err != nil {
		return nil, err
	}
	return d.orderedNetworks(ctx)
}

func (d *Device) orderedNetworks(ctx context.Context) ([]*OrderedNetwork, error) {
	st, err := d.Station(ctx)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Path   dbus.ObjectPath
		Signal int16
	}
	if err := st.Call(ctx, "GetOrderedNetworks").Store(&entries); err != nil {
		return nil, fmt.Errorf("get ordered networks on %s: %w", d.Path(), err)
	}

	var networks []*OrderedNetwork
	for _, e := range entries {
		n, err := newOrderedNetwork(ctx, d.Conn(), e.Path, e.Signal)
		if err != nil {
			for _, prev := range networks {
				prev.Close()
			}
			return nil, err
		}
		networks = append(networks, n)
	}
	return networks, nil
}

// GetOrderedNetwork returns the scan result named name.
func (d *Device) GetOrderedNetwork(ctx context.Context, name string, scanIfNeeded bool) (*OrderedNetwork, error) {
	networks, err := d.GetOrderedNetworks(ctx, scanIfNeeded)
	if err != nil {
		return nil, err
	}

	var found *OrderedNetwork
	for _, n := range networks {
		if found == nil && n.Name == name {
			found = n
			continue
		}
		n.Close()
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	return found, nil
}

// RegisterSignalAgent asks the station to report signal level changes
// crossing levels (in dBm) to agent.
func (d *Device) RegisterSignalAgent(ctx context.Context, agent Agent, levels []int16) error {
	return d.stationCall(ctx, "RegisterSignalLevelAgent", agent.Path(), levels)
}

// UnregisterSignalAgent removes a signal level agent.
func (d *Device) UnregisterSignalAgent(ctx context.Context, agent Agent) error {
	return d.stationCall(ctx, "UnregisterSignalLevelAgent", agent.Path())
}

// WPSPushButton starts push-button provisioning and waits for the result.
func (d *Device) WPSPushButton(ctx context.Context) error {
	d.Start(d.GoOn(dbustypes.SimpleConfigurationInterface, "PushButton"))
	return d.Wait(ctx)
}

// WPSGeneratePin returns a random PIN from the daemon.
func (d *Device) WPSGeneratePin(ctx context.Context) (string, error) {
	var pin string
	if err := d.CallOn(ctx, dbustypes.SimpleConfigurationInterface, "GeneratePin").Store(&pin); err != nil {
		return "", err
	}
	return pin, nil
}

// WPSStartPin starts PIN provisioning. The result is collected with Wait.
func (d *Device) WPSStartPin(pin string) {
	d.Start(d.GoOn(dbustypes.SimpleConfigurationInterface, "StartPin", pin))
}

// WPSCancel aborts provisioning.
func (d *Device) WPSCancel(ctx context.Context) error {
	d.Start(d.GoOn(dbustypes.SimpleConfigurationInterface, "Cancel"))
	return d.Wait(ctx)
}

// StartAP switches to access point mode and starts a network. An empty
// psk starts the stored profile for ssid.
func (d *Device) StartAP(ctx context.Context, ssid, psk string) error {
	d.detachStation()
	if err := d.SetMode(ctx, ModeAP); err != nil {
		return err
	}
	if psk == "" {
		d.Start(d.GoOn(dbustypes.AccessPointInterface, "StartProfile", ssid))
	} else {
		d.Start(d.GoOn(dbustypes.AccessPointInterface, "Start", ssid, psk))
	}
	return d.Wait(ctx)
}

// StopAP returns the device to station mode.
func (d *Device) StopAP(ctx context.Context) error {
	return d.SetMode(ctx, ModeStation)
}

// StartAdHoc switches to ad-hoc mode and starts an open or PSK network.
func (d *Device) StartAdHoc(ctx context.Context, ssid, psk string) (*AdHocDevice, error) {
	d.detachStation()
	if err := d.SetMode(ctx, ModeAdHoc); err != nil {
		return nil, err
	}
	if psk == "" {
		d.Start(d.GoOn(dbustypes.AdHocInterface, "StartOpen", ssid))
	} else {
		d.Start(d.GoOn(dbustypes.AdHocInterface, "Start", ssid, psk))
	}
	if err := d.Wait(ctx); err != nil {
		return nil, err
	}
	return NewAdHocDevice(ctx, d.Conn(), d.Path())
}

// StopAdHoc returns the device to station mode.
func (d *Device) StopAdHoc(ctx context.Context) error {
	return d.SetMode(ctx, ModeStation)
}

// Remove asks the daemon to remove the device.
func (d *Device) Remove(ctx context.Context) error {
	return d.Call(ctx, "Remove").Err
}

func (d *Device) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", d.Path())
	fmt.Fprintf(&b, "\tName:\t\t%s\n", d.Name())
	fmt.Fprintf(&b, "\tAddress:\t%s\n", d.Address())
	fmt.Fprintf(&b, "\tMode:\t\t%s\n", d.Mode())
	fmt.Fprintf(&b, "\tPowered:\t%t\n", d.Powered())
	if st := d.cachedStation(); st != nil {
		state, _ := st.Properties().String("State")
		fmt.Fprintf(&b, "\tState:\t\t%s\n", state)
		if p, err := st.Properties().ObjectPath("ConnectedNetwork"); err == nil {
			fmt.Fprintf(&b, "\tConnected net:\t%s\n", p)
		}
	}
	return b.String()
}

// Close releases the device's subscriptions.
func (d *Device) Close() {
	d.detachStation()
	d.Object.Close()
}
