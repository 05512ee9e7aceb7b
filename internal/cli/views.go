// Package cli renders harness state for the iwd-harness command.
package cli

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/iwd"
)

// DeviceView is the printable state of a device.
type DeviceView struct {
	Path             string `json:"path"`
	Name             string `json:"name"`
	Address          string `json:"address"`
	Mode             string `json:"mode"`
	Powered          bool   `json:"powered"`
	State            string `json:"state,omitempty"`
	ConnectedNetwork string `json:"connected_network,omitempty"`
}

// NewDeviceView captures d. Station state is only read for devices already
// in station mode so that viewing never switches modes.
func NewDeviceView(ctx context.Context, d *iwd.Device) DeviceView {
	v := DeviceView{
		Path:    string(d.Path()),
		Name:    d.Name(),
		Address: d.Address(),
		Mode:    d.Mode().String(),
		Powered: d.Powered(),
	}
	if d.Mode() != iwd.ModeStation {
		return v
	}
	if state, err := d.State(ctx); err == nil {
		v.State = state.String()
	}
	if p, ok, err := d.ConnectedNetwork(ctx); err == nil && ok {
		v.ConnectedNetwork = string(p)
	}
	return v
}

// NetworkView is a printable scan result.
type NetworkView struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Signal    int16  `json:"signal"`
	Connected bool   `json:"connected"`
}

// NewNetworkView captures an ordered network.
func NewNetworkView(n *iwd.OrderedNetwork) NetworkView {
	return NetworkView{
		Path:      string(n.Network.Path()),
		Name:      n.Name,
		Type:      n.Type.String(),
		Signal:    n.SignalStrength,
		Connected: n.Network.Connected(),
	}
}

// KnownView is a printable stored network profile.
type KnownView struct {
	Path          string     `json:"path"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Hidden        bool       `json:"hidden"`
	AutoConnect   bool       `json:"auto_connect"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

// NewKnownView captures a known network.
func NewKnownView(k *iwd.KnownNetwork) KnownView {
	last, _ := k.LastConnectedTime()
	return KnownView{
		Path:          string(k.Path()),
		Name:          k.Name(),
		Type:          k.Type().String(),
		Hidden:        k.Hidden(),
		AutoConnect:   k.AutoConnect(),
		LastConnected: last,
	}
}

// EventView is a printable registry event.
type EventView struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Role string    `json:"role"`
	Path string    `json:"path"`
}

// NewEventView stamps ev with the current time.
func NewEventView(ev iwd.Event) EventView {
	return EventView{
		Time: time.Now(),
		Type: ev.Type.String(),
		Role: ev.Role.String(),
		Path: string(ev.Path),
	}
}

// DumpView is the daemon's object tree with plain property values:
// path → interface → property → value.
type DumpView map[string]map[string]map[string]interface{}

// NewDumpView converts an ObjectManager payload.
func NewDumpView(objects iwd.ManagedObjects) DumpView {
	out := make(DumpView, len(objects))
	for path, ifaces := range objects {
		pv := make(map[string]map[string]interface{}, len(ifaces))
		for iface, props := range ifaces {
			vals := make(map[string]interface{}, len(props))
			for name, v := range props {
				vals[name] = plain(v.Value())
			}
			pv[iface] = vals
		}
		out[string(path)] = pv
	}
	return out
}

// plain unwraps bus-specific types so encoders see strings, numbers,
// slices and maps only.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case dbus.ObjectPath:
		return string(t)
	case []dbus.ObjectPath:
		out := make([]string, len(t))
		for i, p := range t {
			out[i] = string(p)
		}
		return out
	case dbus.Variant:
		return plain(t.Value())
	case map[string]dbus.Variant:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plain(val.Value())
		}
		return out
	}
	return v
}
