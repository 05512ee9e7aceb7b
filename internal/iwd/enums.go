package iwd

// DeviceState is the connection state reported by a station.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateConnected
	StateDisconnected
	StateConnecting
	StateDisconnecting
	StateRoaming
)

var deviceStates = map[string]DeviceState{
	"connected":     StateConnected,
	"disconnected":  StateDisconnected,
	"connecting":    StateConnecting,
	"disconnecting": StateDisconnecting,
	"roaming":       StateRoaming,
}

// ParseDeviceState maps the wire value to a DeviceState.
func ParseDeviceState(s string) (DeviceState, bool) {
	st, ok := deviceStates[s]
	return st, ok
}

func (s DeviceState) String() string {
	for name, st := range deviceStates {
		if st == s {
			return name
		}
	}
	return "unknown"
}

// NetworkType is the security type of a network.
type NetworkType int

const (
	NetworkUnknown NetworkType = iota
	NetworkOpen
	NetworkPSK
	NetworkEAP
	NetworkHotspot
)

var networkTypes = map[string]NetworkType{
	"open":    NetworkOpen,
	"psk":     NetworkPSK,
	"8021x":   NetworkEAP,
	"hotspot": NetworkHotspot,
}

// ParseNetworkType maps the wire value to a NetworkType.
func ParseNetworkType(s string) (NetworkType, bool) {
	t, ok := networkTypes[s]
	return t, ok
}

func (t NetworkType) String() string {
	for name, nt := range networkTypes {
		if nt == t {
			return name
		}
	}
	return "unknown"
}

// DeviceMode is the operating mode of a device.
type DeviceMode int

const (
	ModeUnknown DeviceMode = iota
	ModeStation
	ModeAP
	ModeAdHoc
)

var deviceModes = map[string]DeviceMode{
	"station": ModeStation,
	"ap":      ModeAP,
	"ad-hoc":  ModeAdHoc,
}

// ParseDeviceMode maps the wire value to a DeviceMode.
func ParseDeviceMode(s string) (DeviceMode, bool) {
	m, ok := deviceModes[s]
	return m, ok
}

func (m DeviceMode) String() string {
	for name, dm := range deviceModes {
		if dm == m {
			return name
		}
	}
	return "unknown"
}
