// Package dbus provides D-Bus names and error constants for the iwd API.
package dbus

import "github.com/godbus/dbus/v5"

// Well-known names and paths.
const (
	BusName = "net.connman.iwd"

	// TopLevelPath exposes org.freedesktop.DBus.ObjectManager.
	TopLevelPath = dbus.ObjectPath("/")
	// AgentManagerPath exposes net.connman.iwd.AgentManager.
	AgentManagerPath = dbus.ObjectPath("/net/connman/iwd")

	NetworkManagerBusName = "org.freedesktop.NetworkManager"
)

// Standard freedesktop interfaces.
const (
	ObjectManagerInterface  = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"

	PropertiesChanged = "PropertiesChanged"
	InterfacesAdded   = "InterfacesAdded"
	InterfacesRemoved = "InterfacesRemoved"
)

// iwd interfaces.
const (
	AdapterInterface             = "net.connman.iwd.Adapter"
	AgentInterface               = "net.connman.iwd.Agent"
	AgentManagerInterface        = "net.connman.iwd.AgentManager"
	DeviceInterface              = "net.connman.iwd.Device"
	KnownNetworkInterface        = "net.connman.iwd.KnownNetwork"
	NetworkInterface             = "net.connman.iwd.Network"
	SimpleConfigurationInterface = "net.connman.iwd.SimpleConfiguration"
	SignalLevelAgentInterface    = "net.connman.iwd.SignalLevelAgent"
	AccessPointInterface         = "net.connman.iwd.AccessPoint"
	AdHocInterface               = "net.connman.iwd.AdHoc"
	StationInterface             = "net.connman.iwd.Station"
	P2PDeviceInterface           = "net.connman.iwd.p2p.Device"
	P2PPeerInterface             = "net.connman.iwd.p2p.Peer"
	P2PServiceManagerInterface   = "net.connman.iwd.p2p.ServiceManager"
	P2PDisplayInterface          = "net.connman.iwd.p2p.Display"
)

// ErrorPrefix is the namespace of every iwd error name.
const ErrorPrefix = "net.connman.iwd.Error."

// Error names returned by iwd.
const (
	ErrInProgress         = ErrorPrefix + "InProgress"
	ErrFailed             = ErrorPrefix + "Failed"
	ErrAborted            = ErrorPrefix + "Aborted"
	ErrNotAvailable       = ErrorPrefix + "NotAvailable"
	ErrInvalidArguments   = ErrorPrefix + "InvalidArguments"
	ErrInvalidFormat      = ErrorPrefix + "InvalidFormat"
	ErrAlreadyExists      = ErrorPrefix + "AlreadyExists"
	ErrNotFound           = ErrorPrefix + "NotFound"
	ErrNotSupported       = ErrorPrefix + "NotSupported"
	ErrNoAgent            = ErrorPrefix + "NoAgent"
	ErrNotConnected       = ErrorPrefix + "NotConnected"
	ErrNotConfigured      = ErrorPrefix + "NotConfigured"
	ErrNotImplemented     = ErrorPrefix + "NotImplemented"
	ErrServiceSetOverlap  = ErrorPrefix + "ServiceSetOverlap"
	ErrAlreadyProvisioned = ErrorPrefix + "AlreadyProvisioned"
	ErrNotHidden          = ErrorPrefix + "NotHidden"
	ErrCanceled           = ErrorPrefix + "Canceled"

	ErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
)

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// ErrObjectNotFound returns an UnknownObject error.
func ErrObjectNotFound(path dbus.ObjectPath) *dbus.Error {
	return NewDBusError(ErrUnknownObject, "Object "+string(path)+" does not exist")
}

// ErrPropertyNotFound returns an UnknownProperty error.
func ErrPropertyNotFound(iface, name string) *dbus.Error {
	return NewDBusError(ErrUnknownProperty, "Property "+iface+"."+name+" does not exist")
}
