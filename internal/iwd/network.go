package iwd

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/bus"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/proxy"
	"github.com/nikicat/iwd-harness/internal/wait"
)

// lastConnectedLayout is the daemon's LastConnectedTime format.
const lastConnectedLayout = "2006-01-02T15:04:05Z"

// Network is a net.connman.iwd.Network handle.
type Network struct {
	*proxy.Object
}

// NewNetwork creates a network handle. A nil props fetches the properties.
func NewNetwork(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, props map[string]dbus.Variant) (*Network, error) {
	obj, err := proxy.New(ctx, conn, path, dbustypes.NetworkInterface, props)
	if err != nil {
		return nil, err
	}
	return &Network{Object: obj}, nil
}

// Name returns the SSID.
func (n *Network) Name() string {
	s, _ := n.Properties().String("Name")
	return s
}

// Connected reports whether a device is connected to this network.
func (n *Network) Connected() bool {
	b, _ := n.Properties().Bool("Connected")
	return b
}

// Type returns the security type.
func (n *Network) Type() NetworkType {
	s, _ := n.Properties().String("Type")
	t, _ := ParseNetworkType(s)
	return t
}

// Connect connects to the network and waits for the daemon's reply.
func (n *Network) Connect(ctx context.Context) error {
	n.Start(n.ConnectAsync())
	return n.Wait(ctx)
}

// ConnectAsync dispatches Connect without waiting.
func (n *Network) ConnectAsync() *proxy.AsyncOp {
	return n.Go("Connect")
}

// ConnectedIs holds when the Connected property equals connected.
func (n *Network) ConnectedIs(connected bool) wait.Condition {
	return wait.Func(fmt.Sprintf("%s connected == %t", n.Path(), connected), func() bool {
		return n.Connected() == connected
	})
}

func (n *Network) String() string {
	return fmt.Sprintf("Network: %s\n\tName:\t%s\n\tConnected:\t%t\n", n.Path(), n.Name(), n.Connected())
}

// KnownNetwork is a net.connman.iwd.KnownNetwork handle.
type KnownNetwork struct {
	*proxy.Object
}

// NewKnownNetwork creates a known network handle.
func NewKnownNetwork(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, props map[string]dbus.Variant) (*KnownNetwork, error) {
	obj, err := proxy.New(ctx, conn, path, dbustypes.KnownNetworkInterface, props)
	if err != nil {
		return nil, err
	}
	return &KnownNetwork{Object: obj}, nil
}

// Name returns the SSID.
func (k *KnownNetwork) Name() string {
	s, _ := k.Properties().String("Name")
	return s
}

// Type returns the security type.
func (k *KnownNetwork) Type() NetworkType {
	s, _ := k.Properties().String("Type")
	t, _ := ParseNetworkType(s)
	return t
}

// Hidden reports whether the network is hidden.
func (k *KnownNetwork) Hidden() bool {
	b, _ := k.Properties().Bool("Hidden")
	return b
}

// AutoConnect reports whether the daemon connects to it automatically.
func (k *KnownNetwork) AutoConnect() bool {
	b, _ := k.Properties().Bool("AutoConnect")
	return b
}

// SetAutoConnect toggles automatic connection.
func (k *KnownNetwork) SetAutoConnect(ctx context.Context, on bool) error {
	return k.Set(ctx, "AutoConnect", on)
}

// LastConnectedTime returns when the network was last connected, or nil
// if it never was.
func (k *KnownNetwork) LastConnectedTime() (*time.Time, error) {
	if !k.Properties().Has("LastConnectedTime") {
		return nil, nil
	}
	s, err := k.Properties().String("LastConnectedTime")
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(lastConnectedLayout, s)
	if err != nil {
		return nil, fmt.Errorf("parse LastConnectedTime of %s: %w", k.Path(), err)
	}
	return &t, nil
}

// Forget removes the daemon's stored profile for the network.
func (k *KnownNetwork) Forget(ctx context.Context) error {
	k.Start(k.Go("Forget"))
	return k.Wait(ctx)
}

func (k *KnownNetwork) String() string {
	last := "never"
	if t, err := k.LastConnectedTime(); err == nil && t != nil {
		last = t.Format(time.RFC3339)
	}
	return fmt.Sprintf("Known Network: %s\n\tName:\t%s\n\tType:\t%s\n\tLast connected:\t%s\n",
		k.Path(), k.Name(), k.Type(), last)
}

// OrderedNetwork is a scan result captured at retrieval time. Only the
// embedded Network handle tracks later changes.
type OrderedNetwork struct {
	Network *Network
	Name    string
	// SignalStrength is 100 * dBm, from 0 (strongest) to -10000.
	SignalStrength int16
	Type           NetworkType
}

func newOrderedNetwork(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, signal int16) (*OrderedNetwork, error) {
	n, err := NewNetwork(ctx, conn, path, nil)
	if err != nil {
		return nil, err
	}
	return &OrderedNetwork{
		Network:        n,
		Name:           n.Name(),
		SignalStrength: signal,
		Type:           n.Type(),
	}, nil
}

// Close releases the network handle.
func (o *OrderedNetwork) Close() {
	o.Network.Close()
}

func (o *OrderedNetwork) String() string {
	return fmt.Sprintf("Ordered Network:\n\tName:\t\t%s\n\tNetwork Type:\t%s\n\tSignal Strength:%d\n\tObject:\n%s",
		o.Name, o.Type, o.SignalStrength, o.Network)
}
