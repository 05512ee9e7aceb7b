package iwd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/bus"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/proxy"
	"github.com/nikicat/iwd-harness/internal/wait"
)

// AdHocDevice is the net.connman.iwd.AdHoc interface of a device.
type AdHocDevice struct {
	*proxy.Object
}

// NewAdHocDevice fetches the AdHoc properties of the device at path.
func NewAdHocDevice(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath) (*AdHocDevice, error) {
	obj, err := proxy.New(ctx, conn, path, dbustypes.AdHocInterface, nil)
	if err != nil {
		return nil, err
	}
	return &AdHocDevice{Object: obj}, nil
}

// Started reports whether the ad-hoc network is running.
func (a *AdHocDevice) Started() bool {
	b, _ := a.Properties().Bool("Started")
	return b
}

// ConnectedPeers returns the addresses of connected peers.
func (a *AdHocDevice) ConnectedPeers() []string {
	s, _ := a.Properties().Strings("ConnectedPeers")
	return s
}

func (a *AdHocDevice) String() string {
	return fmt.Sprintf("AdHoc: %s\n\tStarted:\t%t\n\tPeers:\t%v\n", a.Path(), a.Started(), a.ConnectedPeers())
}

// P2PDevice is a net.connman.iwd.p2p.Device handle.
type P2PDevice struct {
	*proxy.Object

	mu        sync.Mutex
	discovery bool
	peers     map[dbus.ObjectPath]*P2PPeer
}

// NewP2PDevice creates a P2P device handle. A nil props fetches the properties.
func NewP2PDevice(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, props map[string]dbus.Variant) (*P2PDevice, error) {
	obj, err := proxy.New(ctx, conn, path, dbustypes.P2PDeviceInterface, props)
	if err != nil {
		return nil, err
	}
	return &P2PDevice{Object: obj, peers: make(map[dbus.ObjectPath]*P2PPeer)}, nil
}

// Name returns the P2P device name.
func (p *P2PDevice) Name() string {
	s, _ := p.Properties().String("Name")
	return s
}

// SetName changes the P2P device name.
func (p *P2PDevice) SetName(ctx context.Context, name string) error {
	return p.Set(ctx, "Name", name)
}

// Enabled reports whether P2P is enabled.
func (p *P2PDevice) Enabled() bool {
	b, _ := p.Properties().Bool("Enabled")
	return b
}

// SetEnabled enables or disables P2P.
func (p *P2PDevice) SetEnabled(ctx context.Context, enabled bool) error {
	return p.Set(ctx, "Enabled", enabled)
}

// DiscoveryRequested reports whether this handle holds a discovery request.
func (p *P2PDevice) DiscoveryRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discovery
}

// SetDiscovery requests or releases peer discovery. Repeating the current
// state is a no-op.
func (p *P2PDevice) SetDiscovery(ctx context.Context, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.discovery == on {
		return nil
	}
	method := "ReleaseDiscovery"
	if on {
		method = "RequestDiscovery"
	}
	if err := p.Call(ctx, method).Err; err != nil {
		return err
	}
	p.discovery = on
	return nil
}

// GetPeers returns the currently visible peers. Handles for peers seen by
// a previous call are reused; peers no longer visible are closed.
func (p *P2PDevice) GetPeers(ctx context.Context) ([]*P2PPeer, error) {
	var entries []struct {
		Path dbus.ObjectPath
		RSSI int16
	}
	if err := p.Call(ctx, "GetPeers").Store(&entries); err != nil {
		return nil, fmt.Errorf("get peers on %s: %w", p.Path(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.peers
	p.peers = make(map[dbus.ObjectPath]*P2PPeer, len(entries))
	for _, e := range entries {
		peer, ok := old[e.Path]
		if ok {
			delete(old, e.Path)
		} else {
			var err error
			peer, err = NewP2PPeer(ctx, p.Conn(), e.Path, nil)
			if err != nil {
				p.peers = old
				return nil, err
			}
		}
		peer.RSSI = e.RSSI
		p.peers[e.Path] = peer
	}
	for _, gone := range old {
		gone.Close()
	}

	peers := make([]*P2PPeer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Path() < peers[j].Path() })
	return peers, nil
}

func (p *P2PDevice) String() string {
	return fmt.Sprintf("P2P Device: %s\n\tName:\t%s\n\tEnabled:\t%t\n", p.Path(), p.Name(), p.Enabled())
}

// Close releases the device and its peer handles.
func (p *P2PDevice) Close() {
	p.mu.Lock()
	for _, peer := range p.peers {
		peer.Close()
	}
	p.peers = nil
	p.mu.Unlock()
	p.Object.Close()
}

// P2PPeer is a net.connman.iwd.p2p.Peer handle.
type P2PPeer struct {
	*proxy.Object

	// RSSI is the value reported by the last GetPeers call.
	RSSI int16
}

// NewP2PPeer creates a peer handle.
func NewP2PPeer(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, props map[string]dbus.Variant) (*P2PPeer, error) {
	obj, err := proxy.New(ctx, conn, path, dbustypes.P2PPeerInterface, props)
	if err != nil {
		return nil, err
	}
	return &P2PPeer{Object: obj}, nil
}

func (p *P2PPeer) str(name string) string {
	s, _ := p.Properties().String(name)
	return s
}

// Name returns the peer's device name.
func (p *P2PPeer) Name() string { return p.str("Name") }

// Category returns the WSC primary device category.
func (p *P2PPeer) Category() string { return p.str("DeviceCategory") }

// Subcategory returns the WSC device subcategory.
func (p *P2PPeer) Subcategory() string { return p.str("DeviceSubcategory") }

// ConnectedInterface returns the local interface of the P2P group.
func (p *P2PPeer) ConnectedInterface() string { return p.str("ConnectedInterface") }

// ConnectedIP returns the peer's address in the group.
func (p *P2PPeer) ConnectedIP() string { return p.str("ConnectedIP") }

// Connected reports whether a group with the peer is up.
func (p *P2PPeer) Connected() bool {
	b, _ := p.Properties().Bool("Connected")
	return b
}

// ConnectAsync starts WSC provisioning with the peer: push button when
// pin is empty, PIN otherwise.
func (p *P2PPeer) ConnectAsync(pin string) *proxy.AsyncOp {
	if pin == "" {
		return p.GoOn(dbustypes.SimpleConfigurationInterface, "PushButton")
	}
	return p.GoOn(dbustypes.SimpleConfigurationInterface, "StartPin", pin)
}

// Connect provisions a connection and returns the local interface and
// peer address once the peer reports Connected.
func (p *P2PPeer) Connect(ctx context.Context, pin string) (iface, ip string, err error) {
	p.Start(p.ConnectAsync(pin))
	if err := p.Wait(ctx); err != nil {
		return "", "", err
	}
	if err := wait.For(ctx, p.Conn(), wait.Func("peer connected", p.Connected), 0); err != nil {
		return "", "", err
	}
	return p.ConnectedInterface(), p.ConnectedIP(), nil
}

// Disconnect tears down the group.
func (p *P2PPeer) Disconnect(ctx context.Context) error {
	return p.Call(ctx, "Disconnect").Err
}

func (p *P2PPeer) String() string {
	return fmt.Sprintf("P2P Peer: %s\n\tName:\t%s\n\tCategory:\t%s/%s\n\tConnected:\t%t\n",
		p.Path(), p.Name(), p.Category(), p.Subcategory(), p.Connected())
}
