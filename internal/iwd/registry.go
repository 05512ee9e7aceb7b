package iwd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cskr/pubsub/v2"
	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/bus"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/faults"
	"github.com/nikicat/iwd-harness/internal/logging"
	"github.com/puzpuzpuz/xsync/v3"
)

// Role is the category an object is registered under.
type Role int

const (
	RoleDevice Role = iota
	RoleP2PDevice
)

func (r Role) String() string {
	if r == RoleP2PDevice {
		return "p2p-device"
	}
	return "device"
}

// EventType tells whether an object appeared or went away.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	if t == EventRemoved {
		return "removed"
	}
	return "added"
}

// Event reports a registry change.
type Event struct {
	Type EventType
	Role Role
	Path dbus.ObjectPath
}

const eventsTopic = "objects"

// ManagedObjects is the ObjectManager payload: path → interface → properties.
type ManagedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type handle interface {
	Path() dbus.ObjectPath
	Close()
}

// partition holds the handles of one role.
type partition[T handle] struct {
	items *xsync.MapOf[dbus.ObjectPath, T]
}

func newPartition[T handle]() *partition[T] {
	return &partition[T]{items: xsync.NewMapOf[dbus.ObjectPath, T]()}
}

// upsert stores h, closing any handle it replaces.
func (p *partition[T]) upsert(h T) {
	if old, loaded := p.items.LoadAndStore(h.Path(), h); loaded {
		old.Close()
	}
}

// remove drops and closes the handle at path. Unknown paths are ignored.
func (p *partition[T]) remove(path dbus.ObjectPath) bool {
	old, ok := p.items.LoadAndDelete(path)
	if ok {
		old.Close()
	}
	return ok
}

func (p *partition[T]) get(path dbus.ObjectPath) (T, bool) {
	return p.items.Load(path)
}

func (p *partition[T]) paths() []dbus.ObjectPath {
	var out []dbus.ObjectPath
	p.items.Range(func(path dbus.ObjectPath, _ T) bool {
		out = append(out, path)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// values returns the handles sorted by path.
func (p *partition[T]) values() []T {
	var out []T
	for _, path := range p.paths() {
		if h, ok := p.items.Load(path); ok {
			out = append(out, h)
		}
	}
	return out
}

func (p *partition[T]) len() int {
	return p.items.Size()
}

func (p *partition[T]) clear() {
	p.items.Range(func(path dbus.ObjectPath, h T) bool {
		p.items.Delete(path)
		h.Close()
		return true
	})
}

// Registry tracks the daemon's devices and P2P devices from ObjectManager
// notifications.
type Registry struct {
	conn   *bus.Conn
	logger *logging.Logger

	// mu serializes the initial enumeration, notification handlers and
	// Close. Once closed is set, handlers and Delete do nothing.
	mu      sync.Mutex
	closed  bool
	devices *partition[*Device]
	p2p     *partition[*P2PDevice]

	added   *bus.Subscription
	removed *bus.Subscription
	events  *pubsub.PubSub[string, Event]
}

// ErrRegistryClosed is returned by Delete after Close.
var ErrRegistryClosed = errors.New("registry closed")

// NewRegistry subscribes to object notifications and enumerates the
// daemon's objects once.
func NewRegistry(ctx context.Context, conn *bus.Conn) (*Registry, error) {
	r := &Registry{
		conn:    conn,
		logger:  conn.Logger().WithComponent("registry"),
		devices: newPartition[*Device](),
		p2p:     newPartition[*P2PDevice](),
		events:  pubsub.New[string, Event](16),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	r.added, err = conn.Subscribe(bus.Rule{
		Sender:    dbustypes.BusName,
		Path:      dbustypes.TopLevelPath,
		Interface: dbustypes.ObjectManagerInterface,
		Member:    dbustypes.InterfacesAdded,
	}, r.handleAdded)
	if err != nil {
		r.closeLocked()
		return nil, err
	}
	r.removed, err = conn.Subscribe(bus.Rule{
		Sender:    dbustypes.BusName,
		Path:      dbustypes.TopLevelPath,
		Interface: dbustypes.ObjectManagerInterface,
		Member:    dbustypes.InterfacesRemoved,
	}, r.handleRemoved)
	if err != nil {
		r.closeLocked()
		return nil, err
	}

	objects, err := GetManagedObjects(ctx, conn)
	if err != nil {
		r.closeLocked()
		return nil, err
	}
	for path, ifaces := range objects {
		r.add(ctx, path, ifaces)
	}
	r.logger.Debug("registry populated", "devices", r.devices.len(), "p2p_devices", r.p2p.len())
	return r, nil
}

// GetManagedObjects enumerates every object the daemon exports.
func GetManagedObjects(ctx context.Context, conn *bus.Conn) (ManagedObjects, error) {
	var objects ManagedObjects
	method := dbustypes.ObjectManagerInterface + ".GetManagedObjects"
	err := faults.FromError(conn.Object(dbustypes.TopLevelPath).CallWithContext(ctx, method, 0).Store(&objects))
	conn.Logger().LogCall(ctx, dbustypes.TopLevelPath, method, err)
	if err != nil {
		return nil, fmt.Errorf("enumerate objects: %w", err)
	}
	return objects, nil
}

func (r *Registry) handleAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.add(context.Background(), path, ifaces)
}

func (r *Registry) handleRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.remove(path, ifaces)
}

// add upserts handles for the recognized interfaces in ifaces, using the
// announced properties. Caller holds r.mu.
func (r *Registry) add(ctx context.Context, path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	if props, ok := ifaces[dbustypes.DeviceInterface]; ok {
		d, err := NewDevice(ctx, r.conn, path, props)
		if err != nil {
			r.logger.Warn("device handle failed", "path", path, "error", err)
		} else {
			if st, ok := ifaces[dbustypes.StationInterface]; ok {
				if err := d.attachStation(ctx, st); err != nil {
					r.logger.Warn("station handle failed", "path", path, "error", err)
				}
			}
			r.devices.upsert(d)
			r.publish(EventAdded, RoleDevice, path)
		}
	} else if st, ok := ifaces[dbustypes.StationInterface]; ok {
		// Mode switch back to station on a known device.
		if d, ok := r.devices.get(path); ok {
			if err := d.attachStation(ctx, st); err != nil {
				r.logger.Warn("station handle failed", "path", path, "error", err)
			}
		}
	}

	if props, ok := ifaces[dbustypes.P2PDeviceInterface]; ok {
		p, err := NewP2PDevice(ctx, r.conn, path, props)
		if err != nil {
			r.logger.Warn("p2p device handle failed", "path", path, "error", err)
			return
		}
		r.p2p.upsert(p)
		r.publish(EventAdded, RoleP2PDevice, path)
	}
}

// remove drops handles for the interfaces in ifaces. Caller holds r.mu.
func (r *Registry) remove(path dbus.ObjectPath, ifaces []string) {
	for _, iface := range ifaces {
		switch iface {
		case dbustypes.DeviceInterface:
			if r.devices.remove(path) {
				r.publish(EventRemoved, RoleDevice, path)
			}
		case dbustypes.StationInterface:
			if d, ok := r.devices.get(path); ok {
				d.detachStation()
			}
		case dbustypes.P2PDeviceInterface:
			if r.p2p.remove(path) {
				r.publish(EventRemoved, RoleP2PDevice, path)
			}
		}
	}
}

func (r *Registry) publish(t EventType, role Role, path dbus.ObjectPath) {
	r.logger.Debug("object "+t.String(), "role", role.String(), "path", path)
	r.events.TryPub(Event{Type: t, Role: role, Path: path}, eventsTopic)
}

// Subscribe returns a channel of registry events and a function that
// ends the subscription. Events are dropped when the reader falls behind.
// After Close the channel is already closed.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	ch := r.events.Sub(eventsTopic)
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Shutdown already closed ch. Publishing never blocks on readers,
		// so unsubscribing inline is safe.
		if !r.closed {
			r.events.Unsub(ch, eventsTopic)
		}
	}
}

// Device returns the device at path.
func (r *Registry) Device(path dbus.ObjectPath) (*Device, bool) {
	return r.devices.get(path)
}

// Devices returns all devices sorted by path.
func (r *Registry) Devices() []*Device {
	return r.devices.values()
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	return r.devices.len()
}

// P2PDevice returns the P2P device at path.
func (r *Registry) P2PDevice(path dbus.ObjectPath) (*P2PDevice, bool) {
	return r.p2p.get(path)
}

// P2PDevices returns all P2P devices sorted by path.
func (r *Registry) P2PDevices() []*P2PDevice {
	return r.p2p.values()
}

// P2PLen returns the number of P2P devices.
func (r *Registry) P2PLen() int {
	return r.p2p.len()
}

// Delete asks the daemon to remove the device at path and drops it
// locally. The remote call is best effort.
func (r *Registry) Delete(ctx context.Context, path dbus.ObjectPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("delete %s: %w", path, ErrRegistryClosed)
	}

	d, ok := r.devices.get(path)
	if !ok {
		return fmt.Errorf("delete %s: %w", path, faults.New(faults.NotFound, "no such device"))
	}
	if err := d.Remove(ctx); err != nil {
		r.logger.Warn("remote remove failed", "path", path, "error", err)
	}
	if r.devices.remove(path) {
		r.publish(EventRemoved, RoleDevice, path)
	}
	return nil
}

// Close releases the subscriptions and every handle, and closes the
// event channels. Notifications already queued for dispatch are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

// closeLocked is Close for callers holding r.mu.
func (r *Registry) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	if r.added != nil {
		r.added.Close()
	}
	if r.removed != nil {
		r.removed.Close()
	}
	r.devices.clear()
	r.p2p.clear()
	r.events.Shutdown()
}
