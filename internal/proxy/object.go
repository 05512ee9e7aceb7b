// Package proxy represents remote iwd objects as local handles with a
// property cache kept current by PropertiesChanged signals.
package proxy

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/bus"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/faults"
)

// Object is a handle on one interface of a remote object.
type Object struct {
	Waiter

	conn  *bus.Conn
	obj   dbus.BusObject
	path  dbus.ObjectPath
	iface string
	props *Properties
	sub   *bus.Subscription
}

// New creates a handle. When props is nil the properties are fetched with
// a synchronous GetAll; a vanished object makes New fail.
//
// The change subscription is installed before the fetch so no notification
// falls between the snapshot and the subscription.
func New(ctx context.Context, conn *bus.Conn, path dbus.ObjectPath, iface string, props map[string]dbus.Variant) (*Object, error) {
	o := &Object{
		conn:  conn,
		obj:   conn.Object(path),
		path:  path,
		iface: iface,
		props: newEmptyProperties(),
	}

	sub, err := conn.Subscribe(bus.Rule{
		Sender:    dbustypes.BusName,
		Path:      path,
		Interface: dbustypes.PropertiesInterface,
		Member:    dbustypes.PropertiesChanged,
		Arg0:      iface,
	}, o.handleChanged)
	if err != nil {
		return nil, err
	}
	o.sub = sub

	if props == nil {
		if err := o.obj.CallWithContext(ctx, dbustypes.PropertiesInterface+".GetAll", 0, iface).Store(&props); err != nil {
			sub.Close()
			err = faults.FromError(err)
			conn.Logger().LogCall(ctx, path, dbustypes.PropertiesInterface+".GetAll", err)
			return nil, fmt.Errorf("get properties of %s on %s: %w", iface, path, err)
		}
	}
	o.props.seed(props)
	return o, nil
}

func (o *Object) handleChanged(sig *dbus.Signal) {
	if sig.Path != o.path || len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != o.iface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	o.props.Apply(changed)
}

// Path returns the object path.
func (o *Object) Path() dbus.ObjectPath {
	return o.path
}

// Interface returns the interface this handle speaks.
func (o *Object) Interface() string {
	return o.iface
}

// Conn returns the bus connection.
func (o *Object) Conn() *bus.Conn {
	return o.conn
}

// Properties returns the live property cache.
func (o *Object) Properties() *Properties {
	return o.props
}

// Go dispatches method on the handle's interface without blocking.
func (o *Object) Go(method string, args ...interface{}) *AsyncOp {
	return o.GoOn(o.iface, method, args...)
}

// GoOn dispatches method on another interface of the same object.
func (o *Object) GoOn(iface, method string, args ...interface{}) *AsyncOp {
	name := iface + "." + method
	call := o.obj.Go(name, 0, make(chan *dbus.Call, 1), args...)
	return newAsyncOp(call, o.path, name, o.conn.Logger())
}

// Call invokes method on the handle's interface and waits for the reply.
func (o *Object) Call(ctx context.Context, method string, args ...interface{}) *dbus.Call {
	return o.CallOn(ctx, o.iface, method, args...)
}

// CallOn invokes method on iface and waits for the reply. The returned
// call's Err is already translated into a *faults.Fault.
func (o *Object) CallOn(ctx context.Context, iface, method string, args ...interface{}) *dbus.Call {
	name := iface + "." + method
	call := o.obj.CallWithContext(ctx, name, 0, args...)
	call.Err = faults.FromError(call.Err)
	o.conn.Logger().LogCall(ctx, o.path, name, call.Err)
	return call
}

// Set writes a property on the handle's interface.
func (o *Object) Set(ctx context.Context, name string, value interface{}) error {
	return o.SetOn(ctx, o.iface, name, value)
}

// SetOn writes a property on iface.
func (o *Object) SetOn(ctx context.Context, iface, name string, value interface{}) error {
	err := o.CallOn(ctx, dbustypes.PropertiesInterface, "Set", iface, name, dbus.MakeVariant(value)).Err
	if err != nil {
		return fmt.Errorf("set %s.%s on %s: %w", iface, name, o.path, err)
	}
	return nil
}

// SubObject returns a handle for another interface of the same object.
func (o *Object) SubObject(ctx context.Context, iface string) (*Object, error) {
	return New(ctx, o.conn, o.path, iface, nil)
}

// String formats the handle for diagnostics.
func (o *Object) String() string {
	return fmt.Sprintf("%s %s %v", o.iface, o.path, o.props.Snapshot())
}

// Close releases the change subscription.
func (o *Object) Close() {
	if o.sub != nil {
		o.sub.Close()
	}
}
