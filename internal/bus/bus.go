// Package bus adapts a godbus connection to the harness: one goroutine
// dispatches every incoming signal to scoped subscriptions, and waiters
// are woken after each dispatched signal.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/logging"
)

// Conn is a bus connection with a single signal dispatcher.
type Conn struct {
	conn   *dbus.Conn
	logger *logging.Logger

	signals   chan *dbus.Signal
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	tickMu sync.Mutex
	tick   chan struct{}
}

// Connect opens a private connection. An empty address means the system bus.
func Connect(address string, logger *logging.Logger) (*Conn, error) {
	opts := []dbus.ConnOption{dbus.WithSignalHandler(dbus.NewSequentialSignalHandler())}

	var conn *dbus.Conn
	var err error
	if address == "" {
		conn, err = dbus.ConnectSystemBus(opts...)
	} else {
		conn, err = dbus.Connect(address, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to D-Bus: %w", err)
	}
	return New(conn, logger), nil
}

// New wraps an established connection and starts the dispatcher. The
// connection should use a sequential signal handler so a slow callback
// never blocks godbus' reader.
func New(conn *dbus.Conn, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.New(nil, "bus")
	}
	c := &Conn{
		conn:    conn,
		logger:  logger,
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
		tick:    make(chan struct{}),
	}
	conn.Signal(c.signals)
	go c.run()
	return c
}

// Raw returns the underlying godbus connection.
func (c *Conn) Raw() *dbus.Conn {
	return c.conn
}

// Logger returns the connection's logger.
func (c *Conn) Logger() *logging.Logger {
	return c.logger
}

// Object returns a remote object of the iwd service.
func (c *Conn) Object(path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(dbustypes.BusName, path)
}

// Export exports v at path for iface on this connection.
func (c *Conn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return c.conn.Export(v, path, iface)
}

// NameHasOwner reports whether the given bus name is currently owned.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var has bool
	err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
	if err != nil {
		return false, fmt.Errorf("NameHasOwner %s: %w", name, err)
	}
	return has, nil
}

// Next returns a channel closed after the next signal has been dispatched.
func (c *Conn) Next() <-chan struct{} {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.tick
}

// Done is closed once the dispatcher has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.stopped
}

func (c *Conn) broadcast() {
	c.tickMu.Lock()
	close(c.tick)
	c.tick = make(chan struct{})
	c.tickMu.Unlock()
}

func (c *Conn) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				// Channel closed by godbus when the connection goes away.
				c.broadcast()
				return
			}
			c.dispatch(sig)
			c.broadcast()
		}
	}
}

func (c *Conn) dispatch(sig *dbus.Signal) {
	c.mu.Lock()
	matched := make([]*Subscription, 0, 4)
	for s := range c.subs {
		if s.rule.matches(sig) {
			matched = append(matched, s)
		}
	}
	c.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	c.logger.LogSignal(context.Background(), sig)
	for _, s := range matched {
		if s.closed.Load() {
			continue
		}
		s.fn(sig)
	}
}

// Close stops the dispatcher, releases all subscriptions and closes the
// connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := make([]*Subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}

		close(c.done)
		// Don't close c.signals: godbus owns it after Signal().
		c.conn.RemoveSignal(c.signals)
		err = c.conn.Close()
		<-c.stopped
	})
	return err
}
