package testutil

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// clientTracker watches NameOwnerChanged and reports clients that left the
// bus, so the mock can drop their agents and discovery requests like iwd
// does.
type clientTracker struct {
	conn      *dbus.Conn
	gone      func(sender string)
	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

func newClientTracker(conn *dbus.Conn, gone func(sender string)) (*clientTracker, error) {
	t := &clientTracker{
		conn:    conn,
		gone:    gone,
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
	); err != nil {
		return nil, err
	}

	conn.Signal(t.signals)
	go t.processSignals()
	return t, nil
}

func (t *clientTracker) processSignals() {
	for {
		select {
		case <-t.done:
			return
		case signal, ok := <-t.signals:
			if !ok {
				// Closed by godbus when the connection closes.
				return
			}
			if signal.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(signal.Body) != 3 {
				continue
			}

			// NameOwnerChanged(name, old_owner, new_owner)
			name, ok1 := signal.Body[0].(string)
			oldOwner, ok2 := signal.Body[1].(string)
			newOwner, ok3 := signal.Body[2].(string)
			if !ok1 || !ok2 || !ok3 {
				continue
			}

			// A client left when its unique name loses its owner.
			if name != "" && name[0] == ':' && oldOwner != "" && newOwner == "" {
				t.gone(oldOwner)
			}
		}
	}
}

func (t *clientTracker) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		// Don't close signals: godbus may already have closed it.
		t.conn.RemoveSignal(t.signals)
	})
}

// clientGone drops every registration owned by sender.
func (m *MockIWD) clientGone(sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.agent != nil && m.agent.sender == sender {
		m.agent = nil
	}
	for _, dev := range m.devices {
		if dev.signalAgent != nil && dev.signalAgent.sender == sender {
			dev.signalAgent = nil
		}
	}
	for _, p := range m.p2p {
		delete(p.discovery, sender)
	}
}
