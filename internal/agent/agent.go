// Package agent exports the local objects the daemon calls back into:
// the credential agent and the signal level agent.
package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/faults"
)

// PathPrefix is the parent of every agent object path.
const PathPrefix = "/test/agent/"

// NewPath returns a fresh agent object path.
func NewPath() dbus.ObjectPath {
	return dbus.ObjectPath(PathPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Exporter is the part of a bus connection agents need. *bus.Conn and
// *dbus.Conn both implement it.
type Exporter interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
}

// exported tracks where an agent is exported so it can be removed again.
type exported struct {
	mu   sync.Mutex
	conn Exporter
}

func (e *exported) export(conn Exporter, v interface{}, path dbus.ObjectPath, iface string) error {
	if err := conn.Export(v, path, iface); err != nil {
		return fmt.Errorf("export %s on %s: %w", iface, path, err)
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: iface, Methods: introspect.Methods(v)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, dbustypes.IntrospectableInterface); err != nil {
		conn.Export(nil, path, iface) //nolint:errcheck
		return fmt.Errorf("export introspectable on %s: %w", path, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	return nil
}

func (e *exported) unexport(path dbus.ObjectPath, iface string) {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Export(nil, path, iface)                             //nolint:errcheck
	conn.Export(nil, path, dbustypes.IntrospectableInterface) //nolint:errcheck
}

func canceled() *dbus.Error {
	return faults.New(faults.Canceled, "canceled").DBusError()
}

// Credentials is a user name and password pair.
type Credentials struct {
	User     string
	Password string
}

// PSKAgent answers the daemon's credential requests from queued answers.
// An exhausted queue answers Canceled.
type PSKAgent struct {
	path dbus.ObjectPath
	exp  exported

	mu          sync.Mutex
	passphrases []string
	users       []Credentials
	requests    int
	released    bool
	cancelled   []string
}

// NewPSKAgent creates an agent that hands out passphrases and user
// credentials in order.
func NewPSKAgent(passphrases []string, users []Credentials) *PSKAgent {
	return &PSKAgent{
		path:        NewPath(),
		passphrases: append([]string(nil), passphrases...),
		users:       append([]Credentials(nil), users...),
	}
}

// Path returns the agent's object path.
func (a *PSKAgent) Path() dbus.ObjectPath {
	return a.path
}

// Export publishes the agent on conn.
func (a *PSKAgent) Export(conn Exporter) error {
	return a.exp.export(conn, a, a.path, dbustypes.AgentInterface)
}

// Unexport removes the agent from the bus.
func (a *PSKAgent) Unexport() {
	a.exp.unexport(a.path, dbustypes.AgentInterface)
}

// Requests returns how many credential requests were received.
func (a *PSKAgent) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// Released reports whether the daemon released the agent.
func (a *PSKAgent) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Cancellations returns the reasons of received Cancel calls.
func (a *PSKAgent) Cancellations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

func (a *PSKAgent) nextPassphrase() (string, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	if len(a.passphrases) == 0 {
		return "", canceled()
	}
	p := a.passphrases[0]
	a.passphrases = a.passphrases[1:]
	return p, nil
}

func (a *PSKAgent) nextUser() (Credentials, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	if len(a.users) == 0 {
		return Credentials{}, canceled()
	}
	c := a.users[0]
	a.users = a.users[1:]
	return c, nil
}

// Release is called when the daemon unregisters the agent.
func (a *PSKAgent) Release() *dbus.Error {
	a.mu.Lock()
	a.released = true
	a.mu.Unlock()
	slog.Debug("agent released", "path", a.path)
	return nil
}

// Cancel is called when a pending request was aborted.
func (a *PSKAgent) Cancel(reason string) *dbus.Error {
	a.mu.Lock()
	a.cancelled = append(a.cancelled, reason)
	a.mu.Unlock()
	slog.Debug("agent request canceled", "path", a.path, "reason", reason)
	return nil
}

// RequestPassphrase answers a PSK network passphrase request.
func (a *PSKAgent) RequestPassphrase(network dbus.ObjectPath) (string, *dbus.Error) {
	slog.Debug("passphrase requested", "network", network)
	return a.nextPassphrase()
}

// RequestPrivateKeyPassphrase answers an EAP private key passphrase request.
func (a *PSKAgent) RequestPrivateKeyPassphrase(network dbus.ObjectPath) (string, *dbus.Error) {
	slog.Debug("private key passphrase requested", "network", network)
	return a.nextPassphrase()
}

// RequestUserNameAndPassword answers an EAP credentials request.
func (a *PSKAgent) RequestUserNameAndPassword(network dbus.ObjectPath) (string, string, *dbus.Error) {
	slog.Debug("user name and password requested", "network", network)
	c, err := a.nextUser()
	if err != nil {
		return "", "", err
	}
	return c.User, c.Password, nil
}

// RequestUserPassword answers a password request for a given user. The
// queued credentials must be for that user.
func (a *PSKAgent) RequestUserPassword(network dbus.ObjectPath, user string) (string, *dbus.Error) {
	slog.Debug("user password requested", "network", network, "user", user)
	c, err := a.nextUser()
	if err != nil {
		return "", err
	}
	if c.User != user {
		return "", canceled()
	}
	return c.Password, nil
}

// LevelHandler receives signal level changes: the station's path and the
// index of the level range the signal is in.
type LevelHandler func(device dbus.ObjectPath, level uint8)

// SignalAgent receives signal level notifications from a station.
type SignalAgent struct {
	path    dbus.ObjectPath
	exp     exported
	handler LevelHandler

	mu       sync.Mutex
	released bool
}

// NewSignalAgent creates a signal level agent calling handler on changes.
func NewSignalAgent(handler LevelHandler) *SignalAgent {
	return &SignalAgent{path: NewPath(), handler: handler}
}

// Path returns the agent's object path.
func (a *SignalAgent) Path() dbus.ObjectPath {
	return a.path
}

// Export publishes the agent on conn.
func (a *SignalAgent) Export(conn Exporter) error {
	return a.exp.export(conn, a, a.path, dbustypes.SignalLevelAgentInterface)
}

// Unexport removes the agent from the bus.
func (a *SignalAgent) Unexport() {
	a.exp.unexport(a.path, dbustypes.SignalLevelAgentInterface)
}

// Released reports whether the daemon released the agent.
func (a *SignalAgent) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Release is called when the station drops the agent.
func (a *SignalAgent) Release() *dbus.Error {
	a.mu.Lock()
	a.released = true
	a.mu.Unlock()
	slog.Debug("signal agent released", "path", a.path)
	return nil
}

// Changed reports a new signal level for device.
func (a *SignalAgent) Changed(device dbus.ObjectPath, level uint8) *dbus.Error {
	if a.handler != nil {
		a.handler(device, level)
	}
	return nil
}
