package iwd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/agent"
	"github.com/nikicat/iwd-harness/internal/bus"
	"github.com/nikicat/iwd-harness/internal/daemon"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/faults"
	"github.com/nikicat/iwd-harness/internal/logging"
	"github.com/nikicat/iwd-harness/internal/nmconflict"
	"github.com/nikicat/iwd-harness/internal/storage"
	"github.com/nikicat/iwd-harness/internal/wait"
)

// DefaultStartupTimeout bounds the wait for the daemon's bus name.
const DefaultStartupTimeout = 20 * time.Second

// ErrAgentRegistered is returned when a credential agent is already
// registered through this harness.
var ErrAgentRegistered = errors.New("agent already registered")

// Options configures Open.
type Options struct {
	// Address is the bus address. Empty means the system bus.
	Address string

	// StartDaemon launches Daemon before waiting for the bus name.
	StartDaemon bool
	Daemon      daemon.Config

	// StartupTimeout defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration
	// ConditionTimeout is the bound used by WaitForObjectCondition when
	// the caller passes zero. Zero means wait.DefaultTimeout.
	ConditionTimeout time.Duration

	StorageDir string
	// ReleaseFromNM lists interfaces to take away from NetworkManager
	// before the daemon starts.
	ReleaseFromNM []string

	Logger *logging.Logger
}

// Harness is a session with the daemon: the bus connection, the object
// registry and the optional daemon process.
type Harness struct {
	conn     *bus.Conn
	proc     *daemon.Process
	registry *Registry
	storage  *storage.Dir
	logger   *logging.Logger

	conditionTimeout time.Duration

	mu    sync.Mutex
	agent *agent.PSKAgent

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the bus, optionally launches the daemon, waits for its
// bus name and builds the object registry.
func Open(ctx context.Context, opts Options) (*Harness, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(nil, "harness")
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.StorageDir == "" {
		opts.StorageDir = storage.DefaultDir
	}

	conn, err := bus.Connect(opts.Address, logger.WithComponent("bus"))
	if err != nil {
		return nil, err
	}
	h := &Harness{
		conn:             conn,
		storage:          storage.New(opts.StorageDir),
		logger:           logger,
		conditionTimeout: opts.ConditionTimeout,
	}

	if err := nmconflict.Release(ctx, conn, opts.ReleaseFromNM, logger.WithComponent("nmconflict")); err != nil {
		h.Close()
		return nil, err
	}

	if opts.StartDaemon {
		cfg := opts.Daemon
		cfg.Exclusive = true
		if cfg.StorageDir == "" {
			cfg.StorageDir = opts.StorageDir
		}
		h.proc, err = daemon.Start(ctx, cfg)
		if err != nil {
			h.Close()
			return nil, err
		}
	}

	if err := daemon.WaitForName(ctx, conn, dbustypes.BusName, opts.StartupTimeout); err != nil {
		h.Close()
		return nil, err
	}

	h.registry, err = NewRegistry(ctx, conn)
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// Conn returns the harness's bus connection.
func (h *Harness) Conn() *bus.Conn {
	return h.conn
}

// Registry returns the device registry.
func (h *Harness) Registry() *Registry {
	return h.registry
}

// Storage returns the daemon's storage directory.
func (h *Harness) Storage() *storage.Dir {
	return h.storage
}

// Process returns the daemon launched by Open, or nil.
func (h *Harness) Process() *daemon.Process {
	return h.proc
}

// ListDevices waits until at least n devices exist and returns all of
// them sorted by path.
func (h *Harness) ListDevices(ctx context.Context, n int, timeout time.Duration) ([]*Device, error) {
	cond := wait.Func(fmt.Sprintf("at least %d devices", n), func() bool {
		return h.registry.Len() >= n
	})
	if err := wait.For(ctx, h.conn, cond, timeout); err != nil {
		return nil, err
	}
	return h.registry.Devices(), nil
}

// ListP2PDevices waits until at least n P2P devices exist.
func (h *Harness) ListP2PDevices(ctx context.Context, n int, timeout time.Duration) ([]*P2PDevice, error) {
	cond := wait.Func(fmt.Sprintf("at least %d p2p devices", n), func() bool {
		return h.registry.P2PLen() >= n
	})
	if err := wait.For(ctx, h.conn, cond, timeout); err != nil {
		return nil, err
	}
	return h.registry.P2PDevices(), nil
}

// ListKnownNetworks enumerates the stored network profiles. The caller
// closes the returned handles.
func (h *Harness) ListKnownNetworks(ctx context.Context) ([]*KnownNetwork, error) {
	objects, err := GetManagedObjects(ctx, h.conn)
	if err != nil {
		return nil, err
	}

	paths := make([]dbus.ObjectPath, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[dbustypes.KnownNetworkInterface]; ok {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	known := make([]*KnownNetwork, 0, len(paths))
	for _, path := range paths {
		k, err := NewKnownNetwork(ctx, h.conn, path, objects[path][dbustypes.KnownNetworkInterface])
		if err != nil {
			for _, prev := range known {
				prev.Close()
			}
			return nil, err
		}
		known = append(known, k)
	}
	return known, nil
}

// RegisterPSKAgent exports a and registers it with the agent manager.
func (h *Harness) RegisterPSKAgent(ctx context.Context, a *agent.PSKAgent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.agent != nil {
		return ErrAgentRegistered
	}
	if err := a.Export(h.conn); err != nil {
		return err
	}
	if err := h.agentManagerCall(ctx, "RegisterAgent", a.Path()); err != nil {
		a.Unexport()
		return err
	}
	h.agent = a
	return nil
}

// UnregisterPSKAgent unregisters the agent registered through
// RegisterPSKAgent and unexports it. A nil agent means the registered one.
func (h *Harness) UnregisterPSKAgent(ctx context.Context, a *agent.PSKAgent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if a == nil {
		a = h.agent
	}
	if a == nil {
		return nil
	}
	err := h.agentManagerCall(ctx, "UnregisterAgent", a.Path())
	a.Unexport()
	if a == h.agent {
		h.agent = nil
	}
	return err
}

func (h *Harness) agentManagerCall(ctx context.Context, method string, path dbus.ObjectPath) error {
	method = dbustypes.AgentManagerInterface + "." + method
	call := h.conn.Object(dbustypes.AgentManagerPath).CallWithContext(ctx, method, 0, path)
	err := faults.FromError(call.Err)
	h.logger.LogCall(ctx, dbustypes.AgentManagerPath, method, err)
	return err
}

// WaitForObjectCondition blocks until cond holds. A zero timeout uses the
// harness's condition timeout.
func (h *Harness) WaitForObjectCondition(ctx context.Context, cond wait.Condition, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = h.conditionTimeout
	}
	return wait.For(ctx, h.conn, cond, timeout)
}

// Wait sleeps for d regardless of bus activity.
func (h *Harness) Wait(ctx context.Context, d time.Duration) error {
	return wait.Sleep(ctx, d)
}

// Close unregisters the agent, drops every handle, stops a launched
// daemon and closes the bus connection.
func (h *Harness) Close() error {
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		if h.registry != nil {
			if err := h.UnregisterPSKAgent(ctx, nil); err != nil {
				errs = append(errs, err)
			}
			h.registry.Close()
		}
		if h.proc != nil {
			if err := h.proc.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := h.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}
