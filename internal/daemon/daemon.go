// Package daemon launches and stops the iwd process and waits for it to
// claim its bus name.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/nikicat/iwd-harness/internal/procutil"
	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// PollInterval is the bus name polling period of WaitForName.
const PollInterval = 100 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Start when an exclusive process of
	// the same name exists.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrStartupTimeout is returned when the daemon never appeared on the bus.
	ErrStartupTimeout = errors.New("daemon failed to start")
)

// Config describes how to launch the daemon.
type Config struct {
	// Binary is the executable name or path.
	Binary string
	Args   []string
	// ConfigDir and StorageDir are passed as CONFIGURATION_DIRECTORY and
	// STATE_DIRECTORY.
	ConfigDir  string
	StorageDir string
	Env        []string
	// Exclusive refuses to start when a process with the binary's name is
	// already running.
	Exclusive   bool
	GracePeriod time.Duration
	Stdout      io.Writer
	Stderr      io.Writer
}

// Process is a launched daemon in its own process group.
type Process struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}
	err   error

	stopOnce sync.Once
	stopErr  error
}

// Start launches the daemon.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	name := filepath.Base(cfg.Binary)
	if cfg.Exclusive && procutil.IsRunning(name) {
		return nil, fault.Wrap(ErrAlreadyRunning,
			fctx.With(ctx, "binary", name),
			ftag.With(ftag.AlreadyExists),
			fmsg.With(name+" requested to start but is already running"),
		)
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.ConfigDir != "" {
		cmd.Env = append(cmd.Env, "CONFIGURATION_DIRECTORY="+cfg.ConfigDir)
	}
	if cfg.StorageDir != "" {
		cmd.Env = append(cmd.Env, "STATE_DIRECTORY="+cfg.StorageDir)
	}
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(err,
			fctx.With(ctx, "binary", cfg.Binary),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot start "+name),
		)
	}

	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	p := &Process{cmd: cmd, grace: grace, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	slog.Info("daemon started", "binary", cfg.Binary, "pid", cmd.Process.Pid)
	return p, nil
}

// PID returns the process ID, which is also the process group ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop terminates the process group: SIGTERM first, SIGKILL after the
// grace period. Safe to call more than once.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})
	return p.stopErr
}

func (p *Process) stop() error {
	pgid := p.PID()

	select {
	case <-p.done:
		return nil
	default:
	}

	// Signal the whole group only while the daemon still leads it.
	target := -pgid
	if procutil.ReadPGID(int32(pgid)) != int32(pgid) {
		slog.Warn("daemon no longer leads its process group", "pid", pgid)
		target = pgid
	}

	if err := unix.Kill(target, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", pgid, err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		slog.Info("daemon stopped", "pid", pgid)
		return nil
	case <-timer.C:
	}

	slog.Warn("daemon ignored SIGTERM, killing", "pid", pgid, "grace", p.grace)
	if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	<-p.done
	return nil
}

// NameOwner reports whether a bus name is owned. *bus.Conn implements it.
type NameOwner interface {
	NameHasOwner(ctx context.Context, name string) (bool, error)
}

// WaitForName polls until name has an owner or timeout elapses.
func WaitForName(ctx context.Context, bus NameOwner, name string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		owned, err := bus.NameHasOwner(ctx, name)
		if err == nil && owned {
			return nil
		}
		lastErr = err

		select {
		case <-ticker.C:
		case <-deadline.C:
			attrs := []string{"bus_name", name, "timeout", timeout.String()}
			if lastErr != nil {
				attrs = append(attrs, "last_error", lastErr.Error())
			}
			return fault.Wrap(ErrStartupTimeout,
				fctx.With(ctx, attrs...),
				ftag.With(ftag.Internal),
				fmsg.WithDesc("startup timeout", name+" did not appear on the bus within "+timeout.String()),
			)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
