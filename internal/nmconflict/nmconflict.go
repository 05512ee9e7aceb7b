// Package nmconflict keeps NetworkManager away from the interfaces iwd
// is tested on.
package nmconflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Wifx/gonetworkmanager"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
	"github.com/nikicat/iwd-harness/internal/logging"
)

// NameOwner reports whether a bus name is owned. *bus.Conn implements it.
type NameOwner interface {
	NameHasOwner(ctx context.Context, name string) (bool, error)
}

// deviceLister is the part of gonetworkmanager.NetworkManager used here.
type deviceLister interface {
	GetDevices() ([]gonetworkmanager.Device, error)
}

var newManager = func() (deviceLister, error) {
	return gonetworkmanager.NewNetworkManager()
}

// Release marks the named interfaces unmanaged by NetworkManager. It does
// nothing when NetworkManager is not on the bus.
func Release(ctx context.Context, owner NameOwner, ifaces []string, logger *logging.Logger) error {
	if len(ifaces) == 0 {
		return nil
	}
	if logger == nil {
		logger = logging.New(nil, "nmconflict")
	}
	running, err := owner.NameHasOwner(ctx, dbustypes.NetworkManagerBusName)
	if err != nil {
		return fmt.Errorf("check NetworkManager: %w", err)
	}
	if !running {
		logger.Debug("NetworkManager not running", "interfaces", ifaces)
		return nil
	}
	nm, err := newManager()
	if err != nil {
		return fmt.Errorf("connect to NetworkManager: %w", err)
	}
	return release(nm, ifaces, logger)
}

func release(nm deviceLister, ifaces []string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.New(nil, "nmconflict")
	}
	devices, err := nm.GetDevices()
	if err != nil {
		return fmt.Errorf("list NetworkManager devices: %w", err)
	}

	wanted := make(map[string]bool, len(ifaces))
	for _, name := range ifaces {
		wanted[name] = true
	}
	for _, d := range devices {
		name, err := d.GetPropertyInterface()
		if err != nil || !wanted[name] {
			continue
		}
		delete(wanted, name)

		managed, err := d.GetPropertyManaged()
		if err != nil {
			return fmt.Errorf("read Managed on %s: %w", name, err)
		}
		if !managed {
			continue
		}
		if err := d.SetPropertyManaged(false); err != nil {
			return fmt.Errorf("unmanage %s: %w", name, err)
		}
		logger.Info("released interface from NetworkManager", "interface", name)
	}

	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for name := range wanted {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return fmt.Errorf("interfaces unknown to NetworkManager: %s", strings.Join(missing, ", "))
	}
	return nil
}
