package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Rule scopes a subscription. Empty fields match anything.
type Rule struct {
	// Sender is only used for the bus-side match rule. Signals carry the
	// sender's unique name, so it is not compared locally.
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	// Arg0 restricts the first string argument, e.g. the interface name of
	// a PropertiesChanged signal.
	Arg0 string
}

func (r Rule) options() []dbus.MatchOption {
	var opts []dbus.MatchOption
	if r.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(r.Sender))
	}
	if r.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(r.Path))
	}
	if r.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(r.Interface))
	}
	if r.Member != "" {
		opts = append(opts, dbus.WithMatchMember(r.Member))
	}
	if r.Arg0 != "" {
		opts = append(opts, dbus.WithMatchArg(0, r.Arg0))
	}
	return opts
}

func (r Rule) matches(sig *dbus.Signal) bool {
	if r.Path != "" && sig.Path != r.Path {
		return false
	}
	if r.Interface != "" || r.Member != "" {
		iface, member := splitName(sig.Name)
		if r.Interface != "" && iface != r.Interface {
			return false
		}
		if r.Member != "" && member != r.Member {
			return false
		}
	}
	if r.Arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}
		arg0, ok := sig.Body[0].(string)
		if !ok || arg0 != r.Arg0 {
			return false
		}
	}
	return true
}

func splitName(name string) (iface, member string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

// Subscription is a registered signal callback. It must be closed when
// its owner is discarded.
type Subscription struct {
	conn   *Conn
	rule   Rule
	fn     func(*dbus.Signal)
	closed atomic.Bool
	once   sync.Once
}

// Subscribe installs a bus match rule and registers fn for signals that
// satisfy rule. Callbacks run on the dispatcher goroutine, one at a time.
func (c *Conn) Subscribe(rule Rule, fn func(*dbus.Signal)) (*Subscription, error) {
	if err := c.conn.AddMatchSignal(rule.options()...); err != nil {
		return nil, fmt.Errorf("add match %s.%s on %s: %w", rule.Interface, rule.Member, rule.Path, err)
	}

	s := &Subscription{conn: c, rule: rule, fn: fn}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

// Close removes the callback and its match rule. Safe to call more than
// once and from inside a callback.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.conn.mu.Lock()
		delete(s.conn.subs, s)
		s.conn.mu.Unlock()
		// Best effort: fails harmlessly once the connection is closed.
		s.conn.conn.RemoveMatchSignal(s.rule.options()...) //nolint:errcheck
	})
}

// Len returns the number of live subscriptions.
func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
