package proxy

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPropertiesApplyOverwritesAll(t *testing.T) {
	p := NewProperties(map[string]dbus.Variant{
		"Name":    dbus.MakeVariant("wlan0"),
		"Powered": dbus.MakeVariant(false),
	})

	p.Apply(map[string]dbus.Variant{
		"Powered": dbus.MakeVariant(true),
		"Mode":    dbus.MakeVariant("station"),
	})

	if got, _ := p.String("Name"); got != "wlan0" {
		t.Errorf("Name = %q, want wlan0", got)
	}
	if got, _ := p.Bool("Powered"); !got {
		t.Error("Powered = false, want true")
	}
	if got, _ := p.String("Mode"); got != "station" {
		t.Errorf("Mode = %q, want station", got)
	}
	if names := p.Names(); len(names) != 3 || names[0] != "Mode" {
		t.Errorf("Names() = %v", names)
	}
}

func TestPropertiesSeedKeepsNotifiedKeys(t *testing.T) {
	p := newEmptyProperties()

	// A notification racing ahead of the initial fetch.
	p.Apply(map[string]dbus.Variant{"State": dbus.MakeVariant("connecting")})
	p.seed(map[string]dbus.Variant{
		"State": dbus.MakeVariant("disconnected"),
		"Name":  dbus.MakeVariant("wlan0"),
	})

	if got, _ := p.String("State"); got != "connecting" {
		t.Errorf("State = %q, want connecting", got)
	}
	if got, _ := p.String("Name"); got != "wlan0" {
		t.Errorf("Name = %q, want wlan0", got)
	}

	p.Apply(map[string]dbus.Variant{"State": dbus.MakeVariant("connected")})
	if got, _ := p.String("State"); got != "connected" {
		t.Errorf("State after seed = %q, want connected", got)
	}
}

func TestPropertiesSnapshotIsCopy(t *testing.T) {
	p := NewProperties(map[string]dbus.Variant{"Name": dbus.MakeVariant("a")})
	snap := p.Snapshot()
	snap["Name"] = dbus.MakeVariant("b")

	if got, _ := p.String("Name"); got != "a" {
		t.Errorf("cache modified through snapshot: %q", got)
	}
}

func TestPropertiesTypedAccessors(t *testing.T) {
	p := NewProperties(map[string]dbus.Variant{
		"Name":             dbus.MakeVariant("home"),
		"Connected":        dbus.MakeVariant(true),
		"ConnectedNetwork": dbus.MakeVariant(dbus.ObjectPath("/net/connman/iwd/0/1/686f6d65_psk")),
		"ConnectedPeers":   dbus.MakeVariant([]string{"aa:bb", "cc:dd"}),
		"Signal":           dbus.MakeVariant(int16(-6000)),
	})

	if v, err := p.ObjectPath("ConnectedNetwork"); err != nil || v != "/net/connman/iwd/0/1/686f6d65_psk" {
		t.Errorf("ObjectPath = %q, %v", v, err)
	}
	if v, err := p.Strings("ConnectedPeers"); err != nil || len(v) != 2 {
		t.Errorf("Strings = %v, %v", v, err)
	}
	if v, err := p.Int("Signal"); err != nil || v != -6000 {
		t.Errorf("Int = %d, %v", v, err)
	}
	if !p.Has("Connected") || p.Has("Hidden") {
		t.Error("Has reports wrong presence")
	}

	_, err := p.String("Hidden")
	if !errors.Is(err, ErrNoProperty) {
		t.Errorf("missing property error = %v, want ErrNoProperty", err)
	}

	if _, err := p.String("Connected"); err == nil {
		t.Error("expected type mismatch error")
	} else if errors.Is(err, ErrNoProperty) {
		t.Error("type mismatch reported as missing property")
	}

	if _, err := p.Int("Name"); err == nil {
		t.Error("expected error for non-integer property")
	}
}
