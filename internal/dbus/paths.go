package dbus

import (
	"encoding/hex"
	"strings"

	"github.com/godbus/dbus/v5"
)

// NetworkPath returns the path iwd gives the network named name with
// security type typ under parent. The last element is the hex encoded
// SSID and the type joined by an underscore, e.g.
// /net/connman/iwd/0/1/737369644f70656e_open for ssidOpen.
func NetworkPath(parent dbus.ObjectPath, name, typ string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimSuffix(string(parent), "/") + "/" + hex.EncodeToString([]byte(name)) + "_" + typ)
}

// ParseNetworkPath decodes the SSID and security type from the last
// element of a network or known network path.
func ParseNetworkPath(path dbus.ObjectPath) (name, typ string, ok bool) {
	s := string(path)
	elem := s[strings.LastIndexByte(s, '/')+1:]
	encoded, typ, found := strings.Cut(elem, "_")
	if !found || encoded == "" || typ == "" || len(encoded)%2 != 0 {
		return "", "", false
	}

	var result strings.Builder
	result.Grow(len(encoded) / 2)
	for i := 0; i < len(encoded); i += 2 {
		b, valid := decodeHex(encoded[i : i+2])
		if !valid {
			return "", "", false
		}
		result.WriteByte(b)
	}
	return result.String(), typ, true
}

// decodeHex decodes a two-character hex string to a byte.
func decodeHex(s string) (byte, bool) {
	if len(s) != 2 {
		return 0, false
	}

	high, ok1 := hexValue(s[0])
	low, ok2 := hexValue(s[1])
	if !ok1 || !ok2 {
		return 0, false
	}

	return high<<4 | low, true
}

// hexValue returns the numeric value of a hex digit.
func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
