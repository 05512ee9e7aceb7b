package daemon

import (
	"fmt"
	"net"
	"os"
)

// SdNotify sends a state notification to systemd via NOTIFY_SOCKET. It
// returns false without error outside systemd.
func SdNotify(state string) (bool, error) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return false, nil
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return false, fmt.Errorf("sd-notify dial %s: %w", socket, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return false, fmt.Errorf("sd-notify write: %w", err)
	}
	return true, nil
}
