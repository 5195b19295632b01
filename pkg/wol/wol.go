// Package wol sends Wake-on-LAN magic packets to suspended worker hosts.
package wol

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultBroadcastAddr is the standard WoL target: UDP broadcast port 9.
const DefaultBroadcastAddr = "255.255.255.255:9"

// MagicPacket builds the 102-byte magic packet for the given MAC address:
// six 0xFF bytes followed by sixteen repetitions of the MAC.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("invalid MAC %q: need 48-bit address", mac)
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// Wake sends the magic packet for mac as a UDP broadcast to addr. An
// empty addr uses DefaultBroadcastAddr. The socket needs SO_BROADCAST
// set before the send, or the kernel refuses broadcast destinations.
func Wake(mac, addr string) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}

	if addr == "" {
		addr = DefaultBroadcastAddr
	}

	dialer := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := dialer.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("failed to send magic packet: %w", err)
	}
	return nil
}
