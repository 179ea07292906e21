//go:build !windows

package multicastdiscovery

import (
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindAddress: на Linux/macOS привязка к адресу интерфейса не принимает
// пакеты группы, поэтому слушаем 0.0.0.0.
func bindAddress(netip.Addr) netip.Addr {
	return netip.IPv4Unspecified()
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
