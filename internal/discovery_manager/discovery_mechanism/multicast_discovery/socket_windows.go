//go:build windows

package multicastdiscovery

import (
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/sys/windows"
)

func bindAddress(local netip.Addr) netip.Addr {
	return local
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
