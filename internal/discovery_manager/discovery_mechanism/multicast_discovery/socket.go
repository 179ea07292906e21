package multicastdiscovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// OpenSocket открывает UDP-сокет с SO_REUSEADDR, отключает multicast loopback
// и присоединяет его к группе на указанном интерфейсе.
func OpenSocket(ctx context.Context, local LocalInterface, group netip.AddrPort) (PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	bind := netip.AddrPortFrom(bindAddress(local.Addr), group.Port())
	conn, err := lc.ListenPacket(ctx, "udp4", bind.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bind, err)
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("disable multicast loopback: %w", err)
	}
	if err := p.SetMulticastInterface(local.Interface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast interface %s: %w", local.Interface.Name, err)
	}
	if err := p.JoinGroup(local.Interface, &net.UDPAddr{IP: group.Addr().AsSlice()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join group %s on %s: %w", group.Addr(), local.Interface.Name, err)
	}

	return conn, nil
}

// ListInterfaces возвращает поднятые multicast-интерфейсы с их IPv4-адресами.
// Loopback пропускается.
func ListInterfaces() ([]LocalInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var locals []LocalInterface
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.Is4() {
				continue
			}
			locals = append(locals, LocalInterface{Interface: ifi, Addr: addr})
		}
	}
	return locals, nil
}
