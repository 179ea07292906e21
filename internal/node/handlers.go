package node

import (
	"errors"
	"fmt"
	"strings"

	debugconsole "lanlink/internal/debug_console"
)

var _ debugconsole.Handler = (*Node)(nil)

// Broadcast рассылает text всем клиентам; пустой text отправляет "Server message: N".
func (n *Node) Broadcast(text string) error {
	if n.server == nil {
		return ErrWrongRole
	}
	return n.do(func() error {
		sent := n.server.Broadcast(text)
		n.sink.Print(fmt.Sprintf("Broadcast sent to %d clients", sent))
		return nil
	})
}

func (n *Node) Send(text string) error {
	if n.client == nil {
		return ErrWrongRole
	}
	return n.do(func() error { return n.client.Send(text) })
}

func (n *Node) Ping(id uint32) error {
	if n.client == nil {
		return ErrWrongRole
	}
	return n.do(func() error { return n.client.SendPing(id) })
}

func (n *Node) CloseConnection() error {
	if n.client == nil {
		return ErrWrongRole
	}
	return n.do(n.client.CloseConnection)
}

func (n *Node) Peers() []string {
	peers := n.discovery.Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

func (n *Node) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %s role=%s ticks=%d", n.ID, n.Role, n.ticks.Load())

	err := n.do(func() error {
		switch {
		case n.server != nil:
			fmt.Fprintf(&b, " listening=%s connections=%d", n.server.Addr(), len(n.server.Connections()))
		case n.client != nil:
			fmt.Fprintf(&b, " connection=%s", n.client.State())
			if server, ok := n.client.Server(); ok {
				fmt.Fprintf(&b, " server=%s", server)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrNotRunning):
		b.WriteString(" not running")
	case err != nil:
		b.WriteString(" stopped")
	}
	return b.String()
}
