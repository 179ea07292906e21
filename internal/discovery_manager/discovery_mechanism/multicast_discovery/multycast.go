package multicastdiscovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/queue"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// NewMulticastDiscovery создает новый механизм обнаружения через multicast.
// Найденные пиры попадают в announcements, сообщения о состоянии в diagnostics.
func NewMulticastDiscovery(
	config *discoverymodels.PeerDiscoveryConfig,
	announcements *queue.Dedup[discoverymodels.PeerRecord],
	diagnostics *queue.Queue[string],
	opts ...Option,
) *MulticastDiscovery {
	m := &MulticastDiscovery{
		config:        config,
		announcements: announcements,
		diagnostics:   diagnostics,
		clock:         clock.New(),
		lock:          NoopLock{},
		metrics:       noopMetrics{},
		openSocket:    OpenSocket,
		interfaces:    ListInterfaces,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name возвращает имя механизма
func (m *MulticastDiscovery) Name() string {
	return "multicast"
}

// Start открывает сокеты и запускает воркеры. Повторный вызов возвращает ErrAlreadyStarted.
// Ошибка на отдельном интерфейсе не фатальна: интерфейс пропускается.
func (m *MulticastDiscovery) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	groupAddr, err := netip.ParseAddr(m.config.MulticastGroup)
	if err != nil || !groupAddr.Is4() || !groupAddr.IsMulticast() {
		m.diag("Wrong IP address format: " + m.config.MulticastGroup)
		return fmt.Errorf("%w: %q", ErrInvalidGroup, m.config.MulticastGroup)
	}
	group := netip.AddrPortFrom(groupAddr, uint16(m.config.Port))

	if err := m.lock.Acquire(); err != nil {
		// на части платформ без lock просто не придут пакеты, это не повод не стартовать
		m.diag("Multicast lock not acquired: " + err.Error())
	} else {
		m.acquired.Store(true)
	}

	locals, err := m.interfaces()
	if err != nil {
		m.diag("Error listing interfaces " + err.Error())
		return fmt.Errorf("list interfaces: %w", err)
	}

	m.keepRunning.Store(true)

	opened := 0
	for _, local := range locals {
		conn, err := m.openSocket(ctx, local, group)
		if err != nil {
			m.diag(fmt.Sprintf("Error binding %s: %s", local.Addr, err))
			continue
		}
		m.diag("Bind to: " + local.Addr.String())

		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()

		m.workers.Add(2)
		go m.receive(conn)
		go m.announce(conn, net.UDPAddrFromAddrPort(group))
		opened++
	}

	if opened == 0 {
		return ErrNoInterfaces
	}
	return nil
}

// Stop останавливает воркеры: снимает флаг и закрывает сокеты, что прерывает
// заблокированный ReadFrom. Завершения воркеров не ждёт.
func (m *MulticastDiscovery) Stop() error {
	m.keepRunning.Store(false)

	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	if m.acquired.CompareAndSwap(true, false) {
		err = multierr.Append(err, m.lock.Release())
	}
	return err
}

// Wait блокируется до завершения всех воркеров.
func (m *MulticastDiscovery) Wait() {
	m.workers.Wait()
}

// receive принимает анонсы. Ошибки чтения не останавливают цикл.
func (m *MulticastDiscovery) receive(conn PacketConn) {
	defer m.workers.Done()

	buf := make([]byte, readBufferSize)
	isServer := m.config.Role.IsServer()

	for m.keepRunning.Load() {
		_, from, err := conn.ReadFrom(buf)
		if err != nil {
			m.metrics.DiscoveryError()
			m.diag("Error receiving " + err.Error())
		} else if addr, ok := sourceAddr(from); ok {
			m.metrics.AnnouncementReceived()
			record := discoverymodels.PeerRecord{
				Addr:         addr,
				Port:         uint16(m.config.Port),
				IsServerRole: isServer,
			}
			if m.announcements.Push(record) {
				m.diag("Received " + addr.String())
			}
		}

		m.clock.Sleep(m.config.DiscoveryInterval)
	}
}

// announce раз в интервал отправляет payload в группу.
func (m *MulticastDiscovery) announce(conn PacketConn, group *net.UDPAddr) {
	defer m.workers.Done()

	for m.keepRunning.Load() {
		if _, err := conn.WriteTo(m.config.Payload, group); err != nil {
			m.metrics.DiscoveryError()
			m.diag("Error sending " + err.Error())
		} else {
			m.metrics.AnnouncementSent()
			m.diag("Sent")
		}

		m.clock.Sleep(m.config.DiscoveryInterval)
	}
}

func (m *MulticastDiscovery) diag(s string) {
	if m.diagnostics != nil {
		m.diagnostics.Push(s)
	}
}

func sourceAddr(from net.Addr) (netip.Addr, bool) {
	switch a := from.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return ap.Addr().Unmap(), ap.Addr().IsValid()
	case nil:
		return netip.Addr{}, false
	default:
		ap, err := netip.ParseAddrPort(from.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return ap.Addr().Unmap(), true
	}
}
