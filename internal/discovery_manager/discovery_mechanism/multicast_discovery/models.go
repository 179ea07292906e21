package multicastdiscovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/queue"

	"github.com/benbjohnson/clock"
)

var (
	ErrAlreadyStarted = errors.New("multicast discovery already started")
	ErrInvalidGroup   = errors.New("invalid multicast group address")
	ErrNoInterfaces   = errors.New("no usable IPv4 multicast interfaces")
)

const readBufferSize = 1024

// PacketConn часть net.PacketConn, которая нужна воркерам.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// LocalInterface сетевой интерфейс и его IPv4-адрес, на котором открывается сокет.
type LocalInterface struct {
	Interface *net.Interface
	Addr      netip.Addr
}

// SocketOpener открывает multicast-сокет на интерфейсе и присоединяет его к группе.
type SocketOpener func(ctx context.Context, local LocalInterface, group netip.AddrPort) (PacketConn, error)

// InterfaceLister возвращает интерфейсы, на которых нужно объявлять себя.
type InterfaceLister func() ([]LocalInterface, error)

// MulticastLock разрешение платформы на приём multicast (например, WifiManager.MulticastLock на Android).
type MulticastLock interface {
	Acquire() error
	Release() error
}

// NoopLock используется на платформах, где разрешение не требуется.
type NoopLock struct{}

func (NoopLock) Acquire() error { return nil }
func (NoopLock) Release() error { return nil }

// Metrics счётчики воркеров. Реализация должна быть безопасна для конкурентного вызова.
type Metrics interface {
	AnnouncementSent()
	AnnouncementReceived()
	DiscoveryError()
}

type noopMetrics struct{}

func (noopMetrics) AnnouncementSent()     {}
func (noopMetrics) AnnouncementReceived() {}
func (noopMetrics) DiscoveryError()       {}

// MulticastDiscovery реализует механизм обнаружения через UDP multicast:
// на каждый IPv4-интерфейс один сокет, один приёмник и один анонсер.
type MulticastDiscovery struct {
	config        *discoverymodels.PeerDiscoveryConfig
	announcements *queue.Dedup[discoverymodels.PeerRecord]
	diagnostics   *queue.Queue[string]

	clock      clock.Clock
	lock       MulticastLock
	metrics    Metrics
	openSocket SocketOpener
	interfaces InterfaceLister

	keepRunning atomic.Bool
	started     atomic.Bool
	acquired    atomic.Bool // lock взят, Stop отпускает его ровно один раз
	workers     sync.WaitGroup

	mu    sync.Mutex
	conns []PacketConn
}

type Option func(*MulticastDiscovery)

func WithClock(c clock.Clock) Option {
	return func(m *MulticastDiscovery) { m.clock = c }
}

func WithMulticastLock(l MulticastLock) Option {
	return func(m *MulticastDiscovery) { m.lock = l }
}

func WithMetrics(mt Metrics) Option {
	return func(m *MulticastDiscovery) { m.metrics = mt }
}

func WithSocketOpener(o SocketOpener) Option {
	return func(m *MulticastDiscovery) { m.openSocket = o }
}

func WithInterfaces(l InterfaceLister) Option {
	return func(m *MulticastDiscovery) { m.interfaces = l }
}
