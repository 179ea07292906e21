package discoverymanager

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	debugconsole "lanlink/internal/debug_console"
	multicastdiscovery "lanlink/internal/discovery_manager/discovery_mechanism/multicast_discovery"
	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/queue"
	"lanlink/internal/util/logger/sl"
)

// ObserverID идентификатор подписки, нужен для отписки.
type ObserverID uint64

type observerEntry struct {
	id ObserverID
	fn discoverymodels.Observer
}

// PeerDiscoveryManager владеет механизмами обнаружения и очередями событий.
// Tick переносит найденных пиров в поток тиков и раздаёт их наблюдателям.
type PeerDiscoveryManager struct {
	config *discoverymodels.PeerDiscoveryConfig
	log    *slog.Logger
	sink   debugconsole.Sink

	announcements *queue.Dedup[discoverymodels.PeerRecord]
	diagnostics   *queue.Queue[string]
	quiet         bool

	mechanisms     map[string]discoverymodels.DiscoveryMechanism
	mechanismsLock sync.RWMutex

	observersMu sync.Mutex
	observers   []observerEntry
	nextID      ObserverID

	// peers видимые потребителям; записи не устаревают
	peersMu sync.RWMutex
	peers   map[discoverymodels.PeerRecord]struct{}
	metrics Metrics
}

// Metrics счётчик раздачи, реализуется пакетом metrics.
type Metrics interface {
	PeerDispatched()
}

type noopMetrics struct{}

func (noopMetrics) PeerDispatched() {}

type Option func(*PeerDiscoveryManager)

func WithSink(s debugconsole.Sink) Option {
	return func(m *PeerDiscoveryManager) { m.sink = s }
}

func WithMetrics(mt Metrics) Option {
	return func(m *PeerDiscoveryManager) { m.metrics = mt }
}

// WithQuietDiagnostics отключает вывод диагностики воркеров; очередь всё равно вычитывается.
func WithQuietDiagnostics(quiet bool) Option {
	return func(m *PeerDiscoveryManager) { m.quiet = quiet }
}

// NewPeerDiscoveryManager создает новый менеджер обнаружения пиров.
// Механизмы регистрируются отдельно через RegisterDiscoveryMechanism,
// NewMulticast создаёт multicast-механизм на очередях менеджера.
func NewPeerDiscoveryManager(
	config *discoverymodels.PeerDiscoveryConfig,
	log *slog.Logger,
	opts ...Option,
) *PeerDiscoveryManager {
	m := &PeerDiscoveryManager{
		config:        config,
		log:           log.With(slog.String("component", "discovery_manager")),
		sink:          debugconsole.Discard,
		announcements: queue.NewDedup[discoverymodels.PeerRecord](),
		diagnostics:   queue.New[string](),
		mechanisms:    make(map[string]discoverymodels.DiscoveryMechanism),
		peers:         make(map[discoverymodels.PeerRecord]struct{}),
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMulticast создает multicast-механизм, пишущий в очереди менеджера.
func (m *PeerDiscoveryManager) NewMulticast(opts ...multicastdiscovery.Option) *multicastdiscovery.MulticastDiscovery {
	return multicastdiscovery.NewMulticastDiscovery(m.config, m.announcements, m.diagnostics, opts...)
}

// Announcements очередь, в которую механизмы складывают найденных пиров.
func (m *PeerDiscoveryManager) Announcements() *queue.Dedup[discoverymodels.PeerRecord] {
	return m.announcements
}

// Diagnostics очередь диагностических сообщений воркеров.
func (m *PeerDiscoveryManager) Diagnostics() *queue.Queue[string] {
	return m.diagnostics
}

// Start запускает все зарегистрированные механизмы обнаружения
func (m *PeerDiscoveryManager) Start(ctx context.Context) {
	op := "discover_manager.Start"
	log := m.log.With(slog.String("op", op))
	m.mechanismsLock.RLock()
	defer m.mechanismsLock.RUnlock()

	for name, mechanism := range m.mechanisms {
		err := mechanism.Start(ctx)
		if err != nil {
			log.Error("Failed to start discovery mechanism",
				slog.String("mechanism", name),
				sl.Err(err))
		} else {
			log.Info("Started discovery mechanism",
				slog.String("mechanism", name),
				slog.String("role", m.config.Role.String()))
		}
	}
}

// RegisterDiscoveryMechanism регистрирует новый механизм обнаружения
func (m *PeerDiscoveryManager) RegisterDiscoveryMechanism(mechanism discoverymodels.DiscoveryMechanism) {
	op := "discover_manager.RegisterDiscoveryMechanism"
	log := m.log.With(slog.String("op", op))
	m.mechanismsLock.Lock()
	defer m.mechanismsLock.Unlock()

	name := mechanism.Name()
	m.mechanisms[name] = mechanism
	log.Info("Registered discovery mechanism", slog.String("mechanism", name))
}

// UnregisterDiscoveryMechanism удаляет механизм обнаружения
func (m *PeerDiscoveryManager) UnregisterDiscoveryMechanism(name string) {
	op := "discover_manager.UnregisterDiscoveryMechanism"
	log := m.log.With(slog.String("op", op))
	m.mechanismsLock.Lock()
	defer m.mechanismsLock.Unlock()

	if mechanism, exists := m.mechanisms[name]; exists {
		if err := mechanism.Stop(); err != nil {
			log.Warn("Error stopping discovery mechanism", slog.String("mechanism", name), sl.Err(err))
		}
		delete(m.mechanisms, name)
		log.Info("Unregistered discovery mechanism", slog.String("mechanism", name))
	}
}

// RegisterObserver подписывает fn на найденных пиров. Безопасно вызывать
// из самого наблюдателя: изменения вступают в силу со следующего тика.
func (m *PeerDiscoveryManager) RegisterObserver(fn discoverymodels.Observer) ObserverID {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.nextID++
	m.observers = append(m.observers, observerEntry{id: m.nextID, fn: fn})
	return m.nextID
}

func (m *PeerDiscoveryManager) UnregisterObserver(id ObserverID) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	for i, o := range m.observers {
		if o.id == id {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// Tick вычитывает очередь анонсов целиком и вызывает каждого наблюдателя,
// подписанного на момент начала тика, по порядку регистрации.
// Возвращает число разосланных записей.
func (m *PeerDiscoveryManager) Tick() int {
	records := m.announcements.DrainAll()
	if len(records) == 0 {
		return 0
	}

	m.observersMu.Lock()
	snapshot := make([]observerEntry, len(m.observers))
	copy(snapshot, m.observers)
	m.observersMu.Unlock()

	for _, record := range records {
		m.peersMu.Lock()
		m.peers[record] = struct{}{}
		m.peersMu.Unlock()

		m.metrics.PeerDispatched()
		for _, o := range snapshot {
			o.fn(record)
		}
	}
	return len(records)
}

// Peers возвращает всех когда-либо разосланных пиров.
// Ушедшие из сети пиры отсюда не удаляются.
func (m *PeerDiscoveryManager) Peers() []discoverymodels.PeerRecord {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	peers := make([]discoverymodels.PeerRecord, 0, len(m.peers))
	for p := range m.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if c := peers[i].Addr.Compare(peers[j].Addr); c != 0 {
			return c < 0
		}
		if peers[i].Port != peers[j].Port {
			return peers[i].Port < peers[j].Port
		}
		return !peers[i].IsServerRole && peers[j].IsServerRole
	})
	return peers
}

// RunDiagnostics единственный читатель очереди диагностики: пишет в лог и в sink.
func (m *PeerDiscoveryManager) RunDiagnostics(ctx context.Context) {
	log := m.log.With(slog.String("op", "discover_manager.RunDiagnostics"))

	for {
		select {
		case <-ctx.Done():
			m.drainDiagnostics(log)
			return
		case <-m.diagnostics.Ready():
			m.drainDiagnostics(log)
		}
	}
}

func (m *PeerDiscoveryManager) drainDiagnostics(log *slog.Logger) {
	for _, s := range m.diagnostics.DrainAll() {
		if m.quiet {
			continue
		}
		log.Debug(s)
		m.sink.Print(s)
	}
}

// Shutdown останавливает все механизмы обнаружения
func (m *PeerDiscoveryManager) Shutdown() {
	op := "discover_manager.Shutdown"
	log := m.log.With(slog.String("op", op))

	m.mechanismsLock.Lock()
	defer m.mechanismsLock.Unlock()

	for name, mechanism := range m.mechanisms {
		err := mechanism.Stop()
		if err != nil {
			log.Error("Error stopping discovery mechanism",
				slog.String("mechanism", name),
				sl.Err(err))
		}
	}
}
