// Package node собирает узел: обнаружение, клиент или сервер в зависимости
// от роли, журнал пиров, метрики и цикл тиков.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"lanlink/internal/config"
	debugconsole "lanlink/internal/debug_console"
	discoverymanager "lanlink/internal/discovery_manager"
	multicastdiscovery "lanlink/internal/discovery_manager/discovery_mechanism/multicast_discovery"
	discoverymodels "lanlink/internal/discovery_manager/models"
	lanclient "lanlink/internal/lan_client"
	lanserver "lanlink/internal/lan_server"
	"lanlink/internal/metrics"
	peerstorage "lanlink/internal/storage/peer_storage"
	"lanlink/internal/util/logger/sl"
	"lanlink/internal/watcher"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWrongRole      = errors.New("command is not available for this role")
	ErrNodeStopped    = errors.New("node is stopped")
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
)

type Node struct {
	ID   uuid.UUID
	Role discoverymodels.Role

	log   *slog.Logger
	cfg   *config.Config
	clock clock.Clock
	sink  debugconsole.Sink

	console     *debugconsole.Console
	metrics     *metrics.Metrics
	peerBook    peerstorage.Store
	recorder    *peerstorage.Recorder
	multicastOp []multicastdiscovery.Option

	discovery *discoverymanager.PeerDiscoveryManager
	client    *lanclient.Client
	server    *lanserver.Server

	commands chan func()
	stopped  chan struct{}
	running  atomic.Bool
	ticks    atomic.Uint64
	stopOnce sync.Once
}

type Option func(*Node)

func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithSink направляет строки узла в sink вместо консоли.
func WithSink(s debugconsole.Sink) Option {
	return func(n *Node) { n.sink = s }
}

// WithConsole выводит строки узла в консоль; Run крутит её вывод.
func WithConsole(c *debugconsole.Console) Option {
	return func(n *Node) {
		n.console = c
		n.sink = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithPeerBook включает запись обнаруженных пиров в store.
func WithPeerBook(store peerstorage.Store) Option {
	return func(n *Node) { n.peerBook = store }
}

// WithMulticastOptions передаётся в multicast-механизм (сокеты, интерфейсы, lock).
func WithMulticastOptions(opts ...multicastdiscovery.Option) Option {
	return func(n *Node) { n.multicastOp = append(n.multicastOp, opts...) }
}

func New(cfg *config.Config, log *slog.Logger, opts ...Option) *Node {
	n := &Node{
		ID:       uuid.New(),
		cfg:      cfg,
		clock:    clock.New(),
		sink:     debugconsole.Discard,
		commands: make(chan func()),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.Role = discoverymodels.DetectRole(discoverymodels.Capabilities{
		XRDevicePresent: cfg.Role.XRDevice,
		Mobile:          cfg.Role.Mobile,
		ForceClient:     cfg.Role.ForceClient,
	})
	n.log = log.With(slog.String("node_id", n.ID.String()), slog.String("role", n.Role.String()))

	dmOpts := []discoverymanager.Option{
		discoverymanager.WithSink(n.sink),
		discoverymanager.WithQuietDiagnostics(cfg.Discovery.Quiet),
	}
	if n.metrics != nil {
		dmOpts = append(dmOpts, discoverymanager.WithMetrics(n.metrics))
		n.multicastOp = append(n.multicastOp, multicastdiscovery.WithMetrics(n.metrics))
	}
	n.multicastOp = append([]multicastdiscovery.Option{multicastdiscovery.WithClock(n.clock)}, n.multicastOp...)

	n.discovery = discoverymanager.NewPeerDiscoveryManager(&discoverymodels.PeerDiscoveryConfig{
		MulticastGroup:    cfg.Discovery.Group,
		Port:              cfg.Discovery.Port,
		DiscoveryInterval: cfg.Discovery.Interval,
		Payload:           []byte(cfg.Discovery.Payload),
		Role:              n.Role,
	}, n.log, dmOpts...)

	if n.Role.IsServer() {
		var srvOpts []lanserver.Option
		if n.metrics != nil {
			srvOpts = append(srvOpts, lanserver.WithMetrics(n.metrics))
		}
		n.server = lanserver.New(n.log, n.sink, lanserver.Config{Port: uint16(cfg.Server.Port)}, srvOpts...)
	} else {
		n.client = lanclient.New(n.log, n.sink, uint16(cfg.Server.Port))
		n.discovery.RegisterObserver(n.client.OnPeerDiscovered)
	}

	if n.peerBook != nil {
		n.recorder = peerstorage.NewRecorder(n.peerBook, n.log, n.clock, 0)
		n.discovery.RegisterObserver(n.recorder.Observe)
	}

	return n
}

// Discovery менеджер обнаружения узла.
func (n *Node) Discovery() *discoverymanager.PeerDiscoveryManager {
	return n.discovery
}

// Run запускает узел и блокируется до отмены ctx.
func (n *Node) Run(ctx context.Context) error {
	const op = "node.Run"
	log := n.log.With(slog.String("op", op))

	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	log.Info("Starting node", slog.String("name", n.cfg.Name))
	n.sink.Print("Is Host: " + fmt.Sprint(n.Role.IsServer()))

	if n.server != nil {
		// без сервера узел продолжает работать, обнаружение всё равно нужно
		if err := n.server.Start(); err != nil {
			log.Error("Server is not started", sl.Err(err))
		}
	}

	n.discovery.RegisterDiscoveryMechanism(n.discovery.NewMulticast(n.multicastOp...))
	n.discovery.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.discovery.RunDiagnostics(gctx)
		return nil
	})

	if n.console != nil {
		g.Go(func() error {
			n.console.Run(gctx)
			return nil
		})
	}

	if n.recorder != nil {
		g.Go(func() error { return n.recorder.Run(gctx) })
	}

	if n.metrics != nil && n.cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := n.metrics.Serve(gctx, n.cfg.MetricsAddr, n.log); err != nil {
				// метрики необязательны
				log.Error("Metrics server failed", sl.Err(err))
			}
			return nil
		})
	}

	if n.server != nil && n.cfg.BroadcastFile != "" {
		bw, err := watcher.NewBroadcastWatcher(n.cfg.BroadcastFile, n.broadcastFromFile, watcher.Config{
			Logger: n.log,
		})
		if err != nil {
			log.Error("Broadcast file is not watched", slog.String("path", n.cfg.BroadcastFile), sl.Err(err))
		} else {
			g.Go(func() error {
				return n.watchErrors(gctx, bw)
			})
		}
	}

	g.Go(func() error { return n.runTicks(gctx) })

	err := g.Wait()
	log.Info("Node stopped", slog.Uint64("ticks", n.ticks.Load()))
	return err
}

func (n *Node) watchErrors(ctx context.Context, bw *watcher.BroadcastWatcher) error {
	log := n.log.With(slog.String("op", "node.watchErrors"))
	for {
		select {
		case <-ctx.Done():
			return bw.Close()
		case err := <-bw.Errors():
			log.Warn("Broadcast file error", sl.Err(err))
		}
	}
}

// broadcastFromFile вызывается горутиной watcher, рассылка выполняется в потоке тиков.
func (n *Node) broadcastFromFile(content string) {
	err := n.do(func() error {
		sent := n.server.Broadcast(content)
		n.log.Info("Broadcast file sent", slog.Int("clients", sent))
		return nil
	})
	if err != nil {
		n.log.Debug("Broadcast skipped", sl.Err(err))
	}
}

// runTicks единственная горутина, которая трогает клиент, сервер и их драйверы.
func (n *Node) runTicks(ctx context.Context) error {
	defer n.stopOnce.Do(func() { close(n.stopped) })

	interval := n.cfg.TickInterval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil
		case <-ticker.C:
			n.tick()
		case fn := <-n.commands:
			fn()
		}
	}
}

func (n *Node) tick() {
	n.discovery.Tick()
	if n.client != nil {
		n.client.Tick()
	}
	if n.server != nil {
		n.server.Tick()
	}
	n.ticks.Add(1)
}

// shutdown сначала гасит обнаружение, затем после последнего тика
// освобождает драйверы.
func (n *Node) shutdown() {
	log := n.log.With(slog.String("op", "node.shutdown"))

	n.discovery.Shutdown()
	n.tick()

	if n.client != nil {
		if err := n.client.Close(); err != nil {
			log.Warn("Client close failed", sl.Err(err))
		}
	}
	if n.server != nil {
		if err := n.server.Close(); err != nil {
			log.Warn("Server close failed", sl.Err(err))
		}
	}
}

// do выполняет fn в потоке тиков и ждёт результат. До Run потока тиков
// ещё нет, поэтому возвращается ErrNotRunning.
func (n *Node) do(fn func() error) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	done := make(chan error, 1)
	select {
	case n.commands <- func() { done <- fn() }:
	case <-n.stopped:
		return ErrNodeStopped
	}
	select {
	case err := <-done:
		return err
	case <-n.stopped:
		return ErrNodeStopped
	}
}

// ServerAddr адрес, который слушает сервер узла.
func (n *Node) ServerAddr() (netip.AddrPort, error) {
	if n.server == nil {
		return netip.AddrPort{}, ErrWrongRole
	}
	var addr netip.AddrPort
	err := n.do(func() error {
		addr = n.server.Addr()
		return nil
	})
	return addr, err
}
