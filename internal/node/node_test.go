package node

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"lanlink/internal/config"
	multicastdiscovery "lanlink/internal/discovery_manager/discovery_mechanism/multicast_discovery"
	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/metrics"
	"lanlink/internal/util/logger/handlers/slogdiscard"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Print(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *recordingSink) Has(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func testConfig(serverPort int, forceClient bool) *config.Config {
	return &config.Config{
		Env:          "local",
		Name:         "test",
		TickInterval: 5 * time.Millisecond,
		Discovery: config.DiscoveryConfig{
			Group:    "239.255.255.250",
			Port:     47777,
			Interval: time.Hour,
			Payload:  "HELLO",
		},
		Server: config.ServerConfig{Port: serverPort},
		Role:   config.RoleConfig{ForceClient: forceClient},
	}
}

// без интерфейсов multicast не стартует, узел работает дальше
var noInterfaces = multicastdiscovery.WithInterfaces(func() ([]multicastdiscovery.LocalInterface, error) {
	return nil, nil
})

type runningNode struct {
	*Node
	sink   *recordingSink
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startNode(t *testing.T, cfg *config.Config, opts ...Option) *runningNode {
	t.Helper()
	sink := &recordingSink{}
	opts = append([]Option{WithSink(sink), WithMulticastOptions(noInterfaces)}, opts...)
	n := New(cfg, slogdiscard.NewDiscardLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	rn := &runningNode{Node: n, sink: sink, cancel: cancel, done: make(chan struct{})}
	go func() {
		rn.err = n.Run(ctx)
		close(rn.done)
	}()

	t.Cleanup(rn.stop)
	return rn
}

func (rn *runningNode) stop() {
	rn.cancel()
	select {
	case <-rn.done:
	case <-time.After(waitFor):
	}
}

func TestNew_RoleSelection(t *testing.T) {
	tests := []struct {
		name string
		role config.RoleConfig
		want discoverymodels.Role
	}{
		{name: "Desktop is server", want: discoverymodels.RoleServer},
		{name: "Forced client", role: config.RoleConfig{ForceClient: true}, want: discoverymodels.RoleClient},
		{name: "XR device is client", role: config.RoleConfig{XRDevice: true}, want: discoverymodels.RoleClient},
		{name: "Mobile is client", role: config.RoleConfig{Mobile: true}, want: discoverymodels.RoleClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(0, false)
			cfg.Role = tt.role
			n := New(cfg, slogdiscard.NewDiscardLogger())

			assert.Equal(t, tt.want, n.Role)
			assert.Equal(t, tt.want.IsServer(), n.server != nil)
			assert.Equal(t, !tt.want.IsServer(), n.client != nil)
		})
	}
}

func TestNode_ClientFindsServerAndPings(t *testing.T) {
	server := startNode(t, testConfig(0, false), WithMetrics(metrics.New()))

	var addr netip.AddrPort
	require.Eventually(t, func() bool {
		var err error
		addr, err = server.ServerAddr()
		return err == nil && addr.Port() != 0
	}, waitFor, 10*time.Millisecond)

	client := startNode(t, testConfig(int(addr.Port()), true))

	// анонс сервера, как его положил бы multicast-воркер клиента
	client.Discovery().Announcements().Push(discoverymodels.PeerRecord{
		Addr: netip.MustParseAddr("127.0.0.1"),
		Port: 47777,
	})

	require.Eventually(t, func() bool {
		return strings.Contains(client.Status(), "connection=connected")
	}, waitFor, 10*time.Millisecond)
	assert.True(t, client.sink.Has("Server address: 127.0.0.1"))
	assert.True(t, client.sink.Has("Connection status: true"))
	assert.Equal(t, []string{"127.0.0.1:47777 (server=false)"}, client.Peers())

	require.NoError(t, client.Ping(42))
	assert.Eventually(t, func() bool { return client.sink.Has("Client received pong: 42") }, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(server.Status(), "connections=1")
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, server.Broadcast(""))
	assert.Eventually(t, func() bool { return client.sink.Has("Client received: Server message: 0") }, waitFor, 10*time.Millisecond)
	assert.True(t, server.sink.Has("Broadcast sent to 1 clients"))

	require.NoError(t, client.Send("hello from client"))
	assert.Eventually(t, func() bool { return server.sink.Has("Server received: hello from client") }, waitFor, 10*time.Millisecond)

	require.NoError(t, client.CloseConnection())
	assert.Eventually(t, func() bool {
		return strings.Contains(server.Status(), "connections=0")
	}, waitFor, 10*time.Millisecond)
}

func TestNode_WrongRoleCommands(t *testing.T) {
	client := New(testConfig(0, true), slogdiscard.NewDiscardLogger())
	assert.ErrorIs(t, client.Broadcast("x"), ErrWrongRole)
	_, err := client.ServerAddr()
	assert.ErrorIs(t, err, ErrWrongRole)

	server := New(testConfig(0, false), slogdiscard.NewDiscardLogger())
	assert.ErrorIs(t, server.Send("x"), ErrWrongRole)
	assert.ErrorIs(t, server.Ping(1), ErrWrongRole)
	assert.ErrorIs(t, server.CloseConnection(), ErrWrongRole)
}

func TestNode_CommandsBeforeRun(t *testing.T) {
	client := New(testConfig(0, true), slogdiscard.NewDiscardLogger())
	server := New(testConfig(0, false), slogdiscard.NewDiscardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.ErrorIs(t, client.Send("x"), ErrNotRunning)
		assert.ErrorIs(t, client.Ping(1), ErrNotRunning)
		assert.ErrorIs(t, client.CloseConnection(), ErrNotRunning)
		assert.Contains(t, client.Status(), "not running")

		assert.ErrorIs(t, server.Broadcast("x"), ErrNotRunning)
		_, err := server.ServerAddr()
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.Contains(t, server.Status(), "not running")
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("commands before Run must not block")
	}
}

func TestNode_StopsCleanly(t *testing.T) {
	n := startNode(t, testConfig(0, true))

	require.Eventually(t, func() bool { return n.ticks.Load() > 2 }, waitFor, 5*time.Millisecond)

	n.cancel()
	select {
	case <-n.done:
		assert.NoError(t, n.err)
	case <-time.After(waitFor):
		t.Fatal("node did not stop")
	}

	assert.ErrorIs(t, n.Send("late"), ErrNodeStopped)
	assert.Contains(t, n.Status(), "stopped")
	assert.ErrorIs(t, n.Run(context.Background()), ErrAlreadyRunning)
}

func TestNode_PingWithoutServer(t *testing.T) {
	n := startNode(t, testConfig(0, true))
	require.Eventually(t, func() bool { return n.ticks.Load() > 0 }, waitFor, 5*time.Millisecond)

	assert.Error(t, n.Ping(1))
	assert.True(t, n.sink.Has("Is Host: false"))
}
