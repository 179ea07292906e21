package multicastdiscovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/queue"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = time.Second

type datagram struct {
	payload []byte
	from    net.Addr
}

type fakeConn struct {
	incoming  chan datagram
	closed    chan struct{}
	reading   chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	sent   [][]byte
	sentTo []net.Addr
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan datagram, 16),
		closed:   make(chan struct{}),
		reading:  make(chan struct{}, 1),
	}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case c.reading <- struct{}{}:
	default:
	}
	select {
	case d := <-c.incoming:
		return copy(b, d.payload), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	c.sentTo = append(c.sentTo, addr)
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) deliver(ip string, port int) {
	c.incoming <- datagram{
		payload: []byte("HELLO"),
		from:    &net.UDPAddr{IP: net.ParseIP(ip), Port: port},
	}
}

type fakeLock struct {
	acquireErr error
	acquired   int
	released   int
}

func (l *fakeLock) Acquire() error { l.acquired++; return l.acquireErr }
func (l *fakeLock) Release() error { l.released++; return nil }

type testHelper struct {
	md            *MulticastDiscovery
	mock          *clock.Mock
	conns         []*fakeConn
	announcements *queue.Dedup[discoverymodels.PeerRecord]
	diagnostics   *queue.Queue[string]
	diagLog       []string
}

func testLocals(n int) InterfaceLister {
	return func() ([]LocalInterface, error) {
		locals := make([]LocalInterface, 0, n)
		for i := 0; i < n; i++ {
			locals = append(locals, LocalInterface{
				Interface: &net.Interface{Index: i + 1, Name: "eth" + string(rune('0'+i))},
				Addr:      netip.AddrFrom4([4]byte{10, 0, byte(i), 1}),
			})
		}
		return locals, nil
	}
}

func setupTest(t *testing.T, role discoverymodels.Role, interfaces int, opts ...Option) *testHelper {
	t.Helper()

	h := &testHelper{
		mock:          clock.NewMock(),
		announcements: queue.NewDedup[discoverymodels.PeerRecord](),
		diagnostics:   queue.New[string](),
	}

	cfg := &discoverymodels.PeerDiscoveryConfig{
		MulticastGroup:    "239.255.255.250",
		Port:              47777,
		DiscoveryInterval: testInterval,
		Payload:           []byte("HELLO"),
		Role:              role,
	}

	var mu sync.Mutex
	opener := func(_ context.Context, _ LocalInterface, _ netip.AddrPort) (PacketConn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn()
		h.conns = append(h.conns, c)
		return c, nil
	}

	base := []Option{
		WithClock(h.mock),
		WithSocketOpener(opener),
		WithInterfaces(testLocals(interfaces)),
	}
	h.md = NewMulticastDiscovery(cfg, h.announcements, h.diagnostics, append(base, opts...)...)

	t.Cleanup(func() {
		h.md.Stop()
	})
	return h
}

// advanceUntil двигает mock-часы, пока условие не выполнится.
func (h *testHelper) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.mock.Add(testInterval)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *testHelper) diagContains(substr string) bool {
	h.diagLog = append(h.diagLog, h.diagnostics.DrainAll()...)
	for _, s := range h.diagLog {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestReceive_DeduplicatesPendingRecords(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleClient, 1)
	require.NoError(t, h.md.Start(context.Background()))
	require.Len(t, h.conns, 1)

	h.conns[0].deliver("10.0.0.7", 50001)
	h.conns[0].deliver("10.0.0.7", 50002)

	h.advanceUntil(t, func() bool { return len(h.conns[0].incoming) == 0 })
	// второй датаграмме нужен ещё один интервал, чтобы точно быть прочитанной
	h.mock.Add(testInterval)

	assert.Eventually(t, func() bool { return h.diagContains("Received 10.0.0.7") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.announcements.Len())

	records := h.announcements.DrainAll()
	require.Len(t, records, 1)
	assert.Equal(t, discoverymodels.PeerRecord{
		Addr:         netip.MustParseAddr("10.0.0.7"),
		Port:         47777,
		IsServerRole: false,
	}, records[0])
}

func TestReceive_RecordCarriesLocalRole(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleServer, 1)
	require.NoError(t, h.md.Start(context.Background()))

	h.conns[0].deliver("192.168.1.20", 40000)
	h.advanceUntil(t, func() bool { return h.announcements.Len() == 1 })

	records := h.announcements.DrainAll()
	require.Len(t, records, 1)
	assert.True(t, records[0].IsServerRole)
	assert.Equal(t, uint16(47777), records[0].Port, "port is the configured discovery port, not the source port")
}

func TestAnnounce_SendsPayloadToGroup(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleServer, 2)
	require.NoError(t, h.md.Start(context.Background()))
	require.Len(t, h.conns, 2)

	h.advanceUntil(t, func() bool {
		return h.conns[0].sentCount() >= 2 && h.conns[1].sentCount() >= 2
	})

	c := h.conns[0]
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []byte("HELLO"), c.sent[0])
	assert.Equal(t, "239.255.255.250:47777", c.sentTo[0].String())
	assert.True(t, h.diagContains("Sent"))
}

func TestStart_InvalidGroup(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleClient, 1)
	h.md.config.MulticastGroup = "not-an-ip"

	err := h.md.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidGroup)
	assert.Empty(t, h.conns)
	assert.True(t, h.diagContains("Wrong IP address format"))
}

func TestStart_Twice(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleClient, 1)

	require.NoError(t, h.md.Start(context.Background()))
	assert.ErrorIs(t, h.md.Start(context.Background()), ErrAlreadyStarted)
	assert.Len(t, h.conns, 1, "second start must not create another worker set")
}

func TestStart_SkipsFailingInterface(t *testing.T) {
	var opened []*fakeConn
	opener := func(_ context.Context, local LocalInterface, _ netip.AddrPort) (PacketConn, error) {
		if local.Addr == netip.MustParseAddr("10.0.0.1") {
			return nil, errors.New("address in use")
		}
		c := newFakeConn()
		opened = append(opened, c)
		return c, nil
	}

	h := setupTest(t, discoverymodels.RoleClient, 2, WithSocketOpener(opener))

	require.NoError(t, h.md.Start(context.Background()))
	assert.Len(t, opened, 1)
	assert.True(t, h.diagContains("Error binding 10.0.0.1"))
	assert.True(t, h.diagContains("Bind to: 10.0.1.1"))
}

func TestStart_NoInterfaces(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleClient, 0)
	assert.ErrorIs(t, h.md.Start(context.Background()), ErrNoInterfaces)
}

func TestStop_UnblocksReceiver(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleClient, 1)
	require.NoError(t, h.md.Start(context.Background()))

	// Stop должен прервать уже заблокированный ReadFrom
	select {
	case <-h.conns[0].reading:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never blocked in ReadFrom")
	}
	require.NoError(t, h.md.Stop())

	done := make(chan struct{})
	go func() {
		h.md.Wait()
		close(done)
	}()

	// воркеры выходят не позже одного интервала сна
	h.advanceUntil(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})

	assert.True(t, h.diagContains("Error receiving"), "blocked receive must fail with a closed-socket error")
}

func TestStop_WriteAfterCloseIsNotFatal(t *testing.T) {
	h := setupTest(t, discoverymodels.RoleClient, 1)
	require.NoError(t, h.md.Start(context.Background()))

	// закрываем сокет в обход Stop: анонсер продолжает работать и получает ошибку
	h.conns[0].Close()
	h.advanceUntil(t, func() bool { return h.diagContains("Error sending") })
}

func TestMulticastLock(t *testing.T) {
	t.Run("Acquired and released", func(t *testing.T) {
		lock := &fakeLock{}
		h := setupTest(t, discoverymodels.RoleClient, 1, WithMulticastLock(lock))

		require.NoError(t, h.md.Start(context.Background()))
		require.NoError(t, h.md.Stop())

		assert.Equal(t, 1, lock.acquired)
		assert.Equal(t, 1, lock.released)
	})

	t.Run("Acquire failure is not fatal", func(t *testing.T) {
		lock := &fakeLock{acquireErr: errors.New("permission denied")}
		h := setupTest(t, discoverymodels.RoleClient, 1, WithMulticastLock(lock))

		require.NoError(t, h.md.Start(context.Background()))
		assert.Len(t, h.conns, 1)
		assert.True(t, h.diagContains("Multicast lock not acquired"))
	})

	t.Run("Not released when acquire failed", func(t *testing.T) {
		lock := &fakeLock{acquireErr: errors.New("permission denied")}
		h := setupTest(t, discoverymodels.RoleClient, 1, WithMulticastLock(lock))

		require.NoError(t, h.md.Start(context.Background()))
		require.NoError(t, h.md.Stop())
		assert.Equal(t, 0, lock.released)
	})

	t.Run("Not released after invalid group", func(t *testing.T) {
		lock := &fakeLock{}
		h := setupTest(t, discoverymodels.RoleClient, 1, WithMulticastLock(lock))
		h.md.config.MulticastGroup = "not-an-ip"

		assert.ErrorIs(t, h.md.Start(context.Background()), ErrInvalidGroup)
		require.NoError(t, h.md.Stop())
		assert.Equal(t, 0, lock.acquired)
		assert.Equal(t, 0, lock.released)
	})

	t.Run("Stop twice releases once", func(t *testing.T) {
		lock := &fakeLock{}
		h := setupTest(t, discoverymodels.RoleClient, 1, WithMulticastLock(lock))

		require.NoError(t, h.md.Start(context.Background()))
		require.NoError(t, h.md.Stop())
		require.NoError(t, h.md.Stop())
		assert.Equal(t, 1, lock.released)
	})
}
