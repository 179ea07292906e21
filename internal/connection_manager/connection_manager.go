package connectionmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"lanlink/internal/util/logger/sl"
)

// Driver транспорт с опросом: фоновые горутины (accept, dial, чтение, запись)
// только складывают события во входящий буфер, а Update синхронно
// раскладывает их по очередям соединений. Все остальные методы, кроме
// LocalAddr, вызываются из одного потока тиков.
type Driver struct {
	log    *slog.Logger
	config Config

	ctx    context.Context
	cancel context.CancelFunc

	inboxMu sync.Mutex
	inbox   []inboxItem

	// владелец поток тиков
	conns         map[uint64]*connection
	pendingAccept []uint64
	listener      net.Listener

	nextID   atomic.Uint64
	disposed atomic.Bool
	workers  sync.WaitGroup
}

func NewDriver(log *slog.Logger, config Config) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		log:    log.With(slog.String("component", "driver")),
		config: config.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[uint64]*connection),
	}
}

// Bind занимает адрес. Порт 0 выбирает свободный, см. LocalAddr.
func (d *Driver) Bind(addr netip.AddrPort) error {
	if d.disposed.Load() {
		return ErrDriverDisposed
	}
	if d.listener != nil {
		return ErrAlreadyBound
	}

	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	d.listener = l
	return nil
}

// Listen начинает принимать входящие соединения на занятом адресе.
func (d *Driver) Listen() error {
	if d.disposed.Load() {
		return ErrDriverDisposed
	}
	if d.listener == nil {
		return ErrNotBound
	}

	d.workers.Add(1)
	go d.acceptLoop(d.listener)
	d.log.Info("Listening", slog.String("address", d.listener.Addr().String()))
	return nil
}

func (d *Driver) LocalAddr() netip.AddrPort {
	if d.listener == nil {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(d.listener.Addr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

func (d *Driver) acceptLoop(l net.Listener) {
	defer d.workers.Done()
	log := d.log.With(slog.String("op", "driver.acceptLoop"))

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("Accept failed", sl.Err(err))
			continue
		}

		id := d.nextID.Add(1)
		d.post(inboxItem{kind: itemAccepted, id: id, netConn: conn})
		d.workers.Add(1)
		go d.readLoop(id, conn)
	}
}

// Accept возвращает следующее принятое соединение или нулевой хендл.
func (d *Driver) Accept() Connection {
	if d.disposed.Load() {
		return Connection{}
	}
	for len(d.pendingAccept) > 0 {
		id := d.pendingAccept[0]
		d.pendingAccept = d.pendingAccept[1:]
		if _, ok := d.conns[id]; ok {
			return Connection{id: id}
		}
	}
	return Connection{}
}

// Connect не блокируется: результат придёт событием Connect или Disconnect.
func (d *Driver) Connect(addr netip.AddrPort) (Connection, error) {
	if d.disposed.Load() {
		return Connection{}, ErrDriverDisposed
	}

	id := d.nextID.Add(1)
	d.conns[id] = &connection{id: id, state: StateConnecting}

	d.workers.Add(1)
	go d.dial(id, addr)
	return Connection{id: id}, nil
}

func (d *Driver) dial(id uint64, addr netip.AddrPort) {
	defer d.workers.Done()

	dialer := net.Dialer{Timeout: d.config.DialTimeout}
	conn, err := dialer.DialContext(d.ctx, "tcp", addr.String())
	if err != nil {
		d.post(inboxItem{kind: itemDialFailed, id: id, err: err})
		return
	}

	d.post(inboxItem{kind: itemDialed, id: id, netConn: conn})
	d.workers.Add(1)
	go d.readLoop(id, conn)
}

// post единственная точка, через которую фоновые горутины общаются с потоком тиков.
func (d *Driver) post(item inboxItem) {
	d.inboxMu.Lock()
	if !d.disposed.Load() {
		d.inbox = append(d.inbox, item)
		d.inboxMu.Unlock()
		return
	}
	d.inboxMu.Unlock()

	if item.netConn != nil {
		item.netConn.Close()
	}
}

// Update переносит накопленные события в очереди соединений.
func (d *Driver) Update() {
	if d.disposed.Load() {
		return
	}

	d.inboxMu.Lock()
	items := d.inbox
	d.inbox = nil
	d.inboxMu.Unlock()

	for _, item := range items {
		d.apply(item)
	}
}

func (d *Driver) apply(item inboxItem) {
	log := d.log.With(slog.String("op", "driver.Update"), slog.Uint64("conn", item.id))

	switch item.kind {
	case itemAccepted:
		c := &connection{id: item.id, state: StateConnected}
		d.conns[item.id] = c
		d.startWriter(c, item.netConn)
		d.pendingAccept = append(d.pendingAccept, item.id)

	case itemDialed:
		c, ok := d.conns[item.id]
		if !ok {
			// соединение отменили, пока шёл dial
			item.netConn.Close()
			return
		}
		c.state = StateConnected
		d.startWriter(c, item.netConn)
		c.events = append(c.events, event{typ: EventConnect})

	case itemDialFailed:
		c, ok := d.conns[item.id]
		if !ok {
			return
		}
		log.Debug("Connect failed", sl.Err(item.err))
		c.state = StateDisconnected
		c.events = append(c.events, event{typ: EventDisconnect})

	case itemData:
		c, ok := d.conns[item.id]
		if !ok || c.state != StateConnected {
			return
		}
		c.events = append(c.events, event{typ: EventData, payload: item.payload})

	case itemClosed:
		c, ok := d.conns[item.id]
		if !ok || c.state == StateDisconnected {
			return
		}
		if errors.Is(item.err, ErrMessageTooLarge) {
			log.Warn("Closing connection", sl.Err(item.err))
		}
		c.state = StateDisconnected
		d.stopWriter(c)
		c.events = append(c.events, event{typ: EventDisconnect})
	}
}

func (d *Driver) startWriter(c *connection, conn net.Conn) {
	c.netConn = conn
	c.out = make(chan []byte, d.config.SendQueueSize)
	d.workers.Add(1)
	go d.writeLoop(c.id, conn, c.out)
}

func (d *Driver) stopWriter(c *connection) {
	if c.out != nil {
		close(c.out)
		c.out = nil
	}
}

// PopEventForConnection снимает следующее событие соединения.
// После события Disconnect хендл больше не валиден.
func (d *Driver) PopEventForConnection(conn Connection) (EventType, []byte) {
	if d.disposed.Load() {
		return EventEmpty, nil
	}
	c, ok := d.conns[conn.id]
	if !ok || len(c.events) == 0 {
		return EventEmpty, nil
	}

	ev := c.events[0]
	c.events = c.events[1:]
	if ev.typ == EventDisconnect {
		delete(d.conns, conn.id)
	}
	return ev.typ, ev.payload
}

// Send ставит payload в очередь отправки соединения и не блокируется.
func (d *Driver) Send(conn Connection, payload []byte) error {
	if d.disposed.Load() {
		return ErrDriverDisposed
	}
	c, ok := d.conns[conn.id]
	if !ok {
		return ErrUnknownConnection
	}
	if c.state != StateConnected || c.out == nil {
		return ErrNotConnected
	}
	if len(payload) > d.config.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	select {
	case c.out <- append([]byte(nil), payload...):
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Disconnect закрывает соединение локально. Событие Disconnect для него не выдаётся.
func (d *Driver) Disconnect(conn Connection) error {
	if d.disposed.Load() {
		return ErrDriverDisposed
	}
	c, ok := d.conns[conn.id]
	if !ok {
		return ErrUnknownConnection
	}
	d.stopWriter(c)
	delete(d.conns, conn.id)
	return nil
}

func (d *Driver) State(conn Connection) State {
	if d.disposed.Load() {
		return StateDisconnected
	}
	c, ok := d.conns[conn.id]
	if !ok {
		return StateDisconnected
	}
	return c.state
}

// RemoteAddr адрес удалённой стороны активного соединения.
func (d *Driver) RemoteAddr(conn Connection) (netip.AddrPort, bool) {
	c, ok := d.conns[conn.id]
	if !ok || c.netConn == nil {
		return netip.AddrPort{}, false
	}
	ap, err := netip.ParseAddrPort(c.netConn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return ap, true
}

// Dispose закрывает все сокеты и ждёт фоновые горутины.
// Повторный вызов возвращает ErrDriverDisposed.
func (d *Driver) Dispose() error {
	d.inboxMu.Lock()
	if !d.disposed.CompareAndSwap(false, true) {
		d.inboxMu.Unlock()
		return ErrDriverDisposed
	}
	pending := d.inbox
	d.inbox = nil
	d.inboxMu.Unlock()

	d.cancel()
	if d.listener != nil {
		d.listener.Close()
	}
	for id, c := range d.conns {
		d.stopWriter(c)
		if c.netConn != nil {
			c.netConn.Close()
		}
		delete(d.conns, id)
	}
	for _, item := range pending {
		if item.netConn != nil {
			item.netConn.Close()
		}
	}
	d.pendingAccept = nil

	d.workers.Wait()
	d.log.Debug("Driver disposed")
	return nil
}
