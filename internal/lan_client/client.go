// Package lanclient держит не больше одного соединения с сервером,
// найденным через обнаружение.
package lanclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"unicode/utf8"

	connectionmanager "lanlink/internal/connection_manager"
	debugconsole "lanlink/internal/debug_console"
	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/util/logger/sl"
)

var ErrNotConnected = errors.New("not connected to server")

// Transport часть драйвера, которой пользуется клиент.
type Transport interface {
	Connect(addr netip.AddrPort) (connectionmanager.Connection, error)
	Update()
	PopEventForConnection(conn connectionmanager.Connection) (connectionmanager.EventType, []byte)
	Send(conn connectionmanager.Connection, payload []byte) error
	Disconnect(conn connectionmanager.Connection) error
	Dispose() error
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "idle"
	}
}

// Client все методы вызываются из потока тиков.
type Client struct {
	log        *slog.Logger
	sink       debugconsole.Sink
	serverPort uint16

	newTransport func() Transport
	driver       Transport

	conn   connectionmanager.Connection
	server netip.AddrPort
	state  State

	// pings отправленные и ещё не отвеченные id; только на них ответ считается pong
	pings map[uint32]int
}

type Option func(*Client)

// WithTransport подменяет создание драйвера.
func WithTransport(fn func() Transport) Option {
	return func(c *Client) { c.newTransport = fn }
}

func New(log *slog.Logger, sink debugconsole.Sink, serverPort uint16, opts ...Option) *Client {
	c := &Client{
		log:        log.With(slog.String("component", "lan_client")),
		sink:       sink,
		serverPort: serverPort,
		pings:      make(map[uint32]int),
	}
	c.newTransport = func() Transport {
		return connectionmanager.NewDriver(log, connectionmanager.Config{})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnPeerDiscovered наблюдатель обнаружения. Запись игнорируется, если её
// пометил узел в роли сервера или соединение уже есть.
func (c *Client) OnPeerDiscovered(record discoverymodels.PeerRecord) {
	if record.IsServerRole || c.conn.IsCreated() {
		return
	}
	op := "lan_client.OnPeerDiscovered"
	log := c.log.With(slog.String("op", op))

	if c.driver == nil {
		c.driver = c.newTransport()
	}

	target := netip.AddrPortFrom(record.Addr, c.serverPort)
	conn, err := c.driver.Connect(target)
	if err != nil {
		log.Error("Failed to connect", slog.String("server", target.String()), sl.Err(err))
		return
	}

	c.conn = conn
	c.server = target
	c.state = StateConnecting

	log.Info("Connecting to server", slog.String("server", target.String()))
	c.sink.Print("Server address: " + record.Addr.String())
	c.sink.Print("Connection status: " + strconv.FormatBool(c.conn.IsCreated()))
}

func (c *Client) Tick() {
	if c.driver == nil || !c.conn.IsCreated() {
		return
	}
	c.driver.Update()

	for c.conn.IsCreated() {
		typ, payload := c.driver.PopEventForConnection(c.conn)
		switch typ {
		case connectionmanager.EventEmpty:
			return
		case connectionmanager.EventConnect:
			c.state = StateConnected
			c.log.Info("Connected to server", slog.String("server", c.server.String()))
		case connectionmanager.EventData:
			c.handleData(payload)
		case connectionmanager.EventDisconnect:
			c.log.Info("Disconnected from server", slog.String("server", c.server.String()))
			c.reset()
		}
	}
}

// handleData сервер шлёт текст; четыре байта считаются pong только если
// такой id ждёт ответа, иначе это обычный текст.
func (c *Client) handleData(payload []byte) {
	if id, ok := connectionmanager.DecodePing(payload); ok && c.pings[id] > 0 {
		c.pings[id]--
		if c.pings[id] == 0 {
			delete(c.pings, id)
		}
		c.sink.Print("Client received pong: " + strconv.FormatUint(uint64(id), 10))
		return
	}
	if !utf8.Valid(payload) {
		c.log.Warn("Dropping malformed message", slog.Int("size", len(payload)))
		return
	}
	c.sink.Print("Client received: " + string(payload))
}

// Send отправляет текст серверу.
func (c *Client) Send(text string) error {
	return c.send(connectionmanager.EncodeText(text))
}

// SendPing отправляет ping с идентификатором id, сервер отвечает тем же id.
func (c *Client) SendPing(id uint32) error {
	if err := c.send(connectionmanager.EncodePing(id)); err != nil {
		return err
	}
	c.pings[id]++
	return nil
}

func (c *Client) send(payload []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if err := c.driver.Send(c.conn, payload); err != nil {
		return fmt.Errorf("lan_client.Send: %w", err)
	}
	return nil
}

// CloseConnection разрывает соединение. Следующий анонс сервера
// установит новое.
func (c *Client) CloseConnection() error {
	if !c.conn.IsCreated() {
		return ErrNotConnected
	}
	err := c.driver.Disconnect(c.conn)
	c.reset()
	if err != nil && !errors.Is(err, connectionmanager.ErrUnknownConnection) {
		return fmt.Errorf("lan_client.CloseConnection: %w", err)
	}
	return nil
}

func (c *Client) State() State {
	return c.state
}

// Server адрес текущего сервера, если соединение есть.
func (c *Client) Server() (netip.AddrPort, bool) {
	return c.server, c.conn.IsCreated()
}

// Close освобождает драйвер.
func (c *Client) Close() error {
	if c.driver == nil {
		return nil
	}
	err := c.driver.Dispose()
	c.driver = nil
	c.reset()
	return err
}

func (c *Client) reset() {
	c.conn = connectionmanager.Connection{}
	c.server = netip.AddrPort{}
	c.state = StateIdle
	clear(c.pings)
}
