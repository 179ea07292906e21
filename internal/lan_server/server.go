// Package lanserver принимает соединения клиентов, отвечает на ping
// и рассылает тестовые сообщения. Все методы вызываются из потока тиков.
package lanserver

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	connectionmanager "lanlink/internal/connection_manager"
	debugconsole "lanlink/internal/debug_console"
	"lanlink/internal/util/logger/sl"
)

const DefaultPort = 9100

// Transport часть драйвера, которой пользуется сервер.
type Transport interface {
	Bind(addr netip.AddrPort) error
	Listen() error
	LocalAddr() netip.AddrPort
	Accept() connectionmanager.Connection
	Update()
	PopEventForConnection(conn connectionmanager.Connection) (connectionmanager.EventType, []byte)
	Send(conn connectionmanager.Connection, payload []byte) error
	Disconnect(conn connectionmanager.Connection) error
	Dispose() error
}

type Metrics interface {
	ConnectionAccepted()
	ConnectionClosed()
	PingAnswered()
	ActiveConnections(n int)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionAccepted()   {}
func (noopMetrics) ConnectionClosed()     {}
func (noopMetrics) PingAnswered()         {}
func (noopMetrics) ActiveConnections(int) {}

type Config struct {
	// BindAddr по умолчанию 0.0.0.0
	BindAddr netip.Addr
	Port     uint16
}

type Server struct {
	log     *slog.Logger
	sink    debugconsole.Sink
	metrics Metrics
	config  Config

	newTransport func() Transport
	driver       Transport
	conns        []connectionmanager.Connection

	messagesSent int
}

type Option func(*Server)

func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTransport подменяет создание драйвера.
func WithTransport(fn func() Transport) Option {
	return func(s *Server) { s.newTransport = fn }
}

func New(log *slog.Logger, sink debugconsole.Sink, config Config, opts ...Option) *Server {
	if !config.BindAddr.IsValid() {
		config.BindAddr = netip.IPv4Unspecified()
	}
	s := &Server{
		log:     log.With(slog.String("component", "lan_server")),
		sink:    sink,
		metrics: noopMetrics{},
		config:  config,
	}
	s.newTransport = func() Transport {
		return connectionmanager.NewDriver(log, connectionmanager.Config{})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start создаёт драйвер и начинает слушать порт. При ошибке bind сервер
// остаётся без драйвера, Tick становится no-op.
func (s *Server) Start() error {
	op := "lan_server.Start"
	log := s.log.With(slog.String("op", op))

	driver := s.newTransport()
	addr := netip.AddrPortFrom(s.config.BindAddr, s.config.Port)

	if err := driver.Bind(addr); err != nil {
		log.Error("Failed to bind", slog.String("address", addr.String()), sl.Err(err))
		s.sink.Print("Failed to bind to port " + strconv.Itoa(int(s.config.Port)))
		driver.Dispose()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := driver.Listen(); err != nil {
		log.Error("Failed to listen", sl.Err(err))
		driver.Dispose()
		return fmt.Errorf("%s: %w", op, err)
	}

	s.driver = driver
	log.Info("Server started", slog.String("address", driver.LocalAddr().String()))
	return nil
}

// Addr адрес, на котором слушает сервер.
func (s *Server) Addr() netip.AddrPort {
	if s.driver == nil {
		return netip.AddrPort{}
	}
	return s.driver.LocalAddr()
}

func (s *Server) Tick() {
	if s.driver == nil {
		return
	}
	s.driver.Update()

	for {
		conn := s.driver.Accept()
		if !conn.IsCreated() {
			break
		}
		s.conns = append(s.conns, conn)
		s.metrics.ConnectionAccepted()
		s.log.Debug("Accepted connection", slog.Uint64("conn", conn.ID()))
	}

	for i := 0; i < len(s.conns); {
		if s.drain(s.conns[i]) {
			i++
			continue
		}
		// на место i встаёт последнее соединение, его тоже надо обработать
		last := len(s.conns) - 1
		s.conns[i] = s.conns[last]
		s.conns = s.conns[:last]
		s.metrics.ConnectionClosed()
	}
	s.metrics.ActiveConnections(len(s.conns))
}

// drain обрабатывает все события соединения. false означает, что соединение закрыто.
func (s *Server) drain(conn connectionmanager.Connection) bool {
	for {
		typ, payload := s.driver.PopEventForConnection(conn)
		switch typ {
		case connectionmanager.EventEmpty:
			return true
		case connectionmanager.EventData:
			s.handleData(conn, payload)
		case connectionmanager.EventDisconnect:
			s.log.Debug("Client disconnected", slog.Uint64("conn", conn.ID()))
			return false
		}
	}
}

func (s *Server) handleData(conn connectionmanager.Connection, payload []byte) {
	log := s.log.With(slog.String("op", "lan_server.handleData"), slog.Uint64("conn", conn.ID()))

	switch connectionmanager.Classify(payload) {
	case connectionmanager.KindPing:
		id, _ := connectionmanager.DecodePing(payload)
		if err := s.driver.Send(conn, connectionmanager.EncodePing(id)); err != nil {
			log.Warn("Failed to send pong", slog.Uint64("id", uint64(id)), sl.Err(err))
			return
		}
		s.metrics.PingAnswered()
	case connectionmanager.KindText:
		s.sink.Print("Server received: " + string(payload))
	default:
		log.Warn("Dropping malformed message", slog.Int("size", len(payload)))
	}
}

// Broadcast отправляет text всем клиентам и возвращает число успешных отправок.
// Пустой text заменяется на "Server message: N" со сквозным счётчиком.
func (s *Server) Broadcast(text string) int {
	if s.driver == nil {
		return 0
	}
	log := s.log.With(slog.String("op", "lan_server.Broadcast"))

	sent := 0
	for _, conn := range s.conns {
		msg := text
		if msg == "" {
			msg = "Server message: " + strconv.Itoa(s.messagesSent)
			s.messagesSent++
		}
		if err := s.driver.Send(conn, connectionmanager.EncodeText(msg)); err != nil {
			log.Warn("Failed to send", slog.Uint64("conn", conn.ID()), sl.Err(err))
			continue
		}
		sent++
	}
	return sent
}

// Connections копия списка активных соединений.
func (s *Server) Connections() []connectionmanager.Connection {
	out := make([]connectionmanager.Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// Close разрывает все соединения и освобождает драйвер.
func (s *Server) Close() error {
	if s.driver == nil {
		return nil
	}
	for _, conn := range s.conns {
		s.driver.Disconnect(conn)
	}
	s.conns = nil
	err := s.driver.Dispose()
	s.driver = nil
	s.metrics.ActiveConnections(0)
	return err
}
