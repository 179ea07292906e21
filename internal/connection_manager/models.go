package connectionmanager

import (
	"errors"
	"net"
	"time"
)

var (
	ErrDriverDisposed    = errors.New("driver is disposed")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotConnected      = errors.New("connection is not active")
	ErrAlreadyBound      = errors.New("driver is already bound")
	ErrNotBound          = errors.New("driver is not bound")
	ErrMessageTooLarge   = errors.New("message size too large")
	ErrSendQueueFull     = errors.New("send queue is full")
)

const (
	DefaultMaxMessageSize = 1 << 20
	DefaultDialTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSendQueueSize  = 64
)

// EventType тип события соединения, которое возвращает PopEventForConnection.
type EventType int

const (
	EventEmpty EventType = iota
	EventConnect
	EventData
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	case EventDisconnect:
		return "disconnect"
	default:
		return "empty"
	}
}

// State состояние соединения с точки зрения драйвера.
type State int

const (
	StateDisconnected State = iota
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
		return "disconnected"
	}
}

// Connection непрозрачный хендл соединения. Нулевое значение означает
// "соединения нет". Хендл перестаёт быть валидным после события
// Disconnect или вызова Disconnect.
type Connection struct {
	id uint64
}

func (c Connection) IsCreated() bool {
	return c.id != 0
}

func (c Connection) ID() uint64 {
	return c.id
}

// Config содержит настройки драйвера
type Config struct {
	MaxMessageSize int
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

type event struct {
	typ     EventType
	payload []byte
}

// connection состояние соединения, которым владеет поток тиков.
type connection struct {
	id      uint64
	state   State
	netConn net.Conn
	out     chan []byte
	events  []event
}

type inboxKind int

const (
	itemAccepted inboxKind = iota
	itemDialed
	itemDialFailed
	itemData
	itemClosed
)

// inboxItem то, что фоновые горутины передают в Update.
type inboxItem struct {
	kind    inboxKind
	id      uint64
	netConn net.Conn
	payload []byte
	err     error
}
