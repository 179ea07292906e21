package connectionmanager

import (
	"encoding/binary"
	"unicode/utf8"
)

// PingSize размер ping/pong сообщения: идентификатор uint32, big-endian.
const PingSize = 4

type MessageKind int

const (
	KindText MessageKind = iota
	KindPing
	KindInvalid
)

// Classify определяет тип сообщения по payload. Кадр ровно из четырёх
// байт считается ping, всё остальное текстом в UTF-8.
func Classify(payload []byte) MessageKind {
	if len(payload) == PingSize {
		return KindPing
	}
	if !utf8.Valid(payload) {
		return KindInvalid
	}
	return KindText
}

func EncodePing(id uint32) []byte {
	buf := make([]byte, PingSize)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func DecodePing(payload []byte) (uint32, bool) {
	if len(payload) != PingSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload), true
}

func EncodeText(s string) []byte {
	return []byte(s)
}
