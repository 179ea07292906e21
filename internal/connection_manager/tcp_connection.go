package connectionmanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const frameHeaderSize = 4

// WriteFrame пишет payload с префиксом длины (4 байта, big-endian).
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// ReadFrame читает один кадр. Кадр длиннее maxSize не читается,
// соединение после этого считается испорченным.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	sizeBuf := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(sizeBuf)
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			// заголовок пришёл, тело нет
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// readLoop читает кадры, пока соединение не закроется.
// io.ReadFull разблокируется только закрытием net.Conn.
func (d *Driver) readLoop(id uint64, conn net.Conn) {
	defer d.workers.Done()

	for {
		payload, err := ReadFrame(conn, d.config.MaxMessageSize)
		if err != nil {
			d.post(inboxItem{kind: itemClosed, id: id, err: err})
			return
		}
		d.post(inboxItem{kind: itemData, id: id, payload: payload})
	}
}

// writeLoop отправляет кадры из out. Закрытие out означает локальный
// разрыв: оставшиеся кадры дописываются, затем сокет закрывается.
func (d *Driver) writeLoop(id uint64, conn net.Conn, out <-chan []byte) {
	defer d.workers.Done()
	defer conn.Close()

	for payload := range out {
		_ = conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout))
		if err := WriteFrame(conn, payload); err != nil {
			d.post(inboxItem{kind: itemClosed, id: id, err: err})
			// дочитываем канал, чтобы Send не упирался в полный буфер
			for range out {
			}
			return
		}
	}
}
