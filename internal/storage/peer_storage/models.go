package peerstorage

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/netip"
	"time"

	discoverymodels "lanlink/internal/discovery_manager/models"
)

var (
	ErrPeerNotFound   = errors.New("peer not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrNilDB          = errors.New("database connection is nil")
)

// PeerEntry история наблюдений одного пира.
type PeerEntry struct {
	Addr         netip.Addr
	Port         uint16
	IsServerRole bool
	FirstSeen    time.Time
	LastSeen     time.Time
	Seen         uint64
}

func (e PeerEntry) Record() discoverymodels.PeerRecord {
	return discoverymodels.PeerRecord{Addr: e.Addr, Port: e.Port, IsServerRole: e.IsServerRole}
}

// Store то, что нужно Recorder от хранилища.
type Store interface {
	Record(ctx context.Context, record discoverymodels.PeerRecord, at time.Time) error
}

// Serializer предоставляет интерфейс для сериализации/десериализации данных
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}

type GobSerializer struct{}

func (s *GobSerializer) Serialize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *GobSerializer) Deserialize(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
