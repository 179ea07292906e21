package peerstorage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	discoverymodels "lanlink/internal/discovery_manager/models"

	"go.etcd.io/bbolt"
)

const PeersBucket = "peers"

// PeerBook журнал обнаруженных пиров в bbolt. Это история, а не список
// живых узлов: записи не удаляются.
type PeerBook struct {
	db         *bbolt.DB
	serializer Serializer
}

type Config struct {
	Path       string
	FileMode   os.FileMode
	Options    *bbolt.Options
	Serializer Serializer
}

func NewPeerBook(cfg Config) (*PeerBook, error) {
	const op = "peer_storage.NewPeerBook"

	if cfg.Serializer == nil {
		cfg.Serializer = &GobSerializer{}
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0600
	}
	if cfg.Options == nil {
		// второй процесс не должен висеть на блокировке файла
		cfg.Options = &bbolt.Options{Timeout: time.Second}
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	db, err := bbolt.Open(cfg.Path, cfg.FileMode, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(PeersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: failed to create bucket: %w", op, err)
	}

	return &PeerBook{db: db, serializer: cfg.Serializer}, nil
}

func (b *PeerBook) Close() error {
	if b.db == nil {
		return ErrNilDB
	}
	return b.db.Close()
}

func peerKey(r discoverymodels.PeerRecord) []byte {
	return []byte(fmt.Sprintf("%s|%d|%t", r.Addr, r.Port, r.IsServerRole))
}

// Record добавляет наблюдение пира: обновляет LastSeen и счётчик.
func (b *PeerBook) Record(ctx context.Context, record discoverymodels.PeerRecord, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(PeersBucket))
		if bucket == nil {
			return ErrBucketNotFound
		}

		key := peerKey(record)
		entry := PeerEntry{
			Addr:         record.Addr,
			Port:         record.Port,
			IsServerRole: record.IsServerRole,
			FirstSeen:    at,
		}
		if data := bucket.Get(key); data != nil {
			if err := b.serializer.Deserialize(data, &entry); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		entry.LastSeen = at
		entry.Seen++

		data, err := b.serializer.Serialize(&entry)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (b *PeerBook) Get(record discoverymodels.PeerRecord) (*PeerEntry, error) {
	var entry PeerEntry

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(PeersBucket))
		if bucket == nil {
			return ErrBucketNotFound
		}
		data := bucket.Get(peerKey(record))
		if data == nil {
			return ErrPeerNotFound
		}
		return b.serializer.Deserialize(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List все записи, последние увиденные первыми.
func (b *PeerBook) List() ([]PeerEntry, error) {
	var entries []PeerEntry

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(PeersBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var e PeerEntry
			if err := b.serializer.Deserialize(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries, nil
}
