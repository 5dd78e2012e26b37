package offset

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var countersBucket = []byte("counters")

// BoltStore keeps per-key counters in a bbolt file. Each Next runs in its own
// write transaction, so counters survive restarts and never hand out an
// offset twice.
type BoltStore struct {
	conn *bbolt.DB
}

// NewBoltStore opens (or creates) the counter database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(countersBucket); err != nil {
			return fmt.Errorf("failed to create counters bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{conn: db}, nil
}

// Next returns the counter for key and stores its successor
func (b *BoltStore) Next(key string) (uint64, error) {
	var current uint64
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(countersBucket)
		k := []byte(key)

		if data := bucket.Get(k); data != nil {
			if len(data) != 8 {
				return fmt.Errorf("%w: counter %s has %d bytes", ErrCorrupt, key, len(data))
			}
			current = bytesToUint64(data)
		}
		return bucket.Put(k, uint64ToBytes(current+1))
	})
	return current, err
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.conn.Close()
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
