package archive

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	// logsBucket holds one nested bucket per log key
	logsBucket = []byte("logs")
)

// Bolt is an Archive persisted in a bbolt file. Each log key is a nested
// bucket keyed by big-endian offset, so range reads are a cursor seek.
// Values are msgpack-encoded Records.
type Bolt struct {
	conn *bbolt.DB
}

// NewBolt opens (or creates) the archive at path
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucket); err != nil {
			return fmt.Errorf("failed to create logs bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{conn: db}, nil
}

func (b *Bolt) Put(records []Record) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		logs := tx.Bucket(logsBucket)

		for _, r := range records {
			bucket, err := logs.CreateBucketIfNotExists([]byte(r.Key))
			if err != nil {
				return fmt.Errorf("failed to create bucket for %s: %w", r.Key, err)
			}

			k := offsetKey(r.Offset)
			if data := bucket.Get(k); data != nil {
				existing, err := decode(data)
				if err != nil {
					return err
				}
				r = merge(existing, r)
			} else {
				r.SeenBy = unionSorted(r.SeenBy, nil)
			}

			data, err := msgpack.Marshal(&r)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s/%d: %w", r.Key, r.Offset, err)
			}
			if err := bucket.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Get(key string, offset int) (Record, bool, error) {
	var (
		record Record
		found  bool
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		data := bucket.Get(offsetKey(offset))
		if data == nil {
			return nil
		}
		r, err := decode(data)
		if err != nil {
			return err
		}
		record, found = r, true
		return nil
	})
	return record, found, err
}

func (b *Bolt) Range(key string, from int) ([]Record, error) {
	var records []Record
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		if from < 0 {
			from = 0
		}
		for k, v := cursor.Seek(offsetKey(from)); k != nil; k, v = cursor.Next() {
			r, err := decode(v)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	return records, err
}

func (b *Bolt) CommitThrough(key string, offset int) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket).Bucket([]byte(key))
		if bucket == nil || offset < 0 {
			return nil
		}

		// Collect first; bbolt forbids mutating a bucket while a cursor walks it
		limit := offsetKey(offset)
		var updates []Record
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil && string(k) <= string(limit); k, v = cursor.Next() {
			r, err := decode(v)
			if err != nil {
				return err
			}
			if !r.Committed {
				r.Committed = true
				updates = append(updates, r)
			}
		}

		for _, r := range updates {
			data, err := msgpack.Marshal(&r)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s/%d: %w", r.Key, r.Offset, err)
			}
			if err := bucket.Put(offsetKey(r.Offset), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) CommittedCount(key string) (int, error) {
	count := 0
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			r, err := decode(v)
			if err != nil {
				return err
			}
			if r.Committed {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Close closes the database
func (b *Bolt) Close() error {
	return b.conn.Close()
}

func decode(data []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return r, nil
}

func offsetKey(offset int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(offset))
	return buf
}
