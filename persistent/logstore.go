// Package persistent holds the boltdb-backed durable stores the replication
// core reads and writes through the common.LogStore and
// common.PersistentStore interfaces.
package persistent

import (
	"errors"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/mkuznets/raftcore/common"
)

var (
	logsBucketName = []byte("logs")
	metaKeyStart   = []byte("__start_index")
)

// DbLogStore is a log store implementation backed by a Bolt DB. Entries are
// snappy-compressed and xxhash-checksummed before being written, so a
// corrupted or truncated page is caught on read rather than silently fed
// back into the replication core.
type DbLogStore struct {
	db *bolt.DB
}

var _ common.LogStore = DbLogStore{}

func CreateDbLogStore(dataBaseFilePath string) (DbLogStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return DbLogStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucketName)
		return err
	})
	if err != nil {
		return DbLogStore{}, err
	}

	return DbLogStore{db: db}, nil
}

func (d DbLogStore) StartIndex() int64 {
	var start int64
	_ = d.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(logsBucketName).Get(metaKeyStart); raw != nil {
			start = int64(bytesToUint64(raw))
		}
		return nil
	})
	if start == 0 {
		return 1
	}
	return start
}

func (d DbLogStore) NextSlot() int64 {
	var n int64
	_ = d.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(logsBucketName).Stats().KeyN)
		return nil
	})
	return d.StartIndex() + n
}

func (d DbLogStore) TermAt(i int64) int64 {
	entry, err := d.EntryAt(i)
	if err != nil || entry == nil {
		return 0
	}
	return entry.Term
}

func (d DbLogStore) EntryAt(i int64) (*common.LogEntry, error) {
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		val := bucket.Get(int64ToBytes(i))
		if val == nil {
			return fmt.Errorf("log entry %d does not exist", i)
		}
		decoded, err := decodeLogEntry(val)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d DbLogStore) Entries(lo, hi int64) ([]common.LogEntry, error) {
	if hi <= lo {
		return nil, nil
	}
	entries := make([]common.LogEntry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		e, err := d.EntryAt(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func (d DbLogStore) Append(entry common.LogEntry) (int64, error) {
	idx := d.NextSlot()
	entry.Index = idx
	if err := d.WriteAt(idx, entry); err != nil {
		return 0, err
	}
	return idx, nil
}

// WriteAt truncates any stored suffix at or after i and writes entry there.
func (d DbLogStore) WriteAt(i int64, entry common.LogEntry) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		c := bucket.Cursor()
		for k, _ := c.Seek(int64ToBytes(i)); k != nil; k, _ = c.Next() {
			if len(k) != 8 {
				continue
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		val, err := encodeLogEntry(entry)
		if err != nil {
			return err
		}
		return bucket.Put(int64ToBytes(i), val)
	})
}

// EndOfBatch is a no-op: boltdb already fsyncs on transaction commit, and
// each WriteAt above is its own transaction.
func (d DbLogStore) EndOfBatch(start int64, count int) error {
	return nil
}

func (d DbLogStore) Close() error {
	return d.db.Close()
}

var errCorrupt = errors.New("persistent: checksum mismatch, entry corrupted on disk")
