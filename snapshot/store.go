// Package snapshot provides a boltdb-backed implementation of
// common.SnapshotStore. Only the most recently written snapshot is kept:
// writing a new one replaces the old.
package snapshot

import (
	"github.com/boltdb/bolt"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mkuznets/raftcore/common"
)

var (
	bucketName = []byte("snapshots")
	lastKey    = []byte("last")
)

type wireSnapshot struct {
	LastLogIdx  int64
	LastLogTerm int64
	State       []byte
}

// DbSnapshotStore is a common.SnapshotStore backed by a Bolt DB, msgpack
// is used to encode the (opaque to this package) snapshot envelope.
type DbSnapshotStore struct {
	db *bolt.DB
}

var _ common.SnapshotStore = DbSnapshotStore{}

func CreateDbSnapshotStore(dataBaseFilePath string) (DbSnapshotStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return DbSnapshotStore{}, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return DbSnapshotStore{}, err
	}
	return DbSnapshotStore{db: db}, nil
}

func (d DbSnapshotStore) GetLastSnapshot() (*common.Snapshot, error) {
	var snap *common.Snapshot
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(lastKey)
		if raw == nil {
			return nil
		}
		var w wireSnapshot
		if err := msgpack.Unmarshal(raw, &w); err != nil {
			return err
		}
		snap = &common.Snapshot{
			LastLogIdx:  w.LastLogIdx,
			LastLogTerm: w.LastLogTerm,
			State:       w.State,
		}
		return nil
	})
	return snap, err
}

// PutSnapshot stores snap as the new latest snapshot, replacing whatever was
// there before.
func (d DbSnapshotStore) PutSnapshot(snap common.Snapshot) error {
	raw, err := msgpack.Marshal(wireSnapshot{
		LastLogIdx:  snap.LastLogIdx,
		LastLogTerm: snap.LastLogTerm,
		State:       snap.State,
	})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(lastKey, raw)
	})
}

func (d DbSnapshotStore) Close() error {
	return d.db.Close()
}
