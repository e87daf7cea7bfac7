package snapshot

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mkuznets/raftcore/common"
)

func withSnapshotStore(t *testing.T, fn func(store DbSnapshotStore)) {
	path := "snapshot_test.db"
	store, err := CreateDbSnapshotStore(path)
	assert.NoError(t, err)
	defer func() {
		_ = store.Close()
		_ = os.Remove(path)
	}()
	fn(store)
}

func TestDbSnapshotStore_GetLastSnapshot_EmptyIsNil(t *testing.T) {
	withSnapshotStore(t, func(store DbSnapshotStore) {
		snap, err := store.GetLastSnapshot()
		assert.NoError(t, err)
		assert.Nil(t, snap)
	})
}

func TestDbSnapshotStore_PutThenGet(t *testing.T) {
	withSnapshotStore(t, func(store DbSnapshotStore) {
		in := common.Snapshot{LastLogIdx: 42, LastLogTerm: 3, State: []byte("fsm-state")}
		assert.NoError(t, store.PutSnapshot(in))

		out, err := store.GetLastSnapshot()
		assert.NoError(t, err)
		assert.NotNil(t, out)
		assert.EqualValues(t, in.LastLogIdx, out.LastLogIdx)
		assert.EqualValues(t, in.LastLogTerm, out.LastLogTerm)
		assert.Equal(t, in.State, out.State)
	})
}

func TestDbSnapshotStore_PutReplacesPrevious(t *testing.T) {
	withSnapshotStore(t, func(store DbSnapshotStore) {
		assert.NoError(t, store.PutSnapshot(common.Snapshot{LastLogIdx: 1, LastLogTerm: 1, State: []byte("old")}))
		assert.NoError(t, store.PutSnapshot(common.Snapshot{LastLogIdx: 2, LastLogTerm: 1, State: []byte("new")}))

		out, err := store.GetLastSnapshot()
		assert.NoError(t, err)
		assert.EqualValues(t, 2, out.LastLogIdx)
		assert.Equal(t, "new", string(out.State))
	})
}
