package kvstore_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/mkuznets/raftcore/common"
	"github.com/mkuznets/raftcore/kvstore"
)

func TestKeyValFSM_Apply(t *testing.T) {
	setEntry := func(key, val string) common.LogEntry {
		bytes, err := json.Marshal(kvstore.Request{Type: kvstore.Set, Key: key, Val: val})
		assert.NoError(t, err)
		return common.LogEntry{Kind: common.EntryApplication, Payload: bytes}
	}
	getEntry := func(key string) common.LogEntry {
		bytes, err := json.Marshal(kvstore.Request{Type: kvstore.Get, Key: key})
		assert.NoError(t, err)
		return common.LogEntry{Kind: common.EntryApplication, Payload: bytes}
	}

	fsm := kvstore.NewKeyValFSM()

	bytes, err := fsm.Apply(setEntry("a", "1"))
	assert.NoError(t, err)
	assert.Nil(t, bytes)

	bytes, err = fsm.Apply(setEntry("b", "1"))
	assert.NoError(t, err)
	assert.Nil(t, bytes)

	bytes, err = fsm.Apply(getEntry("a"))
	assert.NoError(t, err)
	assert.EqualValues(t, []byte("1"), bytes)

	bytes, err = fsm.Apply(getEntry("b"))
	assert.NoError(t, err)
	assert.EqualValues(t, []byte("1"), bytes)

	_, err = fsm.Apply(getEntry("c"))
	assert.EqualError(t, err, "key does not exist")

	bytes, err = fsm.Apply(setEntry("a", "2"))
	assert.NoError(t, err)
	assert.Nil(t, bytes)

	bytes, err = fsm.Apply(getEntry("a"))
	assert.NoError(t, err)
	assert.EqualValues(t, []byte("2"), bytes)
}

func TestKeyValFSM_Apply_Idempotent(t *testing.T) {
	fsm := kvstore.NewKeyValFSM()
	txn := uuid.New()

	entry := func() common.LogEntry {
		bytes, err := json.Marshal(kvstore.Request{Type: kvstore.Set, Key: "a", Val: "1", TransactionId: txn})
		assert.NoError(t, err)
		return common.LogEntry{Kind: common.EntryApplication, Payload: bytes}
	}

	_, err := fsm.Apply(entry())
	assert.NoError(t, err)
	// A retried request with the same transaction id must be answered from
	// the cached result rather than reapplied.
	_, err = fsm.Apply(entry())
	assert.NoError(t, err)
}
