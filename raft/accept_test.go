package raft

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/mkuznets/raftcore/common"
)

// memLogStore is an in-memory common.LogStore used to exercise the follower
// acceptor and response reducer without touching boltdb.
type memLogStore struct {
	mu      sync.Mutex
	entries []common.LogEntry // entries[0] is index 1
	start   int64
}

func newMemLogStore() *memLogStore {
	return &memLogStore{start: 1}
}

func (m *memLogStore) StartIndex() int64 { return m.start }
func (m *memLogStore) NextSlot() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start + int64(len(m.entries))
}
func (m *memLogStore) TermAt(i int64) int64 {
	e, err := m.EntryAt(i)
	if err != nil {
		return 0
	}
	return e.Term
}
func (m *memLogStore) EntryAt(i int64) (*common.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := i - m.start
	if idx < 0 || idx >= int64(len(m.entries)) {
		return nil, fmt.Errorf("index %d out of range", i)
	}
	e := m.entries[idx]
	return &e, nil
}
func (m *memLogStore) Entries(lo, hi int64) ([]common.LogEntry, error) {
	out := make([]common.LogEntry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		e, err := m.EntryAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}
func (m *memLogStore) Append(entry common.LogEntry) (int64, error) {
	idx := m.NextSlot()
	return idx, m.WriteAt(idx, entry)
}
func (m *memLogStore) WriteAt(i int64, entry common.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := i - m.start
	if pos < 0 {
		return fmt.Errorf("index %d below start %d", i, m.start)
	}
	entry.Index = i
	if pos < int64(len(m.entries)) {
		m.entries = m.entries[:pos]
	}
	m.entries = append(m.entries, entry)
	return nil
}
func (m *memLogStore) EndOfBatch(start int64, count int) error { return nil }
func (m *memLogStore) Close() error                            { return nil }

type memPStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemPStore() *memPStore { return &memPStore{data: map[string][]byte{}} }

func (m *memPStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}
func (m *memPStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("no such key")
	}
	return v, nil
}
func (m *memPStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	v, err := m.Get(key)
	if err != nil {
		return defaultVal, nil
	}
	return v, nil
}
func (m *memPStore) Close() error { return nil }

type nilSnapStore struct{}

func (nilSnapStore) GetLastSnapshot() (*common.Snapshot, error) { return nil, nil }

type recordingFSM struct {
	mu        sync.Mutex
	applied   []int64
	committed []int64
	rolled    []int64
}

func (f *recordingFSM) PreCommit(index int64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, index)
	return nil
}
func (f *recordingFSM) Rollback(index int64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolled = append(f.rolled, index)
	return nil
}
func (f *recordingFSM) Apply(entry common.LogEntry) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, entry.Index)
	return nil, nil
}

func newTestServer() *RaftServer {
	logStore := newMemLogStore()
	_, _ = logStore.Append(common.LogEntry{Term: 0, Kind: common.EntryNoop})
	return &RaftServer{
		myID:           uuid.New(),
		role:           Follower,
		logStore:       logStore,
		pStore:         newMemPStore(),
		snapStore:      nilSnapStore{},
		fsm:            &recordingFSM{},
		peers:          map[uuid.UUID]*peer{},
		observer:       common.NoopObserver{},
		stateManager:   nopStateManager{},
		snapshotSender: nopSnapshotSender{},
		params:         common.DefaultRaftParams(),
		applyChan:      map[int64]chan ApplyMsg{},
		electionTimeoutChan:  make(chan bool, 10),
		heartbeatTimeoutChan: make(chan bool, 10),
	}
}

func TestHandleAppendEntries_AcceptsAndAppends(t *testing.T) {
	s := newTestServer()
	leader := uuid.New()

	req := &common.AppendEntriesRPC{
		Term:        1,
		Src:         leader,
		Dst:         s.myID,
		LastLogIdx:  1,
		LastLogTerm: 0,
		CommitIdx:   0,
		Entries: []common.LogEntry{
			{Term: 1, Kind: common.EntryApplication, Payload: []byte("a")},
			{Term: 1, Kind: common.EntryApplication, Payload: []byte("b")},
		},
	}
	var result common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result)

	assert.True(t, result.Accepted)
	assert.EqualValues(t, 4, result.NextIdx)
	assert.EqualValues(t, 1, s.term)
	assert.Equal(t, Follower, s.role)

	fsm := s.fsm.(*recordingFSM)
	assert.ElementsMatch(t, []int64{2, 3}, fsm.applied)
}

func TestHandleAppendEntries_RejectsOnLogMismatch(t *testing.T) {
	s := newTestServer()
	leader := uuid.New()

	req := &common.AppendEntriesRPC{
		Term:        1,
		Src:         leader,
		Dst:         s.myID,
		LastLogIdx:  5, // follower doesn't have this entry
		LastLogTerm: 1,
	}
	var result common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result)

	assert.False(t, result.Accepted)
	assert.EqualValues(t, s.logStore.NextSlot(), result.NextIdx)
}

func TestHandleAppendEntries_RejectsOnWithinRangeTermMismatch(t *testing.T) {
	s := newTestServer()
	leader := uuid.New()

	// Follower does have an entry at index 1, but from a different term
	// than the leader claims (newTestServer seeds it at term 0).
	req := &common.AppendEntriesRPC{
		Term:        1,
		Src:         leader,
		Dst:         s.myID,
		LastLogIdx:  1,
		LastLogTerm: 5,
	}
	var result common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result)

	assert.False(t, result.Accepted)
	assert.EqualValues(t, s.logStore.NextSlot(), result.NextIdx)
}

func TestHandleAppendEntries_OverwritesConflictingSuffix(t *testing.T) {
	s := newTestServer()
	leader := uuid.New()

	// Follower has a stale entry at index 2 from term 1; leader's term 2
	// entry at the same index must overwrite it.
	_, _ = s.logStore.Append(common.LogEntry{Term: 1, Kind: common.EntryApplication, Payload: []byte("stale")})

	req := &common.AppendEntriesRPC{
		Term:        2,
		Src:         leader,
		Dst:         s.myID,
		LastLogIdx:  1,
		LastLogTerm: 0,
		Entries: []common.LogEntry{
			{Term: 2, Kind: common.EntryApplication, Payload: []byte("fresh")},
		},
	}
	var result common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result)

	assert.True(t, result.Accepted)
	entry, err := s.logStore.EntryAt(2)
	assert.NoError(t, err)
	assert.Equal(t, "fresh", string(entry.Payload))
	assert.Equal(t, int64(2), entry.Term)

	fsm := s.fsm.(*recordingFSM)
	assert.Contains(t, fsm.rolled, int64(2))
}

func TestHandleAppendEntries_CommitsMinOfLeaderAndLocal(t *testing.T) {
	s := newTestServer()
	leader := uuid.New()

	req := &common.AppendEntriesRPC{
		Term:       1,
		Src:        leader,
		Dst:        s.myID,
		LastLogIdx: 1,
		CommitIdx:  100, // far beyond what's actually being sent
		Entries: []common.LogEntry{
			{Term: 1, Kind: common.EntryApplication, Payload: []byte("a")},
		},
	}
	var result common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result)

	assert.True(t, result.Accepted)
	// Commit index must not outrun the log just because the leader's
	// commit index claims to be further ahead.
	assert.EqualValues(t, 2, s.quickCommitIndex.Load())
}

func TestHandleAppendEntriesResp_AcceptedAdvancesQuorum(t *testing.T) {
	s := newTestServer()
	s.role = Leader
	s.term = 1

	for i := 0; i < 2; i++ {
		_, _ = s.logStore.Append(common.LogEntry{Term: 1, Kind: common.EntryApplication})
	}

	p1 := newPeer(uuid.New(), "p1", nil, false)
	p2 := newPeer(uuid.New(), "p2", nil, false)
	s.peers[p1.id] = p1
	s.peers[p2.id] = p2
	// Responses are handled while the peer's request is still in flight, so
	// the catch-up continuation finds the peer busy and sends nothing (these
	// peers have no transport).
	s.heartbeatTimeout = time.Hour
	assert.True(t, p1.makeBusy())
	assert.True(t, p2.makeBusy())

	req := &common.AppendEntriesRPC{Term: 1}
	s.HandleAppendEntriesResp(p1, req, &common.AppendEntriesRPCResult{Term: 1, Accepted: true, NextIdx: 3})

	// With 3 voting members (leader + p1 + p2), the leader's own log plus
	// p1's match already forms a majority at index 2.
	assert.EqualValues(t, 2, s.quickCommitIndex.Load())

	s.HandleAppendEntriesResp(p2, req, &common.AppendEntriesRPCResult{Term: 1, Accepted: true, NextIdx: 3})
	assert.EqualValues(t, 2, s.quickCommitIndex.Load())
}

func TestHandleAppendEntries_CatchingUpFlagConsumedOnce(t *testing.T) {
	s := newTestServer()
	s.catchingUp.Store(true)
	leader := uuid.New()

	req := &common.AppendEntriesRPC{
		Term:        1,
		Src:         leader,
		Dst:         s.myID,
		LastLogIdx:  5, // mismatch: follower only has index 1
		LastLogTerm: 1,
	}
	var result common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result)
	assert.False(t, result.Accepted)
	assert.False(t, s.catchingUp.Load()) // consumed by the first mismatch

	var result2 common.AppendEntriesRPCResult
	s.HandleAppendEntries(req, &result2)
	assert.False(t, result2.Accepted)
	assert.False(t, s.catchingUp.Load()) // stays cleared
}

func TestHandleAppendEntriesResp_RejectedRegressesNextIdx(t *testing.T) {
	s := newTestServer()
	s.role = Leader
	s.term = 1

	p1 := newPeer(uuid.New(), "p1", nil, false)
	p1.nextLogIdx = 5
	s.peers[p1.id] = p1

	req := &common.AppendEntriesRPC{Term: 1}
	s.HandleAppendEntriesResp(p1, req, &common.AppendEntriesRPCResult{Term: 1, Accepted: false, NextIdx: 2})

	p1.mu.Lock()
	defer p1.mu.Unlock()
	assert.EqualValues(t, 2, p1.nextLogIdx)
}
