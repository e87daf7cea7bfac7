package common

import "github.com/google/uuid"

// LogStore is the durable, ordered sequence of log entries for one raft
// server. Implementations must support concurrent readers while a single
// writer (leader append, or follower reconcile) is active; see the
// persistent package for the boltdb-backed implementation.
type LogStore interface {
	// StartIndex returns the first index still retained (entries below it
	// have been subsumed by a snapshot).
	StartIndex() int64
	// NextSlot returns the index at which the next entry will be written.
	// NextSlot()-1 is the index of the last stored entry.
	NextSlot() int64
	// TermAt returns the term stored at index i, or 0 if unknown.
	TermAt(i int64) int64
	EntryAt(i int64) (*LogEntry, error)
	// Entries returns entries in the half-open range [lo, hi).
	Entries(lo, hi int64) ([]LogEntry, error)
	Append(entry LogEntry) (int64, error)
	// WriteAt truncates any existing suffix at i and writes entry there.
	WriteAt(i int64, entry LogEntry) error
	// EndOfBatch marks the flush/commit boundary after a batch of writes
	// starting at index `start` of length `count`.
	EndOfBatch(start int64, count int) error
	Close() error
}

// SnapshotStore exposes the single "latest" snapshot, if any.
type SnapshotStore interface {
	GetLastSnapshot() (*Snapshot, error)
}

// StateMachine is the application-defined FSM. PreCommit/Rollback are
// speculative notifications driven by log replication (see handle_append_entries);
// Apply is the commit-time operation owned by the commit component.
type StateMachine interface {
	PreCommit(index int64, payload []byte) error
	Rollback(index int64, payload []byte) error
	Apply(entry LogEntry) ([]byte, error)
}

// PersistentStore is a general-purpose store for non-volatile server state
// (term, voted-for, commit index).
type PersistentStore interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	GetDefault(key []byte, defaultVal []byte) ([]byte, error)
	Close() error
}

// StateManager is notified of fatal invariant violations that require the
// process to halt replication.
type StateManager interface {
	SystemExit(code int)
}

// SnapshotSender performs the (unspecified here) snapshot transmission
// protocol. The dispatcher only decides when to delegate to it.
type SnapshotSender interface {
	SendSnapshot(peerID uuid.UUID, lastLogIdx, term, commitIdx int64) error
}

// RPCServer is the interface a raft server exposes to the outside world.
type RPCServer interface {
	GetID() uuid.UUID
	ClientRequest(args *ClientRequestRPC, result *ClientRequestRPCResult) error
	RequestVote(args *RequestVoteRPC, result *RequestVoteRPCResult) error
	AppendEntries(args *AppendEntriesRPC, result *AppendEntriesRPCResult) error
}

// RPCManager abstracts away RPC transport concerns from raft servers.
type RPCManager interface {
	// Start is a blocking call; it serves RPCs at address until Stop.
	Start(address ServerAddress, server RPCServer) error
	ConnectToPeer(address ServerAddress, id uuid.UUID) (RPCServer, error)
	// Stop the RPCManager (permanent).
	Stop() error
	// Disconnect disconnects all managed peers.
	Disconnect()
	// Reconnect can heal the disconnected managed peers.
	Reconnect()
}
