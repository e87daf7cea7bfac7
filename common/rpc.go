package common

import (
	"github.com/google/uuid"
)

type ClientRequestRPC struct {
	Data []byte
}

type ClientRequestRPCResult struct {
	Success bool
	// Error will be non-empty iff Success is False
	Error string
	// Data can be non-nil for example for Get calls
	Data []byte
}

// See Raft paper for details on below RPCs

type RequestVoteRPC struct {
	Term         int64
	CandidateID  uuid.UUID
	LastLogIndex int64
	LastLogTerm  int64
}

type RequestVoteRPCResult struct {
	Term        int64
	VoteGranted bool
}

// AppendEntriesRPC carries a batch (possibly empty, for a heartbeat) of log
// entries from a leader to one follower, piggy-backing the leader's commit
// index. Src/Dst identify the sending leader and the addressed follower.
type AppendEntriesRPC struct {
	Term        int64
	Src         uuid.UUID
	Dst         uuid.UUID
	LastLogIdx  int64
	LastLogTerm int64
	CommitIdx   int64
	Entries     []LogEntry
}

// AppendEntriesRPCResult is the follower's reply. NextIdx is always set: on
// accept it is the index of the entry after the last one the follower now
// has; on reject it is a fast-jump hint for the leader.
type AppendEntriesRPCResult struct {
	Term     int64
	Src      uuid.UUID
	Dst      uuid.UUID
	NextIdx  int64
	Accepted bool
}
