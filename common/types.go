package common

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind distinguishes the three kinds of payload a log entry may carry.
type EntryKind int32

const (
	EntryApplication EntryKind = iota
	EntryConfiguration
	EntryNoop
)

func (k EntryKind) String() string {
	switch k {
	case EntryApplication:
		return "application"
	case EntryConfiguration:
		return "configuration"
	case EntryNoop:
		return "no-op"
	default:
		return "unknown"
	}
}

// LogEntry is the (term, kind, payload) triple replicated between servers.
// Entries live at monotonically increasing 1-based indices.
type LogEntry struct {
	Index   int64
	Term    int64
	Kind    EntryKind
	Payload []byte
}

// Snapshot is an immutable summary of the state machine up to (and
// including) LastLogIdx. State is opaque to the replication core.
type Snapshot struct {
	LastLogIdx  int64
	LastLogTerm int64
	State       []byte
}

// ServerAddress is a dialable network address (host:port).
type ServerAddress string

// Server identifies one member of a raft cluster.
type Server struct {
	ID         uuid.UUID
	NetAddress ServerAddress
}

// RaftParams carries the tunable knobs recognized by the replication core.
// Field names mirror the configuration options named in the specification.
type RaftParams struct {
	MaxAppendSize          int
	ReconnectLimit         int
	BusyFlagLimit          int
	WarningsLimit          int
	RetryNarrowThreshold   int32
	RecoveryResetThreshold int32
}

// DefaultRaftParams returns the recommended defaults.
func DefaultRaftParams() RaftParams {
	return RaftParams{
		MaxAppendSize:          100,
		ReconnectLimit:         20,
		BusyFlagLimit:          20,
		WarningsLimit:          20,
		RetryNarrowThreshold:   5,
		RecoveryResetThreshold: 10,
	}
}

// ClusterConfig specifies the cluster topology and the tunables of the
// replication and election protocol.
type ClusterConfig struct {
	Cluster          []Server
	Learners         map[uuid.UUID]bool
	HeartBeatTimeout time.Duration
	ElectionTimeout  time.Duration
	Params           RaftParams
}

func (c ClusterConfig) IsLearner(id uuid.UUID) bool {
	return c.Learners != nil && c.Learners[id]
}
