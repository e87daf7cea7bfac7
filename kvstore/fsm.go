// Package kvstore is a small key-value application built on top of the
// replication core, used both to exercise it end-to-end and as a runnable
// example for library consumers.
package kvstore

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mkuznets/raftcore/common"
)

// OpType distinguishes the two operations the key-value FSM understands.
type OpType int

const (
	Set OpType = iota
	Get
)

// Request is the JSON payload carried by a common.LogEntry's Payload for
// this application. TransactionId lets the FSM recognize a retried request
// and answer it idempotently instead of applying it twice.
type Request struct {
	Type          OpType
	Key           string
	Val           string
	TransactionId uuid.UUID
}

// KeyValFSM is the common.StateMachine implementation for the key-value
// store. Committed state lives in a fastcache in-memory cache (reliably
// reconstructed on restart by replaying the log); recent responses are kept
// in a short-lived go-cache so a retried client request with the same
// TransactionId gets the original answer instead of being re-applied.
type KeyValFSM struct {
	store  *fastcache.Cache
	seen   *gocache.Cache
}

var _ common.StateMachine = &KeyValFSM{}

const dedupTTL = 5 * time.Minute

func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store: fastcache.New(32 * 1024 * 1024),
		seen:  gocache.New(dedupTTL, dedupTTL*2),
	}
}

// PreCommit is a no-op: this application has no side effects to speculate
// before the entry actually commits.
func (fsm *KeyValFSM) PreCommit(index int64, payload []byte) error {
	return nil
}

// Rollback is a no-op for the same reason.
func (fsm *KeyValFSM) Rollback(index int64, payload []byte) error {
	return nil
}

func (fsm *KeyValFSM) Apply(entry common.LogEntry) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(entry.Payload, &req); err != nil {
		return nil, err
	}

	if req.TransactionId != uuid.Nil {
		if cached, ok := fsm.seen.Get(req.TransactionId.String()); ok {
			result := cached.(cachedResult)
			return result.bytes, result.err
		}
	}

	bytes, err := fsm.apply(req)

	if req.TransactionId != uuid.Nil {
		fsm.seen.Set(req.TransactionId.String(), cachedResult{bytes: bytes, err: err}, gocache.DefaultExpiration)
	}
	return bytes, err
}

type cachedResult struct {
	bytes []byte
	err   error
}

func (fsm *KeyValFSM) apply(req Request) ([]byte, error) {
	switch req.Type {
	case Set:
		fsm.store.Set([]byte(req.Key), []byte(req.Val))
		return nil, nil
	case Get:
		val, ok := fsm.store.HasGet(nil, []byte(req.Key))
		if !ok {
			return nil, errors.New("key does not exist")
		}
		return val, nil
	default:
		return nil, errors.New("unknown request type")
	}
}
