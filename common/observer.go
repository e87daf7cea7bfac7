package common

import "github.com/google/uuid"

// ObserverAction is returned by the RequestAppendEntries hook to veto an
// outbound send.
type ObserverAction int

const (
	ObserverContinue ObserverAction = iota
	ObserverNullAction
)

// ObserverHooks are synchronous callbacks the replication core invokes at
// well-defined points. Only RequestAppendEntries's return value is acted
// upon; the other two are fire-and-forget notifications.
type ObserverHooks interface {
	RequestAppendEntries(myID, leaderID, peerID uuid.UUID) ObserverAction
	GotAppendEntryReqFromLeader(myID, leaderID uuid.UUID, req *AppendEntriesRPC)
	GotAppendEntryRespFromPeer(myID, leaderID, peerID uuid.UUID, matchedIdx int64)
}

// NoopObserver implements ObserverHooks with no side effects.
type NoopObserver struct{}

var _ ObserverHooks = NoopObserver{}

func (NoopObserver) RequestAppendEntries(myID, leaderID, peerID uuid.UUID) ObserverAction {
	return ObserverContinue
}

func (NoopObserver) GotAppendEntryReqFromLeader(myID, leaderID uuid.UUID, req *AppendEntriesRPC) {}

func (NoopObserver) GotAppendEntryRespFromPeer(myID, leaderID, peerID uuid.UUID, matchedIdx int64) {
}
