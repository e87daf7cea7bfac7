package raft

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/mkuznets/raftcore/common"
)

// peer tracks the leader's view of replication progress towards one remote
// voter or learner. busy/manualFree are standalone atomics (the sole
// admission gate for sending, per makeBusy); every other field is guarded
// by mu, matching the "per-peer lock" of the concurrency model.
type peer struct {
	id        uuid.UUID
	address   common.ServerAddress
	rpc       common.RPCServer
	isLearner bool

	busy       atomic.Bool
	manualFree atomic.Bool

	mu            sync.Mutex
	nextLogIdx    int64
	matchedIdx    int64
	lastSentIdx   int64
	cntNotApplied int32

	lsTimerAt     time.Time
	activeTimerAt time.Time

	longPauseWarnings int32
	recoveryCnt       int32

	// lastRoleChangeAt supports needToSuppressError: rejects that land
	// right after a leadership change are expected, so they're logged at
	// INFO instead of WARN.
	lastRoleChangeAt time.Time
}

func newPeer(id uuid.UUID, address common.ServerAddress, rpc common.RPCServer, isLearner bool) *peer {
	now := time.Now()
	return &peer{
		id:               id,
		address:          address,
		rpc:              rpc,
		isLearner:        isLearner,
		lsTimerAt:        now,
		activeTimerAt:    now,
		lastRoleChangeAt: now,
	}
}

// makeBusy is the sole admission gate for sending a request to this peer.
// It returns true iff the flag transitioned false->true.
func (p *peer) makeBusy() bool {
	return p.busy.CAS(false, true)
}

func (p *peer) setFree() {
	p.busy.Store(false)
}

// lsTimerUs returns elapsed microseconds since the last send (or reset).
// Caller must hold p.mu.
func (p *peer) lsTimerUs() int64 {
	return time.Since(p.lsTimerAt).Microseconds()
}

func (p *peer) resetLsTimer() {
	p.lsTimerAt = time.Now()
}

func (p *peer) activeTimerUs() int64 {
	return time.Since(p.activeTimerAt).Microseconds()
}

func (p *peer) resetActiveTimer() {
	p.activeTimerAt = time.Now()
}

func (p *peer) incLongPauseWarnings() int32 {
	p.longPauseWarnings++
	return p.longPauseWarnings
}

func (p *peer) resetLongPauseWarnings() {
	p.longPauseWarnings = 0
}

func (p *peer) incRecoveryCnt() int32 {
	p.recoveryCnt++
	return p.recoveryCnt
}

func (p *peer) resetRecoveryCnt() {
	p.recoveryCnt = 0
}

func (p *peer) incCntNotApplied() int32 {
	p.cntNotApplied++
	return p.cntNotApplied
}

func (p *peer) resetCntNotApplied() {
	p.cntNotApplied = 0
}

func (p *peer) markRoleChange() {
	p.mu.Lock()
	p.lastRoleChangeAt = time.Now()
	p.mu.Unlock()
}

// needToSuppressError reports whether a reject arriving right now is
// expected noise from a recent role change rather than a real problem.
func (p *peer) needToSuppressError(heartbeat time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastRoleChangeAt) < heartbeat
}
