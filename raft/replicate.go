package raft

import (
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/mkuznets/raftcore/common"
)

// appendPlan is what createAppendEntriesReq hands back to its caller: either
// a ready-to-send request, or a request to fall back to a snapshot transfer
// because the peer has fallen further behind than the retained log reaches.
type appendPlan struct {
	req      *common.AppendEntriesRPC
	snapshot *snapshotSyncParams
}

type snapshotSyncParams struct {
	peerID      uuid.UUID
	lastLogIdx  int64
	term        int64
	commitIdx   int64
}

// RequestAppendEntries is the leader dispatcher: it fires off (or retries)
// an AppendEntries to every peer, and handles the single-server / no-voting-peer
// degenerate case by committing directly.
func (s *RaftServer) RequestAppendEntries() {
	s.mu.Lock()
	if s.role != Leader {
		s.mu.Unlock()
		return
	}

	votingPeers := 0
	for _, p := range s.peers {
		if !p.isLearner {
			votingPeers++
		}
	}
	if votingPeers == 0 {
		// No other voters: the leader's own log is the only thing a quorum
		// needs, so it can commit up to its own last entry immediately.
		target := s.logStore.NextSlot() - 1
		s.commitLeaderCandidateLocked(target)
		s.mu.Unlock()
		return
	}
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p := p
		go s.requestAppendEntriesToPeer(p)
	}
}

// requestAppendEntriesToPeer is the per-peer send path: it consults the
// observer veto hook, force-reconnects a peer whose connection has been idle
// for too long, then takes the busy-flag admission gate before building and
// dispatching a request. If the peer is already busy, it accumulates
// long-pause warnings and, past a point, forces the busy flag free so a
// wedged connection can't block replication forever.
func (s *RaftServer) requestAppendEntriesToPeer(p *peer) {
	leaderID := s.currentLeaderID()
	if s.observer.RequestAppendEntries(s.myID, leaderID, p.id) == common.ObserverNullAction {
		return
	}

	p.mu.Lock()
	needToReconnect := p.activeTimerUs() > int64(s.heartbeatTimeout.Microseconds())*int64(s.params.ReconnectLimit)
	if needToReconnect {
		p.resetActiveTimer()
	}
	p.mu.Unlock()
	if needToReconnect {
		log.Printf("%v: connection to %v idle too long, forcing reconnect", s.myID, p.id)
		s.reconnectPeer(p)
	}

	if p.makeBusy() {
		wasManualFree := p.manualFree.CAS(true, false)
		if !wasManualFree {
			// A real recovery: the peer went from long-pause-warned to
			// actually being sent a request again.
			p.mu.Lock()
			if p.longPauseWarnings >= int32(s.params.WarningsLimit) {
				lastTsMs := p.lsTimerUs() / 1000
				p.incRecoveryCnt()
				log.Printf("%v: recovered from long pause to %v, %d warnings, %d ms, %d times",
					s.myID, p.id, p.longPauseWarnings, lastTsMs, p.recoveryCnt)
				if p.recoveryCnt >= s.params.RecoveryResetThreshold {
					p.resetRecoveryCnt()
				}
			}
			p.resetLongPauseWarnings()
			p.mu.Unlock()
		}

		plan, ok := s.createAppendEntriesReq(p)
		if !ok {
			p.setFree()
			return
		}

		p.mu.Lock()
		p.resetLsTimer()
		p.mu.Unlock()

		if plan.snapshot != nil {
			go func() {
				defer p.setFree()
				if err := s.snapshotSender.SendSnapshot(plan.snapshot.peerID, plan.snapshot.lastLogIdx, plan.snapshot.term, plan.snapshot.commitIdx); err != nil {
					log.Printf("%v: snapshot send to %v failed: %v", s.myID, p.id, err)
				}
			}()
			return
		}

		go s.sendAppendEntries(p, plan.req)
		return
	}

	p.mu.Lock()
	lastTsMs := p.lsTimerUs() / 1000
	p.mu.Unlock()
	heartbeatMs := s.heartbeatTimeout.Milliseconds()
	if lastTsMs <= heartbeatMs {
		return
	}

	p.mu.Lock()
	warnings := p.incLongPauseWarnings()
	p.mu.Unlock()
	if warnings < int32(s.params.WarningsLimit) {
		log.Printf("WARN: %v: skipped sending to %v too long, last msg sent %d ms ago", s.myID, p.id, lastTsMs)
	} else if warnings == int32(s.params.WarningsLimit) {
		log.Printf("%v: long pause warning to %v is too verbose, suppressing from now", s.myID, p.id)
	}

	if lastTsMs > heartbeatMs*int64(s.params.BusyFlagLimit) {
		log.Printf("%v: probably something went wrong, temporarily freeing busy flag for %v", s.myID, p.id)
		p.setFree()
		p.manualFree.Store(true)
		p.mu.Lock()
		p.resetLsTimer()
		p.mu.Unlock()
	}
}

// createAppendEntriesReq builds the request to send to p under a consistent
// view of the log: lazily initializes the peer's nextLogIdx on first contact,
// falls back to a snapshot transfer if the peer has fallen behind the
// retained log, and otherwise takes a bounded batch of entries, narrowing the
// batch size on repeated rejects.
func (s *RaftServer) createAppendEntriesReq(p *peer) (appendPlan, bool) {
	s.mu.Lock()
	curNext := s.logStore.NextSlot()
	startIdx := s.logStore.StartIndex()
	commitIdx := s.quickCommitIndex.Load()
	term := s.term
	s.mu.Unlock()

	p.mu.Lock()
	if p.nextLogIdx == 0 {
		p.nextLogIdx = curNext
	}
	lastLogIdx := p.nextLogIdx - 1
	p.mu.Unlock()

	if lastLogIdx >= curNext {
		log.Printf("%v: FATAL invariant violated: peer %v lastLogIdx %d >= nextSlot %d", s.myID, p.id, lastLogIdx, curNext)
		s.stateManager.SystemExit(1)
		return appendPlan{}, false
	}

	if lastLogIdx < startIdx-1 {
		// The entry the peer needs has already been subsumed by a snapshot;
		// the only way to catch it up is to send the snapshot.
		return appendPlan{snapshot: &snapshotSyncParams{
			peerID:     p.id,
			lastLogIdx: lastLogIdx,
			term:       term,
			commitIdx:  commitIdx,
		}}, true
	}

	lastLogTerm := s.termForLog(lastLogIdx)

	// Retry narrowing: if the previous request to this peer covered exactly
	// the same starting point, it wasn't applied; keep count and ship just
	// one entry once the count hits the threshold. Progress (a different
	// starting point) resets the count.
	p.mu.Lock()
	if p.lastSentIdx == lastLogIdx+1 {
		p.incCntNotApplied()
	} else {
		p.resetCntNotApplied()
	}
	narrow := p.cntNotApplied >= s.params.RetryNarrowThreshold
	p.mu.Unlock()

	batchSize := s.params.MaxAppendSize
	if narrow {
		batchSize = 1
	}

	hi := curNext
	if hi > lastLogIdx+1+int64(batchSize) {
		hi = lastLogIdx + 1 + int64(batchSize)
	}
	entries, err := s.logStore.Entries(lastLogIdx+1, hi)
	if err != nil {
		log.Printf("%v: error reading entries [%d,%d) for %v: %v", s.myID, lastLogIdx+1, hi, p.id, err)
		return appendPlan{}, false
	}

	p.mu.Lock()
	p.lastSentIdx = lastLogIdx + 1
	p.mu.Unlock()

	return appendPlan{req: &common.AppendEntriesRPC{
		Term:        term,
		Src:         s.myID,
		Dst:         p.id,
		LastLogIdx:  lastLogIdx,
		LastLogTerm: lastLogTerm,
		CommitIdx:   commitIdx,
		Entries:     entries,
	}}, true
}

func (s *RaftServer) termForLog(idx int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx <= 0 {
		return 0
	}
	if t := s.logStore.TermAt(idx); t > 0 || idx == 0 {
		return t
	}
	if snap, err := s.snapStore.GetLastSnapshot(); err == nil && snap != nil && snap.LastLogIdx == idx {
		return snap.LastLogTerm
	}
	return 0
}

// sendAppendEntries dispatches the RPC and routes the reply into the response
// reducer. A connection error is only logged and counted; it never reaches
// the response reducer. The busy flag is released either way.
func (s *RaftServer) sendAppendEntries(p *peer, req *common.AppendEntriesRPC) {
	defer p.setFree()

	var resp common.AppendEntriesRPCResult
	err := p.rpc.AppendEntries(req, &resp)
	if err != nil {
		p.mu.Lock()
		p.incRecoveryCnt()
		p.mu.Unlock()
		log.Printf("%v: AppendEntries to %v failed: %v", s.myID, p.id, err)
		return
	}
	p.mu.Lock()
	p.resetActiveTimer()
	p.mu.Unlock()
	s.HandleAppendEntriesResp(p, req, &resp)
}

// quorumForCommitLocked computes the highest index a quorum of voting
// members (the leader plus non-learner peers) has matched, using the
// order-statistic over descending-sorted matched indices: index
// numVoting/2 into that sorted array.
func (s *RaftServer) quorumForCommitLocked() int64 {
	matched := make([]int64, 0, len(s.peers)+1)
	matched = append(matched, s.logStore.NextSlot()-1)
	numVoting := 1
	for _, p := range s.peers {
		if p.isLearner {
			continue
		}
		numVoting++
		p.mu.Lock()
		matched = append(matched, p.matchedIdx)
		p.mu.Unlock()
	}
	if len(matched) != numVoting {
		log.Printf("%v: FATAL invariant violated: quorum set size %d != voting members %d", s.myID, len(matched), numVoting)
		s.stateManager.SystemExit(1)
		return s.quickCommitIndex.Load()
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })
	return matched[numVoting/2]
}

// commit advances the commit index to target without the current-term
// restriction, as a follower that trusts the leader's commit index directly
// does. The follower acceptor already holds s.mu, so it applies the same
// rule through commitWithTermCheckLocked(target, false).
func (s *RaftServer) commit(target int64) {
	s.commitWithTermCheck(target, false)
}

// commitLeaderCandidateLocked is commitLeaderCandidate for a caller that
// already holds s.mu.
func (s *RaftServer) commitLeaderCandidateLocked(target int64) {
	s.commitWithTermCheckLocked(target, true)
}

// commitLeaderCandidate advances the commit index to target, but only if
// target names an entry from the leader's current term: per the leader
// completeness property, a leader may not unilaterally conclude an entry
// from a prior term is committed just because a quorum matches it.
func (s *RaftServer) commitLeaderCandidate(target int64) {
	s.commitWithTermCheck(target, true)
}

func (s *RaftServer) commitWithTermCheck(target int64, enforceCurrentTerm bool) {
	s.mu.Lock()
	s.commitWithTermCheckLocked(target, enforceCurrentTerm)
	s.mu.Unlock()
}

func (s *RaftServer) commitWithTermCheckLocked(target int64, enforceCurrentTerm bool) {
	if target <= s.quickCommitIndex.Load() {
		return
	}
	if enforceCurrentTerm {
		if entryTerm := s.logStore.TermAt(target); entryTerm != s.term {
			return
		}
	}
	s.quickCommitIndex.Store(target)
	s.applyUpTo(target)
}

// applyUpTo applies every committed-but-unapplied entry up to and including
// target, in order, notifying any ClientRequest waiting on it.
func (s *RaftServer) applyUpTo(target int64) {
	for s.appliedIndex < target {
		idx := s.appliedIndex + 1
		entry, err := s.logStore.EntryAt(idx)
		if err != nil {
			log.Printf("%v: error reading entry %d to apply: %v", s.myID, idx, err)
			return
		}
		var bytes []byte
		var applyErr error
		if entry.Kind == common.EntryApplication {
			bytes, applyErr = s.fsm.Apply(*entry)
		}
		s.appliedIndex = idx
		s.smCommitIndex.Store(idx)
		_ = setCommitIndex(s.pStore, idx)
		if ch, ok := s.applyChan[idx]; ok {
			ch <- ApplyMsg{Err: applyErr, Bytes: bytes}
			delete(s.applyChan, idx)
		}
	}
}

// HandleAppendEntriesResp is the response reducer: on acceptance it advances
// the peer's matched/next indices, notifies the observer, recomputes the
// quorum commit candidate and commits it; on rejection it fast-jumps or
// decrements nextLogIdx and logs (at a level depending on whether the reject
// is expected noise from a recent role change), then either way may need to
// immediately continue catching the peer up.
func (s *RaftServer) HandleAppendEntriesResp(p *peer, req *common.AppendEntriesRPC, resp *common.AppendEntriesRPCResult) {
	s.mu.Lock()
	if resp.Term > s.term {
		s.term = resp.Term
		_ = setTerm(s.pStore, s.term)
		s.votedFor = nil
		_ = setVotedFor(s.pStore, nil)
		s.convertToFollowerLocked()
		s.mu.Unlock()
		return
	}
	if s.role != Leader || s.term != req.Term {
		s.mu.Unlock()
		return
	}

	if resp.Accepted {
		p.mu.Lock()
		if resp.NextIdx > p.matchedIdx+1 {
			p.matchedIdx = resp.NextIdx - 1
		}
		p.nextLogIdx = resp.NextIdx
		p.resetRecoveryCnt()
		matchedIdx := p.matchedIdx
		p.mu.Unlock()

		s.observer.GotAppendEntryRespFromPeer(s.myID, s.myID, p.id, matchedIdx)

		candidate := s.quorumForCommitLocked()
		s.commitWithTermCheckLocked(candidate, true)
	} else {
		p.mu.Lock()
		if resp.NextIdx > 0 && resp.NextIdx < p.nextLogIdx {
			p.nextLogIdx = resp.NextIdx
		} else if p.nextLogIdx > 1 {
			p.nextLogIdx--
		}
		p.mu.Unlock()
		suppress := p.needToSuppressError(s.heartbeatTimeout)

		if suppress {
			log.Printf("INFO: %v: AppendEntries to %v rejected (suppressed, recent role change)", s.myID, p.id)
		} else {
			log.Printf("WARN: %v: AppendEntries to %v rejected, retrying from %d", s.myID, p.id, resp.NextIdx)
		}
	}

	needToCatchup := resp.NextIdx < s.logStore.NextSlot()
	s.mu.Unlock()

	if needToCatchup {
		go s.requestAppendEntriesToPeer(p)
	}
}
