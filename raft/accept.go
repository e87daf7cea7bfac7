package raft

import (
	"log"

	"github.com/mkuznets/raftcore/common"
)

// AppendEntries is the RPC entry point a follower exposes to its leader. It
// delegates straight to HandleAppendEntries; the split exists so tests can
// call HandleAppendEntries directly without going through the RPC layer.
func (s *RaftServer) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	if s.disconnected.Load() {
		return nil
	}
	s.HandleAppendEntries(args, result)
	return nil
}

// HandleAppendEntries is the follower acceptor. It reconciles terms, rejects
// requests that don't extend from a log entry the follower actually has,
// and otherwise reconciles the follower's log with the leader's entries in
// three phases: skip the already-matching prefix, overwrite a conflicting
// suffix, and append whatever of the leader's batch remains. It then
// advances the commit index to min(leader's commit index, last entry just
// written) and restarts the election timer, since hearing from a live
// leader means there's no need to start an election.
func (s *RaftServer) HandleAppendEntries(req *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) {
	s.servingReq.Store(true)
	defer s.servingReq.Store(false)

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.restartElectionTimer()
	}()

	if req.Term < s.term {
		result.Term = s.term
		result.Src = s.myID
		result.Dst = req.Src
		result.Accepted = false
		result.NextIdx = s.logStore.NextSlot()
		return
	}

	if req.Term == s.term && s.role == Leader {
		// Another leader claims this same term: a cluster bug. Log it and
		// send no response rather than stepping down or crashing.
		log.Printf("WARN: %v: leader %v claims term %d, which this leader already holds", s.myID, req.Src, req.Term)
		return
	}
	if req.Term > s.term {
		s.term = req.Term
		_ = setTerm(s.pStore, s.term)
		s.votedFor = nil
		_ = setVotedFor(s.pStore, nil)
	}
	if s.role != Follower {
		s.convertToFollowerLocked()
	} else {
		s.updateTargetPriorityLocked()
	}
	leader := req.Src
	s.currentLeader = &leader

	s.observer.GotAppendEntryReqFromLeader(s.myID, req.Src, req)

	result.Term = s.term
	result.Src = s.myID
	result.Dst = req.Src

	logOkay := req.LastLogIdx == 0 ||
		(req.LastLogIdx < s.logStore.NextSlot() && s.logTermAtLocked(req.LastLogIdx) == req.LastLogTerm)

	if !logOkay {
		result.Accepted = false
		result.NextIdx = s.logStore.NextSlot()
		if s.catchingUp.CAS(true, false) {
			log.Printf("INFO: %v: rejecting append from %v while catching up from snapshot, next %d", s.myID, req.Src, result.NextIdx)
		} else {
			log.Printf("WARN: %v: rejecting append from %v on log mismatch, next %d", s.myID, req.Src, result.NextIdx)
		}
		return
	}

	// Phase A: skip the prefix of req.Entries that already matches.
	matchUpTo := req.LastLogIdx
	entries := req.Entries
	for len(entries) > 0 {
		idx := matchUpTo + 1
		if idx >= s.logStore.NextSlot() {
			break
		}
		if s.logStore.TermAt(idx) != entries[0].Term {
			break
		}
		matchUpTo = idx
		entries = entries[1:]
	}

	// Phase B: while there's both a stored entry and an incoming entry at
	// log_idx, the stored one must be wrong (Phase A already consumed any
	// agreement) — roll it back if it was speculatively applied, then
	// overwrite. A committed-then-overwritten entry can't happen under a
	// correct leader, but is handled defensively by regressing the commit
	// indices rather than trusting them.
	logIdx := matchUpTo + 1
	written := 0
	for len(entries) > 0 && logIdx < s.logStore.NextSlot() {
		old, err := s.logStore.EntryAt(logIdx)
		if err != nil {
			log.Printf("%v: error reading entry %d to overwrite: %v", s.myID, logIdx, err)
			result.Accepted = false
			result.NextIdx = s.logStore.NextSlot()
			return
		}
		if old.Kind == common.EntryApplication {
			if err := s.fsm.Rollback(logIdx, old.Payload); err != nil {
				log.Printf("%v: rollback of entry %d failed: %v", s.myID, logIdx, err)
			}
		} else if old.Kind == common.EntryConfiguration {
			s.configChanging.Store(false)
			log.Printf("%v: reverting in-progress configuration change at %d", s.myID, logIdx)
		}

		entry := entries[0]
		entry.Index = logIdx
		if err := s.logStore.WriteAt(logIdx, entry); err != nil {
			log.Printf("%v: error writing entry %d: %v", s.myID, logIdx, err)
			result.Accepted = false
			result.NextIdx = s.logStore.NextSlot()
			return
		}
		if entry.Kind == common.EntryApplication {
			if err := s.fsm.PreCommit(logIdx, entry.Payload); err != nil {
				log.Printf("%v: pre-commit of entry %d failed: %v", s.myID, logIdx, err)
			}
		} else if entry.Kind == common.EntryConfiguration {
			s.configChanging.Store(true)
		}

		// An entry below the commit index being overwritten is impossible
		// under correct Raft, but regress defensively rather than trust it.
		if logIdx <= s.smCommitIndex.Load() {
			s.smCommitIndex.Store(logIdx - 1)
			s.quickCommitIndex.Store(logIdx - 1)
		}

		written++
		logIdx++
		entries = entries[1:]

		if s.stopping.Load() {
			result.Accepted = true
			result.NextIdx = logIdx
			return
		}
	}

	// Phase C: append whatever of the leader's batch is left past the tail
	// of the follower's log.
	writeStart := matchUpTo + 1
	for _, e := range entries {
		entry := e
		entry.Index = logIdx
		if err := s.logStore.WriteAt(logIdx, entry); err != nil {
			log.Printf("%v: error appending entry %d: %v", s.myID, logIdx, err)
			result.Accepted = false
			result.NextIdx = s.logStore.NextSlot()
			return
		}
		if entry.Kind == common.EntryApplication {
			if err := s.fsm.PreCommit(logIdx, entry.Payload); err != nil {
				log.Printf("%v: pre-commit of entry %d failed: %v", s.myID, logIdx, err)
			}
		} else if entry.Kind == common.EntryConfiguration {
			s.configChanging.Store(true)
		}
		written++
		logIdx++
	}

	if written > 0 {
		if err := s.logStore.EndOfBatch(writeStart, written); err != nil {
			log.Printf("%v: error ending batch at %d: %v", s.myID, writeStart, err)
		}
	}

	lastNew := logIdx - 1

	// lastNew is now the index of the last entry this follower has that the
	// leader also has. The follower trusts the leader's commit index
	// directly; see commit's doc comment for why this doesn't apply the
	// current-term restriction a leader's own commit does.
	if req.CommitIdx > s.quickCommitIndex.Load() {
		target := req.CommitIdx
		if lastNew < target {
			target = lastNew
		}
		s.commitWithTermCheckLocked(target, false)
	}

	result.Accepted = true
	result.NextIdx = lastNew + 1
}

// logTermAtLocked is TermAt that also consults the last snapshot, so a
// follower whose log has been trimmed can still validate the entry right at
// the snapshot boundary. Caller must hold s.mu.
func (s *RaftServer) logTermAtLocked(idx int64) int64 {
	if idx == 0 {
		return 0
	}
	if idx < s.logStore.StartIndex() {
		if snap, err := s.snapStore.GetLastSnapshot(); err == nil && snap != nil && snap.LastLogIdx == idx {
			return snap.LastLogTerm
		}
		return 0
	}
	return s.logStore.TermAt(idx)
}
