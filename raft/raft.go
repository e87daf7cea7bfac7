package raft

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/mkuznets/raftcore/common"
)

// ApplyMsg is delivered to a waiting ClientRequest once its log entry has
// been committed and applied to the state machine.
type ApplyMsg struct {
	Err   error
	Bytes []byte
}

// RaftServer is a single member of a raft cluster. It owns the server lock
// (mu) guarding role/term/log-store-view/commit indices/membership, and a
// collection of per-peer trackers each guarded by their own lock.
type RaftServer struct {
	mu sync.Mutex // server lock: outer, always acquired before any peer lock

	myID uuid.UUID

	role          RaftRole
	term          int64
	votedFor      *uuid.UUID
	currentLeader *uuid.UUID

	appliedIndex int64

	peers     map[uuid.UUID]*peer
	peerOrder []uuid.UUID

	// Lock-free fields readable without the server lock.
	smCommitIndex     atomic.Int64
	quickCommitIndex  atomic.Int64
	leaderCommitIndex atomic.Int64
	configChanging    atomic.Bool
	servingReq        atomic.Bool
	stopping          atomic.Bool
	initialized       atomic.Bool
	catchingUp        atomic.Bool
	disconnected      atomic.Bool

	fsm            common.StateMachine
	logStore       common.LogStore
	pStore         common.PersistentStore
	snapStore      common.SnapshotStore
	snapshotSender common.SnapshotSender
	stateManager   common.StateManager
	observer       common.ObserverHooks
	manager        common.RPCManager

	params           common.RaftParams
	heartbeatTimeout time.Duration
	electionTimeout  time.Duration

	electionTimeoutChan  chan bool
	heartbeatTimeoutChan chan bool
	applyChan            map[int64]chan ApplyMsg
	stopChan             chan struct{}
}

var _ common.RPCServer = &RaftServer{}

// nopStateManager satisfies common.StateManager when the caller supplies
// none; SystemExit just logs, since actually exiting the process is the
// embedding application's call.
type nopStateManager struct{}

func (nopStateManager) SystemExit(code int) {
	log.Printf("FATAL: state manager notified of exit code %d (no state manager installed)", code)
}

// nopSnapshotSender satisfies common.SnapshotSender when the caller
// supplies none; snapshot transfer is out of scope for the replication
// core, so a server that needs it must install a real implementation via
// SetSnapshotSender.
type nopSnapshotSender struct{}

func (nopSnapshotSender) SendSnapshot(peerID uuid.UUID, lastLogIdx, term, commitIdx int64) error {
	return fmt.Errorf("no snapshot sender installed")
}

// SetObserver installs hooks invoked at well-defined points in the
// replication protocol. Must be called before the server starts handling
// requests.
func (s *RaftServer) SetObserver(o common.ObserverHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// SetStateManager installs the collaborator notified of fatal invariant
// violations.
func (s *RaftServer) SetStateManager(m common.StateManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateManager = m
}

// SetSnapshotSender installs the collaborator responsible for transferring
// a snapshot to a peer that has fallen behind the retained log.
func (s *RaftServer) SetSnapshotSender(sender common.SnapshotSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotSender = sender
}

// NewRaftServer constructs and starts a raft server: it opens the log store
// (seeding a term-0 sentinel entry at index 1 if empty), connects to every peer in
// the cluster config, and starts the election/heartbeat timer goroutines.
func NewRaftServer(
	me common.Server,
	cluster common.ClusterConfig,
	fsm common.StateMachine,
	logStore common.LogStore,
	pStore common.PersistentStore,
	snapStore common.SnapshotStore,
	manager common.RPCManager,
) *RaftServer {
	params := cluster.Params
	if params.MaxAppendSize == 0 {
		params = common.DefaultRaftParams()
	}

	s := &RaftServer{
		myID:                 me.ID,
		term:                 getTerm(pStore),
		votedFor:             getVotedFor(pStore),
		role:                 Candidate,
		peers:                make(map[uuid.UUID]*peer),
		fsm:                  fsm,
		logStore:             logStore,
		pStore:               pStore,
		snapStore:            snapStore,
		stateManager:         nopStateManager{},
		observer:             common.NoopObserver{},
		snapshotSender:       nopSnapshotSender{},
		manager:              manager,
		params:               params,
		heartbeatTimeout:     cluster.HeartBeatTimeout,
		electionTimeout:      cluster.ElectionTimeout,
		electionTimeoutChan:  make(chan bool, 10),
		heartbeatTimeoutChan: make(chan bool, 10),
		applyChan:            make(map[int64]chan ApplyMsg),
		stopChan:             make(chan struct{}),
	}
	s.smCommitIndex.Store(getCommitIndex(pStore))
	s.quickCommitIndex.Store(s.smCommitIndex.Load())

	if logStore.NextSlot() <= logStore.StartIndex() {
		if _, err := logStore.Append(common.LogEntry{Term: 0, Kind: common.EntryNoop}); err != nil {
			log.Printf("error initializing log store: %v", err)
			return nil
		}
	}

	for _, srv := range cluster.Cluster {
		if srv.ID == me.ID {
			continue
		}
		client, err := manager.ConnectToPeer(srv.NetAddress, srv.ID)
		if err != nil {
			log.Printf("can't connect to peer %v at %v: %v", srv.ID, srv.NetAddress, err)
			return nil
		}
		p := newPeer(srv.ID, srv.NetAddress, client, cluster.IsLearner(srv.ID))
		s.peers[srv.ID] = p
		s.peerOrder = append(s.peerOrder, srv.ID)
	}

	go s.electionTimeoutController()
	go s.heartBeatTimeoutController()
	go func() {
		if err := manager.Start(me.NetAddress, s); err != nil {
			log.Printf("%v: failed to start RPC server: %v", s.myID, err)
		}
	}()

	s.electionTimeoutChan <- true
	s.heartbeatTimeoutChan <- false

	log.Printf("%v: initialization complete", s.myID)
	return s
}

func (s *RaftServer) GetID() uuid.UUID {
	return s.myID
}

// ClientRequest is the entry point for application writes. Non-leaders
// forward to whichever peer they last heard was leader.
func (s *RaftServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	if s.disconnected.Load() {
		return fmt.Errorf("%v is disconnected", s.myID)
	}

	s.mu.Lock()
	if s.role != Leader {
		leader := s.currentLeader
		peers := s.peers
		s.mu.Unlock()
		if leader != nil {
			if p, ok := peers[*leader]; ok {
				return p.rpc.ClientRequest(args, result)
			}
		}
		result.Success = false
		result.Error = "not connected to leader"
		return nil
	}

	entry := common.LogEntry{Term: s.term, Kind: common.EntryApplication, Payload: args.Data}
	idx, err := s.logStore.Append(entry)
	if err != nil {
		s.mu.Unlock()
		result.Success = false
		result.Error = err.Error()
		return fmt.Errorf("unable to append entry to leader log store: %w", err)
	}
	ch := make(chan ApplyMsg, 1)
	s.applyChan[idx] = ch
	s.mu.Unlock()

	s.RequestAppendEntries()

	applied := <-ch
	result.Data = applied.Bytes
	if applied.Err != nil {
		result.Success = false
		result.Error = applied.Err.Error()
	} else {
		result.Success = true
	}
	return nil
}

func (s *RaftServer) getLastLogEntryLocked() (*common.LogEntry, error) {
	idx := s.logStore.NextSlot() - 1
	return s.logStore.EntryAt(idx)
}

func (s *RaftServer) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	if s.disconnected.Load() {
		return fmt.Errorf("%v is disconnected", s.myID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if args.Term > s.term {
		s.term = args.Term
		_ = setTerm(s.pStore, s.term)
		s.votedFor = nil
		_ = setVotedFor(s.pStore, nil)
		s.convertToFollowerLocked()
	}
	result.Term = s.term

	if args.Term < s.term {
		result.VoteGranted = false
		return nil
	}
	if s.votedFor != nil && *s.votedFor != args.CandidateID {
		result.VoteGranted = false
		return nil
	}

	last, err := s.getLastLogEntryLocked()
	if err != nil {
		log.Printf("%v: error reading last log entry: %v", s.myID, err)
		return err
	}

	upToDate := args.LastLogTerm > last.Term ||
		(args.LastLogTerm == last.Term && args.LastLogIndex >= last.Index)
	result.VoteGranted = upToDate
	if upToDate {
		s.votedFor = &args.CandidateID
		_ = setVotedFor(s.pStore, s.votedFor)
	}
	return nil
}

// Stop shuts the server down. It does not guarantee releasing every
// resource, and no call (including Stop) should be made on a stopped
// server afterwards.
func (s *RaftServer) Stop() error {
	s.stopping.Store(true)
	s.mu.Lock()
	close(s.stopChan)
	managerErr := s.manager.Stop()
	logErr := s.logStore.Close()
	pErr := s.pStore.Close()
	var snapErr error
	if closer, ok := s.snapStore.(interface{ Close() error }); ok {
		snapErr = closer.Close()
	}
	log.Printf("%v: shutdown", s.myID)
	s.mu.Unlock()
	return multierr.Combine(managerErr, logErr, pErr, snapErr)
}

// NotifySnapshotApplied tells the replication core that a snapshot has just
// been installed out-of-band (snapshot transfer itself is this server's
// collaborator's job, not this package's). The next log-mismatch reject this
// follower sends is expected noise from the resulting gap, so it is logged
// at INFO instead of WARN, once.
func (s *RaftServer) NotifySnapshotApplied() {
	s.catchingUp.Store(true)
}

// Disconnect simulates a network partition: RPCs still flow at the
// transport layer, but this server observes and signals a disconnect.
func (s *RaftServer) Disconnect() {
	s.disconnected.Store(true)
	s.manager.Disconnect()
}

func (s *RaftServer) Reconnect() {
	s.disconnected.Store(false)
	s.manager.Reconnect()
}

// convertToFollowerLocked assumes the caller holds mu.
func (s *RaftServer) convertToFollowerLocked() {
	log.Printf("%v: converting to follower", s.myID)
	s.role = Follower
	s.currentLeader = nil
	s.markAllPeersRoleChange()
	s.electionTimeoutChan <- true
	s.heartbeatTimeoutChan <- false
}

func (s *RaftServer) becomeFollowerLocked() {
	s.convertToFollowerLocked()
}

// updateTargetPriorityLocked refreshes priority-based election hinting.
// Priority elections are out of scope for the replication core; this is a
// no-op placeholder for the collaborator the specification references.
func (s *RaftServer) updateTargetPriorityLocked() {}

func (s *RaftServer) markAllPeersRoleChange() {
	for _, p := range s.peers {
		p.markRoleChange()
	}
}

func (s *RaftServer) convertToCandidateLocked() {
	log.Printf("%v: converting to candidate", s.myID)
	s.role = Candidate
	s.currentLeader = nil
	s.markAllPeersRoleChange()
	s.term++
	_ = setTerm(s.pStore, s.term)
	s.votedFor = &s.myID
	_ = setVotedFor(s.pStore, s.votedFor)

	totalServers := len(s.peers) + 1
	reqToMajority := totalServers/2 + 1

	last, err := s.getLastLogEntryLocked()
	if err != nil {
		log.Printf("%v: error reading last log entry: %v", s.myID, err)
		return
	}

	req := &common.RequestVoteRPC{
		Term:         s.term,
		CandidateID:  s.myID,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
	}
	term := s.term

	voteCh := make(chan bool, totalServers)
	for _, p := range s.peers {
		p := p
		go func() {
			var resp common.RequestVoteRPCResult
			if err := p.rpc.RequestVote(req, &resp); err != nil {
				log.Printf("%v: error requesting vote from %v: %v", s.myID, p.id, err)
				voteCh <- false
				return
			}
			s.mu.Lock()
			if resp.Term > s.term {
				s.term = resp.Term
				_ = setTerm(s.pStore, s.term)
				s.votedFor = nil
				_ = setVotedFor(s.pStore, nil)
				s.convertToFollowerLocked()
			}
			s.mu.Unlock()
			voteCh <- resp.VoteGranted
		}()
	}

	go func() {
		votes, granted := 1, 1
		for granted < reqToMajority && votes < totalServers {
			if <-voteCh {
				granted++
			}
			votes++
		}
		if granted >= reqToMajority {
			log.Printf("%v: won election for term %d with %d votes", s.myID, term, granted)
			s.mu.Lock()
			s.convertToLeaderLocked(term)
			s.mu.Unlock()
		}
	}()
}

func (s *RaftServer) convertToLeaderLocked(term int64) {
	if term != s.term {
		log.Printf("%v: discarding stale election result for term %d (now %d)", s.myID, term, s.term)
		return
	}
	if s.role != Candidate {
		log.Printf("%v: ignoring invalid transition %v -> leader", s.myID, s.role)
		return
	}
	log.Printf("%v: converting to leader", s.myID)
	s.role = Leader
	s.currentLeader = &s.myID
	s.markAllPeersRoleChange()
	s.electionTimeoutChan <- false
	s.heartbeatTimeoutChan <- true

	nextIdx := s.logStore.NextSlot()
	for _, p := range s.peers {
		p.mu.Lock()
		p.nextLogIdx = nextIdx
		p.matchedIdx = 0
		p.lastSentIdx = 0
		p.cntNotApplied = 0
		p.mu.Unlock()
	}
	go s.RequestAppendEntries()
}

func (s *RaftServer) currentTerm() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

func (s *RaftServer) currentRole() RaftRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Term returns the server's current term.
func (s *RaftServer) Term() int64 {
	return s.currentTerm()
}

// Role returns the server's current role.
func (s *RaftServer) Role() RaftRole {
	return s.currentRole()
}

// LastLogIndex returns the index of the last entry in this server's log.
func (s *RaftServer) LastLogIndex() int64 {
	return s.currentNextSlot() - 1
}

func (s *RaftServer) currentLeaderID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLeader == nil {
		return uuid.Nil
	}
	return *s.currentLeader
}

func (s *RaftServer) currentNextSlot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logStore.NextSlot()
}

func timeoutRandomizer(timeout time.Duration) time.Duration {
	return timeout + time.Duration(rand.Float64()*float64(timeout))
}

func (s *RaftServer) electionTimeoutController() {
	ticker := time.NewTicker(timeoutRandomizer(s.electionTimeout))
	for {
		select {
		case _, ok := <-s.stopChan:
			if !ok {
				ticker.Stop()
				return
			}
		case <-ticker.C:
			ticker.Stop()
			s.mu.Lock()
			if s.role != Leader {
				s.convertToCandidateLocked()
			}
			s.mu.Unlock()
			ticker.Reset(timeoutRandomizer(s.electionTimeout))
		case reset := <-s.electionTimeoutChan:
			if reset {
				ticker.Reset(timeoutRandomizer(s.electionTimeout))
			} else {
				ticker.Stop()
			}
		}
	}
}

func (s *RaftServer) heartBeatTimeoutController() {
	ticker := time.NewTicker(s.heartbeatTimeout)
	for {
		select {
		case _, ok := <-s.stopChan:
			if !ok {
				ticker.Stop()
				return
			}
		case <-ticker.C:
			ticker.Stop()
			if s.currentRole() == Leader {
				s.RequestAppendEntries()
			}
			ticker.Reset(s.heartbeatTimeout)
		case reset := <-s.heartbeatTimeoutChan:
			if reset {
				ticker.Reset(s.heartbeatTimeout)
			} else {
				ticker.Stop()
			}
		}
	}
}

// reconnectPeer drops and re-establishes the transport connection to p; it
// is invoked periodically while a peer is failing to make progress, in case
// the underlying connection itself has gone stale.
func (s *RaftServer) reconnectPeer(p *peer) {
	client, err := s.manager.ConnectToPeer(p.address, p.id)
	if err != nil {
		log.Printf("%v: reconnect to %v failed: %v", s.myID, p.id, err)
		return
	}
	p.mu.Lock()
	p.rpc = client
	p.mu.Unlock()
}

func (s *RaftServer) restartElectionTimer() {
	select {
	case s.electionTimeoutChan <- true:
	default:
	}
}
