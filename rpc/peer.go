package rpc

import (
	"errors"
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkuznets/raftcore/common"
)

// Peer is the net/rpc implementation of common.RPCServer used by a server
// to talk to one remote peer.
type Peer struct {
	id      uuid.UUID
	address common.ServerAddress

	mu           sync.Mutex
	client       *rpc.Client
	disconnected bool
}

var _ common.RPCServer = &Peer{}

// NewPeer creates a Peer with lazy initialization: the actual TCP
// connection isn't established until the first RPC call.
func NewPeer(address common.ServerAddress, id uuid.UUID) *Peer {
	return &Peer{
		id:      id,
		address: address,
	}
}

func (peer *Peer) setDisconnected(v bool) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	peer.disconnected = v
	if v && peer.client != nil {
		peer.client.Close()
		peer.client = nil
	}
}

// call retries transient dial/connection failures a few times before
// giving up.
func (peer *Peer) call(method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		peer.mu.Lock()
		if peer.disconnected {
			peer.mu.Unlock()
			return errors.New("rpc: peer is disconnected")
		}
		if peer.client == nil {
			if peer.client, err = rpc.Dial("tcp", string(peer.address)); err != nil {
				peer.client = nil
				peer.mu.Unlock()
				time.Sleep(time.Second)
				continue
			}
		}
		client := peer.client
		peer.mu.Unlock()

		if err = client.Call(method, args, result); err == io.EOF {
			peer.mu.Lock()
			if peer.client == client {
				client.Close()
				peer.client = nil
			}
			peer.mu.Unlock()
			continue
		}
		break
	}
	return
}

func (peer *Peer) GetID() uuid.UUID {
	return peer.id
}

func (peer *Peer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	return peer.call("RPCServer.ClientRequest", args, result)
}

func (peer *Peer) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	return peer.call("RPCServer.RequestVote", args, result)
}

func (peer *Peer) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	return peer.call("RPCServer.AppendEntries", args, result)
}
