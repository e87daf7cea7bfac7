// Package rpc implements common.RPCManager and common.RPCServer client
// stubs over Go's net/rpc.
package rpc

import (
	"net"
	"net/rpc"
	"sync"

	"github.com/google/uuid"

	"github.com/mkuznets/raftcore/common"
)

// Manager is the net/rpc implementation of common.RPCManager.
type Manager struct {
	mu        sync.Mutex
	listener  net.Listener
	peers     []*Peer
	stopping  bool
}

var _ common.RPCManager = &Manager{}

func NewManager() *Manager {
	return &Manager{}
}

func (manager *Manager) Start(address common.ServerAddress, server common.RPCServer) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("RPCServer", server); err != nil {
		return err
	}

	for {
		listener, err := net.Listen("tcp", string(address))
		if err != nil {
			return err
		}
		manager.mu.Lock()
		if manager.stopping {
			manager.mu.Unlock()
			listener.Close()
			return nil
		}
		manager.listener = listener
		manager.mu.Unlock()

		rpcServ.Accept(listener)

		manager.mu.Lock()
		stopping := manager.stopping
		manager.mu.Unlock()
		if stopping {
			return nil
		}
		// Reaching here means the listener broke for some other reason;
		// loop around and re-establish it.
	}
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress, id uuid.UUID) (common.RPCServer, error) {
	p := NewPeer(address, id)
	manager.mu.Lock()
	manager.peers = append(manager.peers, p)
	manager.mu.Unlock()
	return p, nil
}

func (manager *Manager) Stop() error {
	manager.mu.Lock()
	manager.stopping = true
	listener := manager.listener
	manager.mu.Unlock()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (manager *Manager) Disconnect() {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	for _, p := range manager.peers {
		p.setDisconnected(true)
	}
}

func (manager *Manager) Reconnect() {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	for _, p := range manager.peers {
		p.setDisconnected(false)
	}
}
