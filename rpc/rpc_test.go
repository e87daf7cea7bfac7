package rpc_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/mkuznets/raftcore/common"
	"github.com/mkuznets/raftcore/rpc"
)

// testRaft is a mock implementation of common.RPCServer for testing purposes.
type testRaft struct {
	id uuid.UUID
}

func (t testRaft) GetID() uuid.UUID { return t.id }

func (testRaft) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	fmt.Printf("Received request: %+v\n", *args)
	result.Success = true
	return nil
}

func (testRaft) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	return fmt.Errorf("encountered some error")
}

func (testRaft) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	result.Accepted = true
	return nil
}

func Test_CreateRaftServers(t *testing.T) {
	for i := 0; i < 10; i++ {
		i := i
		go func() {
			server := testRaft{id: uuid.New()}
			manager := rpc.Manager{}
			err := manager.Start(common.ServerAddress(fmt.Sprintf(":%d", 21234+i)), server)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(time.Second * 2)
}

func Test_CanConnect(t *testing.T) {
	manager := rpc.Manager{}
	serverID := uuid.New()
	go func() {
		server := testRaft{id: serverID}
		err := manager.Start(common.ServerAddress(fmt.Sprintf(":%d", 21500)), server)
		assert.NoError(t, err)
	}()
	time.Sleep(200 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, err := manager.ConnectToPeer(":21500", serverID)
			assert.NoError(t, err)

			var resp1 common.ClientRequestRPCResult
			err = peer.ClientRequest(&common.ClientRequestRPC{Data: []byte("asdf")}, &resp1)
			assert.NoError(t, err)
			assert.True(t, resp1.Success)

			var resp2 common.RequestVoteRPCResult
			err = peer.RequestVote(&common.RequestVoteRPC{}, &resp2)
			assert.EqualError(t, err, "encountered some error")
		}()
	}
	wg.Wait()
}
