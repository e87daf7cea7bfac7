package benchmarks

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/mkuznets/raftcore/common"
	"github.com/mkuznets/raftcore/kvstore"
	"github.com/mkuznets/raftcore/persistent"
	"github.com/mkuznets/raftcore/raft"
	"github.com/mkuznets/raftcore/rpc"
	"github.com/mkuznets/raftcore/snapshot"
)

type config struct {
	Cluster          []common.Server
	HeartbeatTimeout int // In milliseconds
	ElectionTimeout  int // In milliseconds
}

func (c config) clusterConfig() common.ClusterConfig {
	return common.ClusterConfig{
		Cluster:          c.Cluster,
		ElectionTimeout:  time.Millisecond * time.Duration(c.ElectionTimeout),
		HeartBeatTimeout: time.Millisecond * time.Duration(c.HeartbeatTimeout),
		Params:           common.DefaultRaftParams(),
	}
}

func runServer(cfg config, index int) *raft.RaftServer {
	if index < 0 || index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", index, len(cfg.Cluster))
	}
	clusterConfig := cfg.clusterConfig()

	logStore, logErr := persistent.CreateDbLogStore(fmt.Sprintf("%v_logstore.db", cfg.Cluster[index].ID))
	pStore, pErr := persistent.NewPStore(fmt.Sprintf("%v_pstore.db", cfg.Cluster[index].ID))
	snapStore, snapErr := snapshot.CreateDbSnapshotStore(fmt.Sprintf("%v_snapstore.db", cfg.Cluster[index].ID))
	err := multierr.Combine(logErr, pErr, snapErr)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	fsm := kvstore.NewKeyValFSM()
	manager := rpc.NewManager()
	server := raft.NewRaftServer(
		cfg.Cluster[index],
		clusterConfig,
		fsm,
		logStore,
		pStore,
		snapStore,
		manager,
	)
	if server == nil {
		os.Exit(2)
	}
	return server
}

func BenchmarkClientReadWriteThroughput(args []string) {
	flagset := flag.NewFlagSet("bench1", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	bytes, err := ioutil.ReadFile(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	manager := rpc.NewManager()
	store, err := kvstore.NewKeyValStore(cfg.Cluster, manager)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	fmt.Printf("Running Performance Check: Client Read Write Throughput")
	start := time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		_, _ = store.Set(key, val)
	}
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers.\n", numRequests, writeTime, len(cfg.Cluster))

	start = time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		_, _, _ = store.Get(key)
	}
	readTime := time.Since(start)
	fmt.Printf("[Benchmark] %d read requests took %s on %d servers.\n", numRequests, readTime, len(cfg.Cluster))
}

func BenchmarkServerCatchUpTime(args []string) {
	flagset := flag.NewFlagSet("bench2", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests, laggingServerIndex int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&laggingServerIndex, "laggingServerIndex", 2, "Server index which lags")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	bytes, err := ioutil.ReadFile(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	manager := rpc.NewManager()
	store, err := kvstore.NewKeyValStore(cfg.Cluster, manager)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	fmt.Printf("Running Performance Check: Server catch up time")
	numLogsToCatchUp := numRequests

	for i := 0; i < numLogsToCatchUp; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		_, _ = store.Set(key, val)
	}

	server2 := runServer(cfg, laggingServerIndex)
	start := time.Now()
	for server2.LastLogIndex() != int64(numLogsToCatchUp) {
	}
	elapsed := time.Since(start)

	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, numLogsToCatchUp, len(cfg.Cluster))
}

func BenchmarkParallelClientThroughput(args []string) {
	flagset := flag.NewFlagSet("bench3", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	bytes, err := ioutil.ReadFile(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	fmt.Printf("Running Performance Check: Parallel Client Write Throughput")
	reqsPerThread := numRequests / 10
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 10; i++ {
		index := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager := rpc.NewManager()
			store, err := kvstore.NewKeyValStore(cfg.Cluster, manager)
			if err != nil {
				fmt.Println(err)
				os.Exit(2)
			}
			for i := index * reqsPerThread; i < (index+1)*reqsPerThread; i++ {
				key := fmt.Sprintf("key%d", i)
				val := fmt.Sprintf("val%d", i)
				_, _ = store.Set(key, val)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers.\n", numRequests, elapsed, len(cfg.Cluster))
}
