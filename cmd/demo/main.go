// Command demo wires three in-process replicas together over the
// transport.InMemory hub and runs until one is elected leader, then
// proposes a handful of operations. It exists to exercise the module
// end-to-end the way the teacher's simu/test package does for its own
// core, but as a runnable binary rather than a test harness.
package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft"
	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/pending"
	"github.com/flexraft/consensus/raft/core/router"
	"github.com/flexraft/consensus/raft/durable"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/raft/transport"
)

func main() {
	log.SetLevel(log.InfoLevel)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	peers := make([]conf.PeerSpec, len(ids))
	for i, id := range ids {
		peers[i] = conf.PeerSpec{UUID: id, Address: fmt.Sprintf("node-%d", i), Region: "region-a", Membership: raftpd.Voter}
	}
	initial := &conf.RaftConfig{Peers: peers, Rule: conf.CommitRule{Kind: conf.ClassicMajority}}

	hub := transport.NewHub()
	nodes := make([]*raft.Node, len(ids))
	for i, id := range ids {
		dir, err := os.MkdirTemp("", "flexraft-demo-*")
		if err != nil {
			log.Fatalf("mkdtemp: %v", err)
		}
		defer os.RemoveAll(dir)

		store, err := durable.Open(dir)
		if err != nil {
			log.Fatalf("durable.Open: %v", err)
		}
		xport := hub.Join(id)
		n, err := raft.New(id, "region-a", "demo-tablet", store, initial, xport, router.Direct{})
		if err != nil {
			log.Fatalf("raft.New: %v", err)
		}
		xport.Handle(n.HandleUpdate, n.HandleVoteRequest)
		xport.HandleTimeoutNow(n.HandleTimeoutNow)
		nodes[i] = n
	}

	for _, n := range nodes {
		n.Start()
	}

	time.Sleep(3 * time.Second)

	for _, n := range nodes {
		if n.Replica().Role().String() == "LEADER" {
			log.Infof("leader elected: %s (term %d)", n.Replica().SelfUUID(), n.Replica().CurrentTerm())
			for i := 0; i < 5; i++ {
				err := n.Propose([]byte(fmt.Sprintf("op-%d", i)), func(result pending.Result, err error) {})
				if err != nil {
					log.Warnf("propose: %v", err)
				}
			}
			break
		}
	}

	time.Sleep(2 * time.Second)
	for _, n := range nodes {
		log.Infof("%s role=%s term=%d committed=%d", n.Replica().SelfUUID(), n.Replica().Role(), n.Replica().CurrentTerm(), n.Queue().CommittedIndex())
		n.Stop()
	}
}
