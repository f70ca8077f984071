// Package sim is an in-memory cluster harness for exercising the §8
// testable properties end to end, adapted from the teacher's
// simu/env.Environment (simu/env/env_impl.go): MakeEnvironment's
// "build N apps over one network, connect everyone" shape carries over
// directly, but the teacher's builder wraps a separate
// network-simulator module this repository does not depend on --
// partition/link-cut here is done directly against transport.InMemory's
// CutLink, and "is exactly one leader" polling replaces the teacher's
// raw commitIndex/term equality checks to match this module's richer
// region-aware config.
package sim

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft"
	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/router"
	"github.com/flexraft/consensus/raft/durable"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/raft/transport"
)

// Cluster is a set of in-process Nodes sharing one transport.Hub.
type Cluster struct {
	t      *testing.T
	dirs   []string
	Nodes  []*raft.Node
	IDs    []uuid.UUID
	xports []*transport.InMemory
	hub    *transport.Hub
}

// New builds a Cluster of n voters, all in region, under the given commit
// rule.
func New(t *testing.T, n int, region string, rule conf.CommitRule, dist conf.VoterDistribution) *Cluster {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	peers := make([]conf.PeerSpec, n)
	for i, id := range ids {
		peers[i] = conf.PeerSpec{UUID: id, Address: fmt.Sprintf("node-%d", i), Region: region, Membership: raftpd.Voter}
	}
	initial := &conf.RaftConfig{Peers: peers, Rule: rule, VoterDistribution: dist}

	c := &Cluster{t: t, hub: transport.NewHub(), IDs: ids}
	for _, id := range ids {
		dir, err := os.MkdirTemp("", "flexraft-sim-*")
		require.NoError(t, err)
		c.dirs = append(c.dirs, dir)

		store, err := durable.Open(dir)
		require.NoError(t, err)
		xport := c.hub.Join(id)
		node, err := raft.New(id, region, "sim-tablet", store, initial, xport, router.Direct{})
		require.NoError(t, err)
		xport.Handle(node.HandleUpdate, node.HandleVoteRequest)
		xport.HandleTimeoutNow(node.HandleTimeoutNow)
		c.Nodes = append(c.Nodes, node)
		c.xports = append(c.xports, xport)
	}
	return c
}

// NewMultiRegion is like New but assigns peers to regions round-robin over
// regions, for the region-aware commit-rule scenarios (S4).
func NewMultiRegion(t *testing.T, dist conf.VoterDistribution, rule conf.CommitRule) *Cluster {
	var regions []string
	total := 0
	for r, n := range dist {
		regions = append(regions, r)
		total += n
	}
	ids := make([]uuid.UUID, total)
	for i := range ids {
		ids[i] = uuid.New()
	}
	var peers []conf.PeerSpec
	i := 0
	for _, r := range regions {
		for k := 0; k < dist[r]; k++ {
			peers = append(peers, conf.PeerSpec{UUID: ids[i], Address: fmt.Sprintf("node-%d", i), Region: r, Membership: raftpd.Voter})
			i++
		}
	}
	initial := &conf.RaftConfig{Peers: peers, Rule: rule, VoterDistribution: dist}

	c := &Cluster{t: t, hub: transport.NewHub(), IDs: ids}
	for idx, p := range peers {
		dir, err := os.MkdirTemp("", "flexraft-sim-*")
		require.NoError(t, err)
		c.dirs = append(c.dirs, dir)

		store, err := durable.Open(dir)
		require.NoError(t, err)
		xport := c.hub.Join(p.UUID)
		node, err := raft.New(p.UUID, p.Region, "sim-tablet", store, initial, xport, router.Direct{})
		require.NoError(t, err)
		xport.Handle(node.HandleUpdate, node.HandleVoteRequest)
		xport.HandleTimeoutNow(node.HandleTimeoutNow)
		c.Nodes = append(c.Nodes, node)
		c.xports = append(c.xports, xport)
		_ = idx
	}
	return c
}

// StartAll starts every node.
func (c *Cluster) StartAll() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

// Cleanup stops every node and removes its durable-store temp directory.
func (c *Cluster) Cleanup() {
	for _, n := range c.Nodes {
		n.Stop()
	}
	for _, d := range c.dirs {
		os.RemoveAll(d)
	}
}

// AwaitLeader polls until exactly one node reports LEADER role, or fails
// the test after timeout.
func (c *Cluster) AwaitLeader(timeout time.Duration) *raft.Node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leaders []*raft.Node
		for _, n := range c.Nodes {
			if n.Replica().Role().String() == "LEADER" {
				leaders = append(leaders, n)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatalf("no single leader elected within %s", timeout)
	return nil
}

// Disconnect cuts every link to and from node i, simulating a partition.
func (c *Cluster) Disconnect(i int) {
	for j := range c.IDs {
		if j == i {
			continue
		}
		c.xports[i].CutLink(c.IDs[j], true)
		c.xports[j].CutLink(c.IDs[i], true)
	}
}

// Reconnect restores every link to and from node i.
func (c *Cluster) Reconnect(i int) {
	for j := range c.IDs {
		if j == i {
			continue
		}
		c.xports[i].CutLink(c.IDs[j], false)
		c.xports[j].CutLink(c.IDs[i], false)
	}
}

// Ctx returns a background context with no deadline, for call sites
// exercising Propose/election paths directly.
func Ctx() context.Context { return context.Background() }
