// Package nodetest simulates a set of store nodes in memory.
package nodetest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/node"
)

type state struct {
	role   cluster.Role
	master string
	down   bool
}

// Cluster holds the state of all simulated nodes. It is safe for concurrent use.
type Cluster struct {
	mu       sync.Mutex
	nodes    map[string]*state
	commands []string
}

// New creates an empty cluster.
func New() *Cluster {
	return &Cluster{nodes: make(map[string]*state)}
}

// AddMaster adds a node running as master.
func (c *Cluster) AddMaster(addr string) *Cluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[addr] = &state{role: cluster.RoleMaster}
	return c
}

// AddSlave adds a node replicating from master.
func (c *Cluster) AddSlave(addr, master string) *Cluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[addr] = &state{role: cluster.RoleSlave, master: master}
	return c
}

// Stop makes a node unreachable. It keeps its role for when it comes back.
func (c *Cluster) Stop(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.nodes[addr]; ok {
		s.down = true
	}
}

// Start makes a stopped node reachable again.
func (c *Cluster) Start(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.nodes[addr]; ok {
		s.down = false
	}
}

// Role returns the current role of a node, RoleUnreachable while stopped.
func (c *Cluster) Role(addr string) cluster.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.nodes[addr]
	if !ok || s.down {
		return cluster.RoleUnreachable
	}
	return s.role
}

// MasterOf returns the master a slave replicates from.
func (c *Cluster) MasterOf(addr string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.nodes[addr]; ok {
		return s.master
	}
	return ""
}

// Commands returns the role changes issued so far, like "b:2 slaveof no one".
func (c *Cluster) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Dialer returns a node.Dialer for the cluster.
func (c *Cluster) Dialer() node.Dialer {
	return func(addr string) node.Node { return &Node{c: c, addr: addr} }
}

// Node is a simulated store node.
type Node struct {
	c    *Cluster
	addr string
}

func (n *Node) Addr() string { return n.addr }

func (n *Node) Probe(ctx context.Context) node.ProbeResult {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	s, ok := n.c.nodes[n.addr]
	if !ok || s.down {
		return node.ProbeResult{Addr: n.addr, Role: cluster.RoleUnreachable, Err: node.ErrUnreachable}
	}
	return node.ProbeResult{Addr: n.addr, Role: s.role, MasterAddr: s.master}
}

func (n *Node) Promote(ctx context.Context) error {
	return n.change("slaveof no one", cluster.RoleMaster, "")
}

func (n *Node) SlaveOf(ctx context.Context, master string) error {
	return n.change("slaveof "+master, cluster.RoleSlave, master)
}

func (n *Node) change(cmd string, role cluster.Role, master string) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	s, ok := n.c.nodes[n.addr]
	if !ok || s.down {
		return &node.CommandError{Addr: n.addr, Command: cmd, Err: errors.Mark(errors.New("connection refused"), node.ErrUnreachable)}
	}
	s.role, s.master = role, master
	n.c.commands = append(n.c.commands, n.addr+" "+cmd)
	return nil
}

func (n *Node) Close() error { return nil }
