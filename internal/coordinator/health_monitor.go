// Package coordinator implements the redis configuration server.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/metrics"
	"github.com/dreamware/failsafe/internal/node"
)

// NodeHealth tracks the health status of a single store node.
// It maintains the last observed role, last successful check time, and failure count.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time    // Timestamp of the last probe
	LastHealthy      time.Time    // Timestamp of the last successful probe
	Addr             string       // Address of the node
	Role             cluster.Role // Role seen by the last probe
	MasterAddr       string       // Master of a slave
	Status           string       // Current status: "healthy", "unhealthy", "unknown"
	ConsecutiveFails int          // Number of consecutive failed probes
}

// Snapshot is the result of probing every node of a system once.
// Node order is the configured order.
type Snapshot struct {
	System  string
	Nodes   []string
	Results map[string]node.ProbeResult
}

// Result returns the probe result of addr.
func (s Snapshot) Result(addr string) node.ProbeResult {
	if r, ok := s.Results[addr]; ok {
		return r
	}
	return node.ProbeResult{Addr: addr, Role: cluster.RoleUnknown}
}

// Role returns the observed role of addr.
func (s Snapshot) Role(addr string) cluster.Role {
	return s.Result(addr).Role
}

func (s Snapshot) withRole(role cluster.Role) []string {
	var out []string
	for _, addr := range s.Nodes {
		if s.Results[addr].Role == role {
			out = append(out, addr)
		}
	}
	return out
}

// Masters returns the nodes answering as master.
func (s Snapshot) Masters() []string { return s.withRole(cluster.RoleMaster) }

// Slaves returns the nodes answering as slave.
func (s Snapshot) Slaves() []string { return s.withRole(cluster.RoleSlave) }

// Unreachable returns the nodes that did not answer.
func (s Snapshot) Unreachable() []string { return s.withRole(cluster.RoleUnreachable) }

// SlavesOf returns the slaves replicating from master in configured order.
func (s Snapshot) SlavesOf(master string) []string {
	var out []string
	for _, addr := range s.Nodes {
		if s.Results[addr].IsSlaveOf(master) {
			out = append(out, addr)
		}
	}
	return out
}

// AutoDetectMaster returns the master when exactly one node is master and
// all others are its slaves.
func (s Snapshot) AutoDetectMaster() (string, bool) {
	masters := s.Masters()
	if len(masters) != 1 {
		return "", false
	}
	if len(s.SlavesOf(masters[0])) != len(s.Nodes)-1 {
		return "", false
	}
	return masters[0], true
}

// HealthMonitor probes the store nodes of the configured systems and keeps
// per node health records.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth // Current health status per node
	conns       map[string]node.Node   // Open node handles per address
	dial        node.Dialer            // Creates node handles
	onUnhealthy func(addr string)      // Callback when node becomes unhealthy
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	timeout     time.Duration // Bound for one probe
	mu          sync.RWMutex  // Protects nodes and conns
	maxFailures int           // Failures before marking unhealthy
}

// NewHealthMonitor creates a health monitor probing nodes created by dial.
// Nodes are marked unhealthy after maxFailures consecutive failed probes.
//
// Parameters:
//   - dial: Creates the node handle for an address
//   - maxFailures: Failed probes before a node is unhealthy (default 3)
//   - timeout: Upper bound for a single probe including retries
//
// Returns:
//   - *HealthMonitor: Configured health monitor
//
// Example:
//
//	monitor := NewHealthMonitor(node.NewRedisDialer(node.Options{}), 3, 10*time.Second, logger, nil)
//	snap := monitor.Refresh(ctx, system)
func NewHealthMonitor(dial node.Dialer, maxFailures int, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *HealthMonitor {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthMonitor{
		nodes:       make(map[string]*NodeHealth),
		conns:       make(map[string]node.Node),
		dial:        dial,
		log:         log.Sugar(),
		metrics:     metrics.OrNew(m),
		timeout:     timeout,
		maxFailures: maxFailures,
	}
}

// SetOnUnhealthy sets the callback function to be invoked when a node becomes unhealthy.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(addr string) {
//	    log.Printf("Redis server %s is unhealthy", addr)
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(addr string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// Node returns the node handle for addr, creating it on first use.
func (h *HealthMonitor) Node(addr string) node.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.conns[addr]
	if !ok {
		n = h.dial(addr)
		h.conns[addr] = n
	}
	return n
}

// Refresh probes all nodes of a system concurrently and returns the snapshot.
// It never fails: unreachable nodes show up as RoleUnreachable.
//
// Implementation:
//  1. Probe every node in its own goroutine, bounded by the probe timeout
//  2. Record the results in the health table
//  3. Trigger the unhealthy callback for nodes crossing maxFailures
func (h *HealthMonitor) Refresh(ctx context.Context, sys cluster.System) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]node.ProbeResult, len(sys.Nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range sys.Nodes {
		i, n := i, h.Node(addr)
		g.Go(func() error {
			results[i] = n.Probe(gctx)
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{System: sys.Name, Nodes: sys.Nodes, Results: make(map[string]node.ProbeResult, len(sys.Nodes))}
	for _, r := range results {
		snap.Results[r.Addr] = r
		h.record(sys.Name, r)
	}
	return snap
}

// record updates the health record of one node.
func (h *HealthMonitor) record(system string, r node.ProbeResult) {
	h.metrics.Probes.WithLabelValues(system, r.Role.String()).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	health, exists := h.nodes[r.Addr]
	if !exists {
		health = &NodeHealth{
			Addr:        r.Addr,
			Status:      "unknown",
			LastHealthy: time.Now(),
		}
		h.nodes[r.Addr] = health
	}
	health.LastCheck = time.Now()
	health.Role = r.Role
	health.MasterAddr = r.MasterAddr

	if !r.Reachable() {
		health.ConsecutiveFails++
		h.log.Debugf("Probe failed for redis server %s (attempt %d/%d): %v",
			r.Addr, health.ConsecutiveFails, h.maxFailures, r.Err)

		if health.ConsecutiveFails >= h.maxFailures {
			previousStatus := health.Status
			health.Status = "unhealthy"
			if previousStatus != "unhealthy" && h.onUnhealthy != nil {
				h.log.Infof("Redis server %s marked as unhealthy after %d failures",
					r.Addr, health.ConsecutiveFails)
				// Call callback without holding the lock
				go h.onUnhealthy(r.Addr)
			}
		}
		return
	}
	if health.Status == "unhealthy" {
		h.log.Infof("Redis server %s recovered and is reachable again", r.Addr)
	}
	health.Status = "healthy"
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// GetNodeHealth returns a copy of the health record of addr, or nil.
func (h *HealthMonitor) GetNodeHealth(addr string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[addr]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// Close releases all node handles.
func (h *HealthMonitor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, n := range h.conns {
		if err := n.Close(); err != nil {
			h.log.Debugf("Closing redis server %s: %v", addr, err)
		}
		delete(h.conns, addr)
	}
	return nil
}
