package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/metrics"
	"github.com/dreamware/failsafe/internal/node"
	"github.com/dreamware/failsafe/internal/notify"
)

// ErrUnknownSystem is returned for a system name that is not configured.
var ErrUnknownSystem = errors.New("unknown system")

// Notification texts sent to operators.
const (
	msgMasterUnavailable = "Redis master '%s' not available"
	msgSettingMaster     = "Setting redis master to '%s' (was '%s')"
	msgNoSlave           = "Redis master could not be switched, no slave available to become new master"
)

// Options configures a Server.
type Options struct {
	Systems             []cluster.System
	Watchers            []string
	MasterRetries       int
	MasterRetryInterval time.Duration
	ClientTimeout       time.Duration
	ConfidenceLevel     *int // nil requires every watcher
	NotifyInterval      time.Duration
	TickInterval        time.Duration
	ProbeTimeout        time.Duration
	Dialer              node.Dialer
	MasterFile          *masterfile.File
	Notifier            notify.Notifier
	Logger              *zap.Logger
	Metrics             *metrics.Metrics
	Now                 func() time.Time
}

func (o *Options) setDefaults() {
	if o.MasterRetries <= 0 {
		o.MasterRetries = 3
	}
	if o.MasterRetryInterval <= 0 {
		o.MasterRetryInterval = 10 * time.Second
	}
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = 10 * time.Second
	}
	if o.TickInterval <= 0 || o.TickInterval > time.Second {
		o.TickInterval = time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = o.MasterRetryInterval
	}
	if o.ConfidenceLevel == nil {
		o.ConfidenceLevel = Confidence(100)
	}
	if o.NotifyInterval <= 0 {
		o.NotifyInterval = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Confidence returns a confidence level for Options. A level of 0 switches
// without asking any watcher.
func Confidence(level int) *int { return &level }

// failoverSet is the server state of one system.
type failoverSet struct {
	system    cluster.System
	decider   *FailoverDecider
	snapshot  Snapshot
	lastCheck time.Time
	available bool
	notified  map[string]time.Time // last send time by notification text
}

// NodeStatus is the health of one configured redis server.
type NodeStatus struct {
	LastHealthy      time.Time `json:"last_healthy"`
	Addr             string    `json:"addr"`
	Role             string    `json:"role"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// FailoverStatus describes one system in ServerStatus.
type FailoverStatus struct {
	SystemName             string   `json:"system_name"`
	ConfiguredRedisServers []string `json:"configured_redis_servers"`
	RedisMaster            string   `json:"redis_master"`
	RedisMasterAvailable   bool     `json:"redis_master_available"`
	RedisSlavesAvailable   []string `json:"redis_slaves_available"`
	SwitchInProgress       bool         `json:"switch_in_progress"`
	Phase                  string       `json:"phase"`
	Nodes                  []NodeStatus `json:"redis_servers"`
}

// ServerStatus is the structured status served as JSON.
type ServerStatus struct {
	ConfiguredClientIDs  []string         `json:"configured_client_ids"`
	UnknownClientIDs     []string         `json:"unknown_client_ids"`
	UnresponsiveClients  []string         `json:"unresponsive_clients"`
	UnseenClientIDs      []string         `json:"unseen_client_ids"`
	RedisSystems         []FailoverStatus `json:"redis_systems"`
	NotificationChannels int              `json:"notification_channels"`
	ClientChannels       int              `json:"client_channels"`
}

// Server is the configuration server. It watches the master of every
// configured system, runs the watcher votes and switches masters.
//
// Concurrency Model:
//   - Probing runs outside mu
//   - Decisions, master changes and vote bookkeeping run under mu
//   - Hub writes never block, so broadcasting under mu is fine
//   - Every release of mu publishes a status copy; Status reads only that
//     copy, so it never waits for a promotion in progress
type Server struct {
	opts     Options
	sets     []*failoverSet
	byName   map[string]*failoverSet
	registry *MasterRegistry
	monitor  *HealthMonitor
	watchers *WatcherRegistry
	hub      *Hub
	notifier notify.Notifier
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	mu       sync.Mutex

	statusMu sync.RWMutex
	systems  []FailoverStatus
}

// NewServer creates a configuration server for the given systems.
//
// Returns:
//   - *Server: Server ready to be initialized
//   - error: If no system is configured or system names repeat
func NewServer(opts Options) (*Server, error) {
	opts.setDefaults()
	if len(opts.Systems) == 0 {
		return nil, errors.New("no redis systems configured")
	}
	if opts.Dialer == nil {
		return nil, errors.New("no node dialer configured")
	}

	s := &Server{
		opts:     opts,
		byName:   make(map[string]*failoverSet, len(opts.Systems)),
		registry: NewMasterRegistry(opts.MasterFile),
		monitor:  NewHealthMonitor(opts.Dialer, opts.MasterRetries, opts.ProbeTimeout, opts.Logger, opts.Metrics),
		watchers: NewWatcherRegistry(opts.Watchers, opts.ClientTimeout),
		log:      opts.Logger.Sugar(),
		metrics:  metrics.OrNew(opts.Metrics),
	}
	s.hub = NewHub(s.HandleClientMessage, opts.Logger)
	s.notifier = notify.Multi{notify.Log{L: opts.Logger}, s.hub, opts.Notifier}
	s.monitor.SetOnUnhealthy(s.nodeUnhealthy)

	now := opts.Now()
	for _, sys := range opts.Systems {
		if _, dup := s.byName[sys.Name]; dup {
			return nil, errors.Newf("duplicate system name %q", sys.Name)
		}
		if len(sys.Nodes) < 2 {
			s.log.Warnf("Redis failover for system %s needs at least two redis servers", sys.Name)
		}
		fs := &failoverSet{
			system: sys,
			decider: NewFailoverDecider(DeciderConfig{
				MasterRetries:   opts.MasterRetries,
				Watchers:        s.watchers.Configured(),
				ConfidenceLevel: *opts.ConfidenceLevel,
				Window:          opts.ClientTimeout,
			}, now),
		}
		s.sets = append(s.sets, fs)
		s.byName[sys.Name] = fs
	}
	s.publishStatus()
	return s, nil
}

// Hub returns the websocket hub serving clients and subscribers.
func (s *Server) Hub() *Hub { return s.hub }

// Registry returns the master registry.
func (s *Server) Registry() *MasterRegistry { return s.registry }

// Watchers returns the watcher registry.
func (s *Server) Watchers() *WatcherRegistry { return s.watchers }

// Systems returns the configured systems.
func (s *Server) Systems() []cluster.System {
	out := make([]cluster.System, 0, len(s.sets))
	for _, fs := range s.sets {
		out = append(out, fs.system)
	}
	return out
}

func (s *Server) lookup(system string) (*failoverSet, error) {
	if system == "" && len(s.sets) == 1 {
		return s.sets[0], nil
	}
	fs, ok := s.byName[system]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSystem, "%q", system)
	}
	return fs, nil
}

// Initialize determines the initial master of every system.
// The master file wins when it names a configured node. A recorded master
// that is no longer master starts the failover procedure right away.
// Without a recorded master, a master is auto detected when exactly one node
// is master and all others are its slaves.
func (s *Server) Initialize(ctx context.Context) error {
	masters, err := s.registry.Load()
	if err != nil {
		return err
	}

	var errs error
	for _, fs := range s.sets {
		snap := s.monitor.Refresh(ctx, fs.system)

		s.mu.Lock()
		fs.snapshot = snap
		fs.lastCheck = s.opts.Now()
		master := masters[fs.system.Name]
		if master != "" && !slices.Contains(fs.system.Nodes, master) {
			s.log.Warnf("Ignoring master %s of system %s from master file: not a configured redis server", master, fs.system.Name)
			master = ""
		}
		switch {
		case master != "":
			s.log.Infof("Initial master of system %s from redis master file: %s", fs.system.Name, master)
			fs.available = snap.Role(master) == cluster.RoleMaster
			if !fs.available {
				s.masterUnavailable(ctx, fs, fs.decider.ForceVote(s.opts.Now()))
			}
		default:
			detected, ok := snap.AutoDetectMaster()
			if !ok {
				errs = errors.CombineErrors(errs, errors.Newf("could not determine initial master of system %s", fs.system.Name))
				break
			}
			s.log.Infof("Auto detected master of system %s: %s", fs.system.Name, detected)
			if err := s.registry.Set(fs.system.Name, detected); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
			fs.available = true
		}
		s.unlock()
	}
	return errs
}

// Run checks every system each MasterRetryInterval until ctx is done.
// Per system errors are logged; Run only returns when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Infof("Watching redis servers every %s", s.opts.MasterRetryInterval)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one iteration of the control loop: expire voting rounds, then
// check the systems that are due.
func (s *Server) Tick(ctx context.Context) {
	if err := s.registry.Flush(); err != nil {
		s.log.Errorf("Could not write redis master file: %v", err)
	}

	now := s.opts.Now()
	var due []*failoverSet

	s.mu.Lock()
	s.watchers.Forget(now)
	for _, fs := range s.sets {
		if fs.decider.Expire(now) == DecisionNoop {
			s.log.Warnf("Not enough watchers confirmed master %s of system %s is gone, keeping it",
				s.registry.Get(fs.system.Name), fs.system.Name)
			s.metrics.Failovers.WithLabelValues(fs.system.Name, "insufficient_confidence").Inc()
		}
		if now.Sub(fs.lastCheck) >= s.opts.MasterRetryInterval {
			fs.lastCheck = now
			due = append(due, fs)
		}
	}
	s.unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, fs := range due {
		fs := fs
		g.Go(func() error {
			s.CheckSystem(gctx, fs.system.Name)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckSystem probes one system and acts on the result.
func (s *Server) CheckSystem(ctx context.Context, system string) {
	fs, err := s.lookup(system)
	if err != nil {
		s.log.Errorf("Checking system: %v", err)
		return
	}
	snap := s.monitor.Refresh(ctx, fs.system)

	s.mu.Lock()
	heal := s.evaluate(ctx, fs, snap)
	s.unlock()

	for _, addr := range heal.slaves {
		if err := s.monitor.Node(addr).SlaveOf(ctx, heal.master); err != nil {
			s.log.Errorf("Could not make %s a slave of %s: %v", addr, heal.master, err)
		}
	}
}

type healing struct {
	master string
	slaves []string
}

// evaluate feeds a snapshot to the decider. It returns the nodes that must
// be reconfigured as slaves of the master. Callers hold mu.
func (s *Server) evaluate(ctx context.Context, fs *failoverSet, snap Snapshot) healing {
	fs.snapshot = snap
	master := s.registry.Get(fs.system.Name)
	fs.available = master != "" && snap.Role(master) == cluster.RoleMaster

	d := fs.decider.ObserveProbe(fs.available, s.opts.Now())
	if d == DecisionRecovered {
		s.log.Infof("Redis master %s of system %s came online while voting", master, fs.system.Name)
	}
	if !fs.available {
		if !fs.decider.InProgress() {
			s.log.Warnf("Redis master %s of system %s not available! (Retries left: %d)",
				master, fs.system.Name, max(s.opts.MasterRetries-fs.decider.Failures(), 0))
		}
		s.masterUnavailable(ctx, fs, d)
		return healing{}
	}

	fs.notified = nil
	s.publishMaster(fs, master)
	h := healing{master: master}
	for _, addr := range fs.system.Nodes {
		r := snap.Result(addr)
		if addr != master && r.Reachable() && !r.IsSlaveOf(master) {
			h.slaves = append(h.slaves, addr)
		}
	}
	return h
}

// masterUnavailable acts on a decision that opens the failover procedure.
func (s *Server) masterUnavailable(ctx context.Context, fs *failoverSet, d Decision) {
	if d != DecisionStartVote && d != DecisionSwitch {
		return
	}
	s.notifyLimited(fs, fmt.Sprintf(msgMasterUnavailable, s.registry.Get(fs.system.Name)))
	s.act(ctx, fs, d)
}

// act carries out a decision. Callers hold mu.
func (s *Server) act(ctx context.Context, fs *failoverSet, d Decision) {
	switch d {
	case DecisionStartVote:
		s.log.Infof("Sending ping messages for system %s with token '%s'", fs.system.Name, fs.decider.Token())
		s.hub.Broadcast(cluster.MsgBody{System: fs.system.Name, Name: cluster.MsgPing, Token: fs.decider.Token()})
	case DecisionInvalidate:
		s.log.Infof("Sending invalidate messages for system %s with token '%s'", fs.system.Name, fs.decider.Token())
		s.hub.Broadcast(cluster.MsgBody{System: fs.system.Name, Name: cluster.MsgInvalidate, Token: fs.decider.Token()})
	case DecisionSwitch:
		s.switchMaster(ctx, fs)
	}
}

// switchMaster promotes the first slave of the failed master. When no
// switch is possible the decider starts over, so the next failed checks try
// again. Callers hold mu.
func (s *Server) switchMaster(ctx context.Context, fs *failoverSet) {
	now := s.opts.Now()
	old := s.registry.Get(fs.system.Name)
	next := s.newMaster(fs, old)
	if next == "" {
		s.log.Error(msgNoSlave)
		s.notifyLimited(fs, msgNoSlave)
		s.metrics.Failovers.WithLabelValues(fs.system.Name, "no_slave").Inc()
		fs.decider.Complete(now)
		return
	}

	s.notify(fs, fmt.Sprintf(msgSettingMaster, next, old))
	if err := s.monitor.Node(next).Promote(ctx); err != nil {
		s.log.Errorf("Promoting %s to master of system %s failed: %v", next, fs.system.Name, err)
		s.metrics.Failovers.WithLabelValues(fs.system.Name, "promote_failed").Inc()
		fs.decider.Complete(now)
		return
	}
	if err := s.registry.Set(fs.system.Name, next); err != nil {
		s.log.Errorf("Could not write redis master file, retrying on the next check: %v", err)
	}
	fs.available = true
	fs.notified = nil
	s.metrics.Failovers.WithLabelValues(fs.system.Name, "switched").Inc()
	fs.decider.Complete(now)
	s.publishMaster(fs, next)
}

// switchAfterVote switches the master of fs once the watchers voted for it.
// The nodes are probed again first: the snapshot of the last check may be
// older than the voting rounds.
func (s *Server) switchAfterVote(fs *failoverSet) {
	snap := s.monitor.Refresh(context.Background(), fs.system)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.unlock()
	fs.snapshot = snap
	s.switchMaster(ctx, fs)
}

// newMaster selects the node to promote. An unreachable master is replaced
// by its first slave in configured order. A recorded master that was turned
// into a slave of another configured master yields that master; any other
// recorded master that still answers is promoted again.
func (s *Server) newMaster(fs *failoverSet, old string) string {
	if old == "" {
		if m, ok := fs.snapshot.AutoDetectMaster(); ok {
			return m
		}
		return ""
	}
	if r := fs.snapshot.Result(old); r.Reachable() {
		if r.Role == cluster.RoleSlave && slices.Contains(fs.system.Nodes, r.MasterAddr) &&
			fs.snapshot.Role(r.MasterAddr) == cluster.RoleMaster {
			return r.MasterAddr
		}
		return old
	}
	slaves := fs.snapshot.SlavesOf(old)
	if len(slaves) == 0 {
		return ""
	}
	return slaves[0]
}

func (s *Server) publishMaster(fs *failoverSet, master string) {
	s.hub.Broadcast(cluster.MsgBody{
		System: fs.system.Name,
		Name:   cluster.MsgReconfigure,
		Server: master,
		Token:  fs.decider.Token(),
	})
}

func (s *Server) notify(fs *failoverSet, text string) {
	s.notifier.Notify(fs.system.Name, text)
}

// notifyLimited sends text unless it went out within NotifyInterval.
// The limit is lifted once the system has an available master again.
func (s *Server) notifyLimited(fs *failoverSet, text string) {
	now := s.opts.Now()
	if last, ok := fs.notified[text]; ok && now.Sub(last) < s.opts.NotifyInterval {
		s.log.Warnf("Not repeating notification for system %s within %s: %s", fs.system.Name, s.opts.NotifyInterval, text)
		return
	}
	if fs.notified == nil {
		fs.notified = make(map[string]time.Time)
	}
	fs.notified[text] = now
	s.notify(fs, text)
}

// nodeUnhealthy is called by the health monitor once a node failed
// MasterRetries probes in a row.
func (s *Server) nodeUnhealthy(addr string) {
	s.log.Warnf("Redis server %s is unhealthy", addr)
	s.metrics.Unhealthy.WithLabelValues(addr).Inc()
}

// HandleClientMessage processes one frame received from a configuration client.
func (s *Server) HandleClientMessage(msg cluster.MsgBody) {
	if fs := s.handleClientMessage(msg); fs != nil {
		s.switchAfterVote(fs)
	}
}

// handleClientMessage records msg. It returns the system whose master must be
// switched after the vote closed.
func (s *Server) handleClientMessage(msg cluster.MsgBody) *failoverSet {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.unlock()

	known := s.watchers.Seen(msg.ID, now)
	switch msg.Name {
	case cluster.MsgClientStarted, cluster.MsgHeartbeat:
		if msg.Name == cluster.MsgClientStarted {
			s.log.Infof("Received client_started message from id '%s'", msg.ID)
			// Tell the newcomer who the masters are.
			for _, fs := range s.sets {
				if fs.available {
					s.publishMaster(fs, s.registry.Get(fs.system.Name))
				}
			}
		}
		if !known {
			s.log.Warnf("Received %s message from unknown id '%s'", msg.Name, msg.ID)
		}
	case cluster.MsgPong:
		if !known {
			text := fmt.Sprintf("Received pong message from unknown client id '%s'", msg.ID)
			s.log.Error(text)
			s.notifier.Notify(msg.System, text)
			return nil
		}
		fs, err := s.lookup(msg.System)
		if err != nil {
			s.log.Warnf("Ignoring pong from %s: %v", msg.ID, err)
			return nil
		}
		s.metrics.Votes.WithLabelValues(fs.system.Name, msg.Name).Inc()
		s.act(context.Background(), fs, fs.decider.RecordPong(msg.ID, msg.Token, now))
	case cluster.MsgClientInvalidated:
		if !known {
			s.log.Warnf("Received client_invalidated message from unknown id '%s'", msg.ID)
			return nil
		}
		fs, err := s.lookup(msg.System)
		if err != nil {
			s.log.Warnf("Ignoring client_invalidated from %s: %v", msg.ID, err)
			return nil
		}
		s.metrics.Votes.WithLabelValues(fs.system.Name, msg.Name).Inc()
		obs := cluster.Observation{
			Timestamp:           now,
			WatcherID:           msg.ID,
			System:              fs.system.Name,
			Node:                s.registry.Get(fs.system.Name),
			Token:               msg.Token,
			ObservedUnreachable: true,
		}
		if fs.decider.RecordVote(obs, now) == DecisionSwitch {
			return fs
		}
	default:
		s.log.Errorf("Received unknown message: %s", msg.Name)
	}
	return nil
}

// InitiateMasterSwitch starts the failover procedure for system unless its
// master is available. It reports whether a switch was started or is
// already running.
func (s *Server) InitiateMasterSwitch(ctx context.Context, system string) (bool, error) {
	fs, err := s.lookup(system)
	if err != nil {
		return false, err
	}
	snap := s.monitor.Refresh(ctx, fs.system)

	s.mu.Lock()
	defer s.unlock()

	fs.snapshot = snap
	master := s.registry.Get(fs.system.Name)
	fs.available = master != "" && snap.Role(master) == cluster.RoleMaster
	inProgress := fs.decider.InProgress()
	s.log.Infof("Initiating master switch for system %s: already in progress = %v", fs.system.Name, inProgress)
	if inProgress {
		return true, nil
	}
	if fs.available {
		return false, nil
	}
	s.masterUnavailable(ctx, fs, fs.decider.ForceVote(s.opts.Now()))
	return true, nil
}

// Status returns a snapshot of the server state. The systems part is the
// state published when mu was last released.
func (s *Server) Status() ServerStatus {
	now := s.opts.Now()

	s.statusMu.RLock()
	systems := slices.Clone(s.systems)
	s.statusMu.RUnlock()

	return ServerStatus{
		ConfiguredClientIDs:  s.watchers.Configured(),
		UnknownClientIDs:     s.watchers.Unknown(),
		UnresponsiveClients:  s.watchers.Unresponsive(now),
		UnseenClientIDs:      s.watchers.Unseen(),
		RedisSystems:         systems,
		NotificationChannels: s.hub.SubscriberCount(),
		ClientChannels:       s.hub.ClientCount(),
	}
}

// unlock publishes the status of all systems and releases mu.
func (s *Server) unlock() {
	s.publishStatus()
	s.mu.Unlock()
}

// publishStatus copies the state of all systems for Status. Callers hold mu,
// or own the server exclusively.
func (s *Server) publishStatus() {
	systems := make([]FailoverStatus, 0, len(s.sets))
	for _, fs := range s.sets {
		slaves := fs.snapshot.Slaves()
		if slaves == nil {
			slaves = []string{}
		}
		systems = append(systems, FailoverStatus{
			SystemName:             fs.system.Name,
			ConfiguredRedisServers: slices.Clone(fs.system.Nodes),
			RedisMaster:            s.registry.Get(fs.system.Name),
			RedisMasterAvailable:   fs.available,
			RedisSlavesAvailable:   slaves,
			SwitchInProgress:       fs.decider.InProgress(),
			Phase:                  fs.decider.Phase().String(),
			Nodes:                  s.nodeStatus(fs.system.Nodes),
		})
	}

	s.statusMu.Lock()
	s.systems = systems
	s.statusMu.Unlock()
}

func (s *Server) nodeStatus(addrs []string) []NodeStatus {
	out := make([]NodeStatus, 0, len(addrs))
	for _, addr := range addrs {
		h := s.monitor.GetNodeHealth(addr)
		if h == nil {
			out = append(out, NodeStatus{Addr: addr, Role: cluster.RoleUnknown.String(), Status: "unknown"})
			continue
		}
		out = append(out, NodeStatus{
			LastHealthy:      h.LastHealthy,
			Addr:             addr,
			Role:             h.Role.String(),
			Status:           h.Status,
			ConsecutiveFails: h.ConsecutiveFails,
		})
	}
	return out
}

// Close disconnects all clients and releases node connections.
func (s *Server) Close() error {
	s.hub.Close()
	return s.monitor.Close()
}
