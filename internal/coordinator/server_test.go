package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/metrics"
	"github.com/dreamware/failsafe/internal/node"
	"github.com/dreamware/failsafe/internal/node/nodetest"
	"github.com/dreamware/failsafe/internal/notify"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	nodes   *nodetest.Cluster
	clock   *testClock
	file    *masterfile.File
	rec     *notify.Recorder
	metrics *metrics.Metrics
	server  *Server
}

func newTestEnv(t *testing.T, nodes *nodetest.Cluster, watchers []string, addrs ...string) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nodes, nil, watchers, addrs...)
}

// newTestEnvWith lets configure change the options before the server is created.
func newTestEnvWith(t *testing.T, nodes *nodetest.Cluster, configure func(*Options), watchers []string, addrs ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		nodes:   nodes,
		clock:   &testClock{now: t0},
		file:    masterfile.NewWithFs(afero.NewMemMapFs(), "/etc/failsafe/redis-master"),
		rec:     notify.NewRecorder(),
		metrics: metrics.New(nil),
	}
	opts := Options{
		Systems:             []cluster.System{{Name: cluster.DefaultSystem, Nodes: addrs}},
		Watchers:            watchers,
		MasterRetries:       3,
		MasterRetryInterval: 10 * time.Second,
		ClientTimeout:       10 * time.Second,
		ConfidenceLevel:     Confidence(100),
		ProbeTimeout:        time.Second,
		Dialer:              nodes.Dialer(),
		MasterFile:          env.file,
		Notifier:            env.rec,
		Metrics:             env.metrics,
		Now:                 env.clock.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	env.file = opts.MasterFile
	s, err := NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	env.server = s
	return env
}

// cycle advances the clock by one check interval and runs the control loop once.
func (e *testEnv) cycle() {
	e.clock.Add(10 * time.Second)
	e.server.Tick(context.Background())
}

func (e *testEnv) content(t *testing.T) string {
	t.Helper()
	content, err := e.file.ReadContent()
	require.NoError(t, err)
	return content
}

// TestServerInitialize tests determination of the initial master
func TestServerInitialize(t *testing.T) {
	t.Run("from master file", func(t *testing.T) {
		env := newTestEnv(t, nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1"), nil, "a:1", "b:2")
		require.NoError(t, env.file.WriteContent("a:1\n"))

		require.NoError(t, env.server.Initialize(context.Background()))
		assert.Equal(t, "a:1", env.server.Registry().Get(cluster.DefaultSystem))
		assert.Empty(t, env.nodes.Commands())
		assert.Empty(t, env.rec.Texts())
	})

	t.Run("auto detected", func(t *testing.T) {
		env := newTestEnv(t, nodetest.New().AddMaster("b:2").AddSlave("a:1", "b:2"), nil, "a:1", "b:2")

		require.NoError(t, env.server.Initialize(context.Background()))
		assert.Equal(t, "b:2\n", env.content(t))
	})

	t.Run("undeterminable", func(t *testing.T) {
		env := newTestEnv(t, nodetest.New().AddMaster("a:1").AddMaster("b:2"), nil, "a:1", "b:2")

		assert.Error(t, env.server.Initialize(context.Background()))
		assert.Equal(t, "", env.content(t))
	})

	t.Run("recorded master turned slave", func(t *testing.T) {
		env := newTestEnv(t, nodetest.New().AddMaster("b:2").AddSlave("a:1", "b:2"), nil, "a:1", "b:2")
		require.NoError(t, env.file.WriteContent("a:1\n"))

		require.NoError(t, env.server.Initialize(context.Background()))
		assert.Equal(t, "b:2\n", env.content(t))
		assert.Equal(t, []string{
			"Redis master 'a:1' not available",
			"Setting redis master to 'b:2' (was 'a:1')",
		}, env.rec.Texts())
	})

	t.Run("recorded master unreachable", func(t *testing.T) {
		nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
		nodes.Stop("a:1")
		env := newTestEnv(t, nodes, nil, "a:1", "b:2")
		require.NoError(t, env.file.WriteContent("a:1\n"))

		require.NoError(t, env.server.Initialize(context.Background()))
		assert.Equal(t, "b:2\n", env.content(t))
		assert.Equal(t, cluster.RoleMaster, nodes.Role("b:2"))
	})
}

// TestServerFailoverWithoutWatchers switches after MasterRetries failed probes
// and turns the returning old master into a slave
func TestServerFailoverWithoutWatchers(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1").AddSlave("c:3", "a:1")
	env := newTestEnv(t, nodes, nil, "a:1", "b:2", "c:3")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("a:1")
	env.cycle()
	env.cycle()
	assert.Equal(t, "a:1\n", env.content(t), "no switch before the retries are used up")
	env.cycle()

	assert.Equal(t, "b:2\n", env.content(t))
	assert.Equal(t, []string{
		"Redis master 'a:1' not available",
		"Setting redis master to 'b:2' (was 'a:1')",
	}, env.rec.Texts())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues(cluster.DefaultSystem, "switched")))

	// c follows the new master, a is healed once it returns
	env.cycle()
	assert.Equal(t, "b:2", nodes.MasterOf("c:3"))
	nodes.Start("a:1")
	env.cycle()
	assert.Equal(t, cluster.RoleSlave, nodes.Role("a:1"))
	assert.Equal(t, "b:2", nodes.MasterOf("a:1"))
	assert.Contains(t, nodes.Commands(), "a:1 slaveof b:2")
}

// TestServerFlappingMaster never switches a master that recovers in time
func TestServerFlappingMaster(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnv(t, nodes, nil, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	for i := 0; i < 4; i++ {
		nodes.Stop("a:1")
		env.cycle()
		env.cycle()
		nodes.Start("a:1")
		env.cycle()
	}

	assert.Equal(t, "a:1\n", env.content(t))
	assert.Empty(t, env.rec.Texts())
	assert.Empty(t, nodes.Commands())
}

// TestServerNoSlave keeps the master while no slave can take over and
// switches once a slave of the old master returns
func TestServerNoSlave(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnv(t, nodes, nil, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("a:1")
	nodes.Stop("b:2")
	for i := 0; i < 6; i++ {
		env.cycle()
	}

	assert.Equal(t, "a:1\n", env.content(t))
	assert.Equal(t, []string{
		"Redis master 'a:1' not available",
		"Redis master could not be switched, no slave available to become new master",
	}, env.rec.Texts(), "repeated notifications are held back")
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues(cluster.DefaultSystem, "no_slave")),
		"every failed check cycle tries again")
	assert.Equal(t, PhaseStable.String(), env.server.Status().RedisSystems[0].Phase)

	nodes.Start("b:2")
	env.cycle()
	env.cycle()
	env.cycle()

	assert.Equal(t, "b:2\n", env.content(t))
	assert.Equal(t, cluster.RoleMaster, nodes.Role("b:2"))
	assert.Equal(t, "Setting redis master to 'b:2' (was 'a:1')", env.rec.Texts()[len(env.rec.Texts())-1])
}

// TestServerNoSlaveNotifiesAgain repeats the notifications once the
// notification interval passed
func TestServerNoSlaveNotifiesAgain(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnvWith(t, nodes, func(o *Options) { o.NotifyInterval = 45 * time.Second }, nil, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("a:1")
	nodes.Stop("b:2")
	for i := 0; i < 9; i++ {
		env.cycle()
	}

	// switches at 30s, 60s and 90s; only 30s and 90s are 45s apart
	assert.Len(t, env.rec.Texts(), 4)
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues(cluster.DefaultSystem, "no_slave")))
}

// TestServerPromoteFailureRetries tries the switch again after a failed promotion
func TestServerPromoteFailureRetries(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	var failing atomic.Bool
	failing.Store(true)
	env := newTestEnvWith(t, nodes, func(o *Options) {
		dial := o.Dialer
		o.Dialer = func(addr string) node.Node {
			return &failingPromote{Node: dial(addr), fail: &failing}
		}
	}, nil, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("a:1")
	for i := 0; i < 3; i++ {
		env.cycle()
	}
	assert.Equal(t, "a:1\n", env.content(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues(cluster.DefaultSystem, "promote_failed")))

	failing.Store(false)
	for i := 0; i < 3; i++ {
		env.cycle()
	}
	assert.Equal(t, "b:2\n", env.content(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues(cluster.DefaultSystem, "switched")))
}

// failingPromote rejects promotions while fail is set.
type failingPromote struct {
	node.Node
	fail *atomic.Bool
}

func (n *failingPromote) Promote(ctx context.Context) error {
	if n.fail.Load() {
		return errors.New("promotion refused")
	}
	return n.Node.Promote(ctx)
}

// failingFs fails renames while fail is set, so master file writes fail.
type failingFs struct {
	afero.Fs
	fail atomic.Bool
}

func (f *failingFs) Rename(oldname, newname string) error {
	if f.fail.Load() {
		return errors.New("no space left on device")
	}
	return f.Fs.Rename(oldname, newname)
}

// TestServerMasterFileWriteFailure keeps serving the promoted master when
// the master file cannot be written and writes it once the disk recovers
func TestServerMasterFileWriteFailure(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	disk := &failingFs{Fs: afero.NewMemMapFs()}
	env := newTestEnvWith(t, nodes, func(o *Options) {
		o.MasterFile = masterfile.NewWithFs(disk, "/etc/failsafe/redis-master")
	}, nil, "a:1", "b:2")
	require.NoError(t, env.file.WriteContent("a:1\n"))
	require.NoError(t, env.server.Initialize(context.Background()))

	disk.fail.Store(true)
	nodes.Stop("a:1")
	for i := 0; i < 4; i++ {
		env.cycle()
	}

	assert.Equal(t, "b:2", env.server.Registry().Get(cluster.DefaultSystem))
	assert.Equal(t, "b:2", env.server.Status().RedisSystems[0].RedisMaster)
	assert.Equal(t, "a:1\n", env.content(t))

	disk.fail.Store(false)
	env.cycle()

	assert.Equal(t, "b:2\n", env.content(t))
	assert.Equal(t, []string{"b:2 slaveof no one"}, nodes.Commands())
	assert.Equal(t, []string{
		"Redis master 'a:1' not available",
		"Setting redis master to 'b:2' (was 'a:1')",
	}, env.rec.Texts())
}

// TestServerVote runs both voting rounds through the client message handler
func TestServerVote(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnv(t, nodes, []string{"rc1", "rc2"}, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(env.server.Hub().ServeConfiguration))
	defer srv.Close()
	_, frames := clientFrames(t, wsURL(srv, "/configuration"))
	require.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	nodes.Stop("a:1")
	env.cycle()
	env.cycle()
	env.cycle()

	ping := expectFrame(t, frames, cluster.MsgPing)
	assert.Equal(t, cluster.DefaultSystem, ping.System)
	assert.True(t, env.server.Status().RedisSystems[0].SwitchInProgress)

	pong := func(id, token string) {
		env.server.HandleClientMessage(cluster.MsgBody{System: cluster.DefaultSystem, Name: cluster.MsgPong, ID: id, Token: token})
	}
	pong("stranger", ping.Token)
	pong("rc1", ping.Token)
	pong("rc2", ping.Token)
	assert.Contains(t, env.rec.Texts(), "Received pong message from unknown client id 'stranger'")

	inv := expectFrame(t, frames, cluster.MsgInvalidate)
	assert.NotEqual(t, ping.Token, inv.Token)

	for _, id := range []string{"rc1", "rc2"} {
		env.server.HandleClientMessage(cluster.MsgBody{System: cluster.DefaultSystem, Name: cluster.MsgClientInvalidated, ID: id, Token: inv.Token})
	}

	reconf := expectFrame(t, frames, cluster.MsgReconfigure)
	assert.Equal(t, "b:2", reconf.Server)
	assert.Equal(t, "b:2\n", env.content(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Votes.WithLabelValues(cluster.DefaultSystem, cluster.MsgClientInvalidated)))
}

// TestServerVoteExpires cancels a vote without enough replies
func TestServerVoteExpires(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnv(t, nodes, []string{"rc1", "rc2"}, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("a:1")
	env.cycle()
	env.cycle()
	env.cycle()
	require.True(t, env.server.Status().RedisSystems[0].SwitchInProgress)

	env.server.HandleClientMessage(cluster.MsgBody{Name: cluster.MsgPong, ID: "rc1", Token: "0"})
	env.cycle()

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues(cluster.DefaultSystem, "insufficient_confidence")))
	assert.Equal(t, "a:1\n", env.content(t))
}

// TestServerInitiateMasterSwitch tests the operator triggered switch
func TestServerInitiateMasterSwitch(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnv(t, nodes, nil, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))
	ctx := context.Background()

	started, err := env.server.InitiateMasterSwitch(ctx, "")
	require.NoError(t, err)
	assert.False(t, started, "master is available")

	_, err = env.server.InitiateMasterSwitch(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownSystem))

	nodes.Stop("a:1")
	started, err = env.server.InitiateMasterSwitch(ctx, cluster.DefaultSystem)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, "b:2\n", env.content(t))
}

// TestServerStatus verifies the status snapshot
func TestServerStatus(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	env := newTestEnv(t, nodes, []string{"rc1", "rc2"}, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	env.server.HandleClientMessage(cluster.MsgBody{Name: cluster.MsgClientStarted, ID: "rc1"})
	env.server.HandleClientMessage(cluster.MsgBody{Name: cluster.MsgHeartbeat, ID: "rc9"})
	env.clock.Add(30 * time.Second)

	st := env.server.Status()
	assert.Equal(t, []string{"rc1", "rc2"}, st.ConfiguredClientIDs)
	assert.Equal(t, []string{"rc9"}, st.UnknownClientIDs)
	assert.Equal(t, []string{"rc2"}, st.UnseenClientIDs)
	assert.Equal(t, []string{"rc1: last seen 30s ago", "rc9: last seen 30s ago"}, st.UnresponsiveClients)
	require.Len(t, st.RedisSystems, 1)
	sys := st.RedisSystems[0]
	assert.Equal(t, "a:1", sys.RedisMaster)
	assert.True(t, sys.RedisMasterAvailable)
	assert.Equal(t, []string{"b:2"}, sys.RedisSlavesAvailable)
	assert.False(t, sys.SwitchInProgress)
	assert.Equal(t, []string{"a:1", "b:2"}, sys.ConfiguredRedisServers)
}

// blockingPromote holds Promote until release is closed.
type blockingPromote struct {
	node.Node
	promoting chan struct{}
	release   chan struct{}
}

func (n *blockingPromote) Promote(ctx context.Context) error {
	close(n.promoting)
	<-n.release
	return n.Node.Promote(ctx)
}

// TestServerStatusDuringPromote answers status requests while a promotion hangs
func TestServerStatusDuringPromote(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	slow := &blockingPromote{promoting: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnvWith(t, nodes, func(o *Options) {
		dial := o.Dialer
		o.Dialer = func(addr string) node.Node {
			if addr == "b:2" {
				slow.Node = dial(addr)
				return slow
			}
			return dial(addr)
		}
	}, nil, "a:1", "b:2")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("a:1")
	env.cycle()
	env.cycle()
	switched := make(chan struct{})
	go func() {
		defer close(switched)
		env.cycle()
	}()
	select {
	case <-slow.promoting:
	case <-time.After(2 * time.Second):
		t.Fatal("no promotion started")
	}

	status := make(chan ServerStatus, 1)
	go func() { status <- env.server.Status() }()
	select {
	case st := <-status:
		assert.Equal(t, "a:1", st.RedisSystems[0].RedisMaster)
		assert.False(t, st.RedisSystems[0].RedisMasterAvailable)
	case <-time.After(time.Second):
		t.Fatal("Status blocked by the running promotion")
	}

	close(slow.release)
	<-switched
	assert.Equal(t, "b:2", env.server.Status().RedisSystems[0].RedisMaster)
}

// TestServerConfidenceLevel tests the confidence level options
func TestServerConfidenceLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   *int
		content string
		voting  bool
	}{
		{name: "unset requires every watcher", level: nil, content: "a:1\n", voting: true},
		{name: "zero switches without votes", level: Confidence(0), content: "b:2\n", voting: false},
		{name: "full confidence", level: Confidence(100), content: "a:1\n", voting: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
			env := newTestEnvWith(t, nodes, func(o *Options) { o.ConfidenceLevel = tt.level }, []string{"rc1", "rc2"}, "a:1", "b:2")
			require.NoError(t, env.server.Initialize(context.Background()))

			nodes.Stop("a:1")
			env.cycle()
			env.cycle()
			env.cycle()

			assert.Equal(t, tt.content, env.content(t))
			assert.Equal(t, tt.voting, env.server.Status().RedisSystems[0].SwitchInProgress)
		})
	}
}

// TestServerNodeHealth reports per node health in the status and counts
// nodes that turn unhealthy
func TestServerNodeHealth(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1").AddSlave("c:3", "a:1")
	env := newTestEnv(t, nodes, nil, "a:1", "b:2", "c:3")
	require.NoError(t, env.server.Initialize(context.Background()))

	nodes.Stop("c:3")
	env.cycle()
	env.cycle()
	env.cycle()

	health := env.server.Status().RedisSystems[0].Nodes
	require.Len(t, health, 3)
	assert.Equal(t, "a:1", health[0].Addr)
	assert.Equal(t, "master", health[0].Role)
	assert.Equal(t, "healthy", health[0].Status)
	assert.Equal(t, "slave", health[1].Role)
	assert.Equal(t, "c:3", health[2].Addr)
	assert.Equal(t, "unreachable", health[2].Role)
	assert.Equal(t, "unhealthy", health[2].Status)
	assert.Equal(t, 3, health[2].ConsecutiveFails)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.Unhealthy.WithLabelValues("c:3")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "a:1\n", env.content(t))
	assert.Empty(t, env.rec.Texts())
}

// TestNewServerValidation rejects unusable options
func TestNewServerValidation(t *testing.T) {
	dialer := nodetest.New().Dialer()
	_, err := NewServer(Options{Dialer: dialer})
	assert.Error(t, err)

	_, err = NewServer(Options{Systems: []cluster.System{{Name: "s", Nodes: []string{"a:1"}}}})
	assert.Error(t, err)

	_, err = NewServer(Options{
		Systems: []cluster.System{{Name: "s", Nodes: []string{"a:1"}}, {Name: "s", Nodes: []string{"b:1"}}},
		Dialer:  dialer,
	})
	assert.Error(t, err)
}
