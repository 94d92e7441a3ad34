package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/failsafe/internal/client"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/node/nodetest"
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

// startClient runs a configuration client against ts until the test ends.
func startClient(t *testing.T, ts *testServer, id string) *masterfile.File {
	t.Helper()
	file := masterfile.NewWithFs(afero.NewMemMapFs(), "/var/lib/failsafe/redis-master")
	c, err := client.New(client.Options{
		ID:          id,
		Server:      strings.TrimPrefix(ts.http.URL, "http://"),
		MasterFile:  file,
		Dialer:      ts.nodes.Dialer(),
		Heartbeat:   50 * time.Millisecond,
		DialTimeout: time.Second,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		c.Close()
	})
	return file
}

func fileContent(f *masterfile.File) string {
	content, _ := f.ReadContent()
	return content
}

// TestFailoverWithClient votes a dead master out with a connected client
func TestFailoverWithClient(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	ts := newTestServer(t, nodes, []string{"rc1"}, 100, defaultSystem("a:1", "b:2"))
	file := startClient(t, ts, "rc1")

	require.Eventually(t, func() bool { return fileContent(file) == "a:1\n" }, 2*time.Second, 10*time.Millisecond,
		"client learns the master on start")

	nodes.Stop("a:1")
	ts.cycle()
	ts.cycle()
	ts.cycle()

	require.Eventually(t, func() bool { return fileContent(file) == "b:2\n" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "b:2", ts.server.Registry().Get("system"))
	assert.Contains(t, nodes.Commands(), "b:2 slaveof no one")
	assert.Contains(t, ts.rec.Texts(), "Setting redis master to 'b:2' (was 'a:1')")
}

// TestFailoverWithoutSlave keeps the recorded master when no slave is left
func TestFailoverWithoutSlave(t *testing.T) {
	nodes := nodetest.New().AddMaster("a:1").AddSlave("b:2", "a:1")
	ts := newTestServer(t, nodes, []string{"rc1"}, 100, defaultSystem("a:1", "b:2"))
	startClient(t, ts, "rc1")
	require.Eventually(t, func() bool { return ts.server.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	nodes.Stop("a:1")
	nodes.Stop("b:2")
	ts.cycle()
	ts.cycle()
	ts.cycle()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, ts.rec.WaitFor(ctx, "no slave available"))

	content, err := ts.file.ReadContent()
	require.NoError(t, err)
	assert.Equal(t, "a:1\n", content)
	assert.Empty(t, nodes.Commands())
}
