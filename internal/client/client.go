// Package client implements the configuration client that runs next to every
// consumer of a redis system. It keeps the local master file in line with
// the masters announced by the configuration server and takes part in the
// server's failover votes.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/node"
)

// errConnectionClosed is returned by a session the server ended.
var errConnectionClosed = errors.New("connection to configuration server closed")

// Options configures a Client.
type Options struct {
	ID           string             // Watcher id sent to the server
	Server       string             // host:port of the configuration server
	MasterFile   *masterfile.File   // Local master file
	Dialer       node.Dialer        // Probes redis nodes
	Heartbeat    time.Duration      // Heartbeat interval, default 5s
	DialTimeout  time.Duration      // Websocket handshake and probe timeout, default 5s
	PollInterval time.Duration      // Poll /.json instead of holding a websocket when > 0
	NewBackOff   func() backoff.BackOff
	Logger       *zap.Logger
}

// Client is a configuration client.
type Client struct {
	opts   Options
	log    *zap.SugaredLogger
	tokens map[string]int64
	nodes  map[string]node.Node
	mu     sync.Mutex
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.ID == "" {
		return nil, errors.New("client id required")
	}
	if opts.MasterFile == nil {
		return nil, errors.New("master file required")
	}
	if err := masterfile.VerifyPath(opts.MasterFile.Path()); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		return nil, errors.New("node dialer required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		log:    opts.Logger.Sugar(),
		tokens: make(map[string]int64),
		nodes:  make(map[string]node.Node),
	}, nil
}

// ConfigurationURL is the websocket URL of the server's client channel.
func (c *Client) ConfigurationURL() string {
	u := url.URL{Scheme: "ws", Host: c.opts.Server, Path: "/configuration"}
	return u.String()
}

// StatusURL is the URL of the server's JSON status.
func (c *Client) StatusURL() string {
	u := url.URL{Scheme: "http", Host: c.opts.Server, Path: "/.json"}
	return u.String()
}

func (c *Client) probe(ctx context.Context, addr string) node.ProbeResult {
	c.mu.Lock()
	n, ok := c.nodes[addr]
	if !ok {
		n = c.opts.Dialer(addr)
		c.nodes[addr] = n
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return n.Probe(ctx)
}

// ClearStaleMasters empties the master file unless every recorded master
// still answers as master.
func (c *Client) ClearStaleMasters(ctx context.Context) error {
	masters, err := c.opts.MasterFile.Read()
	if err != nil {
		return err
	}
	for system, addr := range masters {
		if !c.probe(ctx, addr).IsMaster() {
			c.log.Infof("Clearing master file: master %s of system %s is not available", addr, system)
			return c.opts.MasterFile.WriteContent("")
		}
	}
	return nil
}

// redeem accepts a numeric token not older than the last one seen for system.
func (c *Client) redeem(system, token string) bool {
	t, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		c.log.Infof("Ignoring invalid token '%s'", token)
		return false
	}
	if last, ok := c.tokens[system]; ok && t < last {
		c.log.Infof("Ignoring outdated token '%s' (already seen %d)", token, last)
		return false
	}
	c.tokens[system] = t
	return true
}

func systemOf(msg cluster.MsgBody) string {
	if msg.System == "" {
		return cluster.DefaultSystem
	}
	return msg.System
}

// Dispatch handles one frame from the server and returns the reply, if any.
func (c *Client) Dispatch(ctx context.Context, msg cluster.MsgBody) (*cluster.MsgBody, error) {
	system := systemOf(msg)
	switch msg.Name {
	case cluster.MsgPing:
		c.log.Infof("Received ping message for system %s with token '%s'", system, msg.Token)
		if !c.redeem(system, msg.Token) {
			return nil, nil
		}
		return &cluster.MsgBody{System: msg.System, Name: cluster.MsgPong, ID: c.opts.ID, Token: msg.Token}, nil

	case cluster.MsgInvalidate:
		c.log.Infof("Received invalidate message for system %s with token '%s'", system, msg.Token)
		if !c.redeem(system, msg.Token) {
			return nil, nil
		}
		current, err := c.opts.MasterFile.Master(system)
		if err != nil {
			return nil, err
		}
		if current != "" && c.probe(ctx, current).IsMaster() {
			c.log.Warnf("Not invalidating master %s of system %s: it is still available", current, system)
			return nil, nil
		}
		if err := c.opts.MasterFile.Clear(system); err != nil {
			return nil, err
		}
		c.log.Infof("Sending client_invalidated message with id '%s' and token '%s'", c.opts.ID, msg.Token)
		return &cluster.MsgBody{System: msg.System, Name: cluster.MsgClientInvalidated, ID: c.opts.ID, Token: msg.Token}, nil

	case cluster.MsgReconfigure:
		if msg.Token != "" && !c.redeem(system, msg.Token) {
			return nil, nil
		}
		return nil, c.setMaster(system, msg.Server)

	default:
		c.log.Errorf("Unexpected message: %s", msg.Name)
		return nil, nil
	}
}

func (c *Client) setMaster(system, addr string) error {
	if addr == "" {
		return nil
	}
	current, err := c.opts.MasterFile.Master(system)
	if err != nil {
		return err
	}
	if current == addr {
		return nil
	}
	c.log.Infof("Setting new master of system %s: %s", system, addr)
	return c.opts.MasterFile.Update(system, addr)
}

// Run keeps the client working until ctx is done, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	if err := c.ClearStaleMasters(ctx); err != nil {
		c.log.Errorf("Checking recorded masters: %v", err)
	}
	if c.opts.PollInterval > 0 {
		return c.poll(ctx)
	}

	b := c.opts.NewBackOff()
	err := backoff.RetryNotify(func() error {
		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.log.Errorf("%v, reconnecting in %s", err, wait.Truncate(time.Millisecond))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session holds one websocket connection until it fails or ctx is done.
// connected is called once the handshake succeeded.
func (c *Client) session(ctx context.Context, connected func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	c.log.Infof("Connecting to %s", c.ConfigurationURL())
	ws, _, err := dialer.DialContext(ctx, c.ConfigurationURL(), nil)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", c.ConfigurationURL())
	}
	defer ws.Close()
	connected()
	c.log.Info("Established websocket connection")

	send := func(msg cluster.MsgBody) error {
		_ = ws.SetWriteDeadline(time.Now().Add(c.opts.DialTimeout))
		return errors.Wrapf(ws.WriteJSON(msg), "sending %s", msg.Name)
	}
	if err := send(cluster.MsgBody{Name: cluster.MsgClientStarted, ID: c.opts.ID}); err != nil {
		return err
	}

	frames := make(chan cluster.MsgBody, 100)
	done := make(chan struct{})
	defer close(done)
	var readErr error
	go func() {
		defer close(frames)
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var msg cluster.MsgBody
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Errorf("Could not parse message %q: %v", data, err)
				continue
			}
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case <-ticker.C:
			if err := send(cluster.MsgBody{Name: cluster.MsgHeartbeat, ID: c.opts.ID}); err != nil {
				return err
			}
		case msg, ok := <-frames:
			if !ok {
				if readErr != nil {
					return errors.Wrap(readErr, "reading from configuration server")
				}
				return errConnectionClosed
			}
			reply, err := c.Dispatch(ctx, msg)
			if err != nil {
				c.log.Errorf("Handling %s message: %v", msg.Name, err)
			}
			if reply != nil {
				if err := send(*reply); err != nil {
					return err
				}
			}
		}
	}
}

// statusDoc is the part of the server status the poller uses.
type statusDoc struct {
	RedisSystems []struct {
		SystemName           string `json:"system_name"`
		RedisMaster          string `json:"redis_master"`
		RedisMasterAvailable bool   `json:"redis_master_available"`
	} `json:"redis_systems"`
}

// PollOnce fetches the server status and records every announced master
// that answers as master.
func (c *Client) PollOnce(ctx context.Context) error {
	var doc statusDoc
	if err := cluster.GetJSON(ctx, c.StatusURL(), &doc); err != nil {
		return errors.Wrap(err, "fetching server status")
	}
	for _, sys := range doc.RedisSystems {
		if sys.RedisMaster == "" || !sys.RedisMasterAvailable {
			continue
		}
		if !c.probe(ctx, sys.RedisMaster).IsMaster() {
			c.log.Warnf("Announced master %s of system %s does not answer as master", sys.RedisMaster, sys.SystemName)
			continue
		}
		if err := c.setMaster(sys.SystemName, sys.RedisMaster); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) poll(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.PollOnce(ctx); err != nil {
			c.log.Errorf("Polling configuration server: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases the node connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for addr, n := range c.nodes {
		err = errors.CombineErrors(err, n.Close())
		delete(c.nodes, addr)
	}
	return err
}
