package node

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/cluster"
)

// ErrUnreachable marks errors of commands that could not reach the node.
var ErrUnreachable = errors.New("store node unreachable")

// Node is a single store node that can be probed and reconfigured.
type Node interface {
	Addr() string
	Probe(ctx context.Context) ProbeResult
	Promote(ctx context.Context) error
	SlaveOf(ctx context.Context, master string) error
	Close() error
}

// Dialer creates the Node for an address.
type Dialer func(addr string) Node

// ProbeResult is what a single probe observed.
type ProbeResult struct {
	Addr       string
	Role       cluster.Role
	MasterAddr string // set for slaves
	Err        error  // set for unreachable nodes
}

// Reachable reports whether the probe got an answer with a known role.
func (p ProbeResult) Reachable() bool {
	return p.Role == cluster.RoleMaster || p.Role == cluster.RoleSlave
}

// IsMaster reports whether the node answered as master.
func (p ProbeResult) IsMaster() bool { return p.Role == cluster.RoleMaster }

// IsSlaveOf reports whether the node replicates from master.
func (p ProbeResult) IsSlaveOf(master string) bool {
	return p.Role == cluster.RoleSlave && p.MasterAddr == master
}

// CommandError is returned by role changes that failed.
type CommandError struct {
	Addr    string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return "redis " + e.Addr + ": " + e.Command + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

// Options configures a RedisNode.
type Options struct {
	Retries     int           // retries on transient errors, default 3
	RetryDelay  time.Duration // fixed sleep between retries, default 100ms
	DialTimeout time.Duration // default 5s
	Logger      *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// RedisNode talks to a redis server.
type RedisNode struct {
	addr   string
	client *redis.Client
	opts   Options
	log    *zap.SugaredLogger
}

// NewRedisNode creates a node for addr. No connection is made until the first command.
func NewRedisNode(addr string, opts Options) *RedisNode {
	opts.setDefaults()
	return &RedisNode{
		addr: addr,
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.DialTimeout,
			WriteTimeout: opts.DialTimeout,
			MaxRetries:   -1,
			PoolSize:     2,
		}),
		opts: opts,
		log:  opts.Logger.Sugar(),
	}
}

// NewRedisDialer returns a Dialer creating RedisNodes with opts.
func NewRedisDialer(opts Options) Dialer {
	return func(addr string) Node { return NewRedisNode(addr, opts) }
}

func (n *RedisNode) Addr() string { return n.addr }

// Probe issues INFO replication and reports the node role.
func (n *RedisNode) Probe(ctx context.Context) ProbeResult {
	var info string
	err := n.retry(ctx, "info", func() error {
		var err error
		info, err = n.client.Info(ctx, "replication").Result()
		return err
	})
	if err != nil {
		return ProbeResult{Addr: n.addr, Role: cluster.RoleUnreachable, Err: err}
	}
	res := ParseInfo(info)
	res.Addr = n.addr
	if !res.Reachable() {
		res.Role = cluster.RoleUnreachable
		res.Err = errors.Newf("redis %s: unexpected replication info", n.addr)
	}
	return res
}

// Promote makes the node a master.
func (n *RedisNode) Promote(ctx context.Context) error {
	n.log.Infof("Setting redis server %s to master", n.addr)
	return n.retry(ctx, "slaveof no one", func() error {
		return n.client.SlaveOf(ctx, "NO", "ONE").Err()
	})
}

// SlaveOf makes the node replicate from master.
func (n *RedisNode) SlaveOf(ctx context.Context, master string) error {
	host, port, err := cluster.SplitAddr(master)
	if err != nil {
		return err
	}
	n.log.Infof("Setting redis server %s to slave of %s", n.addr, master)
	return n.retry(ctx, "slaveof "+master, func() error {
		return n.client.SlaveOf(ctx, host, strconv.Itoa(port)).Err()
	})
}

func (n *RedisNode) Close() error {
	return n.client.Close()
}

// retry runs f, retrying transient connection errors a bounded number of
// times with a fixed sleep.
func (n *RedisNode) retry(ctx context.Context, cmd string, f func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = f(); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= n.opts.Retries {
			break
		}
		n.log.Debugf("redis %s: %s failed (attempt %d/%d): %v", n.addr, cmd, attempt+1, n.opts.Retries, err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return &CommandError{Addr: n.addr, Command: cmd, Err: errors.Mark(err, ErrUnreachable)}
		case <-time.After(n.opts.RetryDelay):
		}
	}
	if isReply(err) {
		return &CommandError{Addr: n.addr, Command: cmd, Err: err}
	}
	return &CommandError{Addr: n.addr, Command: cmd, Err: errors.Mark(err, ErrUnreachable)}
}

// IsTransient reports whether err belongs to the connection refused,
// resource temporarily unavailable or timeout classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isReply(err error) bool {
	var re redis.Error
	return errors.As(err, &re)
}

// ParseInfo extracts the role and the master address from an INFO reply.
func ParseInfo(info string) ProbeResult {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	res := ProbeResult{Role: cluster.ParseRole(fields["role"])}
	if res.Role == cluster.RoleSlave && fields["master_host"] != "" {
		res.MasterAddr = net.JoinHostPort(fields["master_host"], fields["master_port"])
	}
	return res
}
