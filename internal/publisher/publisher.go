// Package publisher sends messages to a set of broker servers, either to one
// server with failover or to two servers for redundancy.
//
// Servers that fail twice in a row are quarantined and re-admitted after
// RecycleInterval. When every server is quarantined the one dead longest is
// re-admitted on the next publish.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/failsafe/internal/envelope"
	"github.com/dreamware/failsafe/internal/metrics"
)

// ErrNoMessageSent is returned when no server accepted the message.
var ErrNoMessageSent = errors.New("message could not be delivered")

// DefaultRecycleInterval is the quarantine time of a dead server.
const DefaultRecycleInterval = 10 * time.Second

// Conn is an open connection to one broker server.
type Conn interface {
	Publish(ctx context.Context, exchange, key string, body []byte, msgID string) error
	Close() error
}

// Dialer opens connections to broker servers.
type Dialer interface {
	Dial(ctx context.Context, server string) (Conn, error)
}

// Options configures a Publisher.
type Options struct {
	Servers         []string
	Dialer          Dialer
	RecycleInterval time.Duration
	DefaultTTL      time.Duration // default 24h
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Message is one outbound message.
type Message struct {
	Exchange  string
	Key       string
	Payload   []byte
	TTL       time.Duration
	Redundant bool
}

// Publisher holds the server rotation and the dead server set.
type Publisher struct {
	dialer  Dialer
	recycle time.Duration
	ttl     time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	servers []string
	dead    map[string]time.Time
	current string
	conns   map[string]Conn
}

// New creates a Publisher.
func New(opts Options) (*Publisher, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("publisher needs at least one server")
	}
	if opts.Dialer == nil {
		return nil, errors.New("publisher needs a dialer")
	}
	if opts.RecycleInterval <= 0 {
		opts.RecycleInterval = DefaultRecycleInterval
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	servers := slices.Clone(opts.Servers)
	return &Publisher{
		dialer:  opts.Dialer,
		recycle: opts.RecycleInterval,
		ttl:     opts.DefaultTTL,
		log:     opts.Logger.Sugar(),
		metrics: metrics.OrNew(opts.Metrics),
		now:     opts.Now,
		servers: servers,
		dead:    make(map[string]time.Time),
		current: servers[len(servers)-1],
		conns:   make(map[string]Conn),
	}, nil
}

// Publish encodes msg and sends it. It returns the number of servers that
// accepted the message.
func (p *Publisher) Publish(ctx context.Context, msg Message) (int, error) {
	ttl := msg.TTL
	if ttl <= 0 {
		ttl = p.ttl
	}
	body, h, err := envelope.Encode(msg.Payload, p.now(), envelope.Options{TTL: ttl, WithUUID: true, Redundant: msg.Redundant})
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.dead) > 0 {
		p.recycleDeadServers()
	}
	var n int
	mode := "failover"
	if msg.Redundant {
		mode = "redundant"
		n, err = p.publishWithRedundancy(ctx, msg, body, h.UUID)
	} else {
		n, err = p.publishWithFailover(ctx, msg, body, h.UUID)
	}
	result := "ok"
	switch {
	case err != nil:
		result = "failed"
	case msg.Redundant && n < 2:
		result = "partial"
	}
	p.metrics.Publishes.WithLabelValues(mode, result).Inc()
	p.metrics.DeadServers.Set(float64(len(p.dead)))
	return n, err
}

func (p *Publisher) publishWithFailover(ctx context.Context, msg Message, body []byte, id string) (int, error) {
	tries := len(p.servers) * 2
	for tries > 0 {
		if tries%2 == 0 {
			p.selectNextServer()
		}
		if p.current == "" {
			break
		}
		err := p.send(ctx, p.current, msg, body, id)
		if err == nil {
			return 1, nil
		}
		tries--
		// the first failure may be a broker restart, so retry the same server once
		if tries%2 == 1 {
			continue
		}
		p.markServerDead(err)
	}
	p.log.Errorf("Message could not be delivered: %s", msg.Key)
	return 0, errors.Wrapf(ErrNoMessageSent, "exchange %s key %s", msg.Exchange, msg.Key)
}

func (p *Publisher) publishWithRedundancy(ctx context.Context, msg Message, body []byte, id string) (int, error) {
	if len(p.servers) < 2 {
		p.log.Warnf("At least two active servers are required for redundant publishing")
		return p.publishWithFailover(ctx, msg, body, id)
	}
	var published []string
	for len(published) < 2 && len(p.servers) > 0 && !samePublished(published, p.servers) {
		p.selectNextServer()
		server := p.current
		if slices.Contains(published, server) {
			continue
		}
		err := p.send(ctx, server, msg, body, id)
		if err != nil {
			err = p.send(ctx, server, msg, body, id)
		}
		if err != nil {
			p.markServerDead(err)
			continue
		}
		published = append(published, server)
	}
	switch len(published) {
	case 0:
		p.log.Errorf("Message could not be delivered: %s", msg.Key)
		return 0, errors.Wrapf(ErrNoMessageSent, "exchange %s key %s", msg.Exchange, msg.Key)
	case 1:
		p.log.Warnf("Failed to send message redundantly: %s", msg.Key)
	}
	return len(published), nil
}

func samePublished(published, servers []string) bool {
	if len(published) != len(servers) {
		return false
	}
	for _, s := range servers {
		if !slices.Contains(published, s) {
			return false
		}
	}
	return true
}

// send publishes over a cached connection, dropping it on failure.
func (p *Publisher) send(ctx context.Context, server string, msg Message, body []byte, id string) error {
	conn, ok := p.conns[server]
	if !ok {
		var err error
		conn, err = p.dialer.Dial(ctx, server)
		if err != nil {
			return errors.Wrapf(err, "connecting to %s", server)
		}
		p.conns[server] = conn
	}
	if err := conn.Publish(ctx, msg.Exchange, msg.Key, body, id); err != nil {
		p.stop(server)
		return errors.Wrapf(err, "publishing to %s", server)
	}
	return nil
}

func (p *Publisher) stop(server string) {
	if conn, ok := p.conns[server]; ok {
		if err := conn.Close(); err != nil {
			p.log.Debugf("Closing connection to %s: %v", server, err)
		}
		delete(p.conns, server)
	}
}

// selectNextServer moves to the server after the current one.
func (p *Publisher) selectNextServer() {
	if len(p.servers) == 0 {
		p.log.Errorf("Message publishing needs at least one server")
		p.current = ""
		return
	}
	i := slices.Index(p.servers, p.current)
	p.current = p.servers[(i+1)%len(p.servers)]
}

// markServerDead quarantines the current server. The rotation continues
// with its successor.
func (p *Publisher) markServerDead(cause error) {
	server := p.current
	p.log.Infof("Server %s down: %v", server, cause)
	p.stop(server)
	p.dead[server] = p.now()
	i := slices.Index(p.servers, server)
	if i < 0 {
		return
	}
	p.servers = slices.Delete(p.servers, i, i+1)
	if len(p.servers) == 0 {
		p.current = ""
		return
	}
	p.current = p.servers[(i-1+len(p.servers))%len(p.servers)]
}

func (p *Publisher) recycleDeadServers() {
	now := p.now()
	var recycle []string
	for server, since := range p.dead {
		if now.Sub(since) >= p.recycle {
			recycle = append(recycle, server)
		}
	}
	if len(recycle) == 0 && len(p.servers) == 0 {
		var oldest string
		for server, since := range p.dead {
			if oldest == "" || since.Before(p.dead[oldest]) || (since.Equal(p.dead[oldest]) && server < oldest) {
				oldest = server
			}
		}
		recycle = append(recycle, oldest)
	}
	slices.Sort(recycle)
	for _, server := range recycle {
		p.log.Infof("Recycling dead server %s", server)
		delete(p.dead, server)
		p.servers = append(p.servers, server)
	}
}

// Servers returns the active rotation.
func (p *Publisher) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.servers)
}

// DeadServers returns the quarantined servers and when they died.
func (p *Publisher) DeadServers() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	dead := make(map[string]time.Time, len(p.dead))
	for k, v := range p.dead {
		dead[k] = v
	}
	return dead
}

// Close closes all open connections.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for server, conn := range p.conns {
		errs = errors.CombineErrors(errs, conn.Close())
		delete(p.conns, server)
	}
	return errs
}
