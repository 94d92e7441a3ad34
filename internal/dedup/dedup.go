// Package dedup keeps per-message bookkeeping keys on the current redis master.
//
// Keys have the form <msg_id>:<suffix>, where msg_id is
// "msgid:<queue>:<uuid>". Every operation resolves the current master first
// and is retried across a failover for a bounded time.
package dedup

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/storage"
)

// ErrNoRedisMaster is returned once an operation kept failing for the whole
// failover period.
var ErrNoRedisMaster = errors.New("no redis master available")

// Key suffixes.
const (
	Status     = "status"
	AckCount   = "ack_count"
	Timeout    = "timeout"
	Delay      = "delay"
	Attempts   = "attempts"
	Exceptions = "exceptions"
	Mutex      = "mutex"
	Expires    = "expires"
)

// Suffixes lists every key suffix stored for a message.
var Suffixes = []string{Status, AckCount, Timeout, Delay, Attempts, Exceptions, Mutex, Expires}

// Key returns the store key of one field of a message.
func Key(msgID, suffix string) string {
	return msgID + ":" + suffix
}

// Keys returns all store keys of a message.
func Keys(msgID string) []string {
	keys := make([]string, len(Suffixes))
	for i, s := range Suffixes {
		keys[i] = Key(msgID, s)
	}
	return keys
}

// MsgID builds the message id of a message received on queue.
func MsgID(queue, uuid string) string {
	return "msgid:" + queue + ":" + uuid
}

// Options configures a Store.
type Options struct {
	FailoverRetries int           // default 120
	FailoverDelay   time.Duration // default 1s
	Logger          *zap.Logger
}

// Store is the dedup facade over the current master.
type Store struct {
	resolver Resolver
	opts     Options
	log      *zap.SugaredLogger
}

// New creates a Store resolving the master through r.
func New(r Resolver, opts Options) *Store {
	if opts.FailoverRetries <= 0 {
		opts.FailoverRetries = 120
	}
	if opts.FailoverDelay <= 0 {
		opts.FailoverDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{resolver: r, opts: opts, log: opts.Logger.Sugar()}
}

// Get returns one field of a message, "" if it is not set.
func (s *Store) Get(ctx context.Context, msgID, suffix string) (string, error) {
	var v string
	err := s.withFailover(ctx, func(st storage.Store) error {
		var err error
		v, err = st.Get(ctx, Key(msgID, suffix))
		if errors.Is(err, storage.ErrKeyNotFound) {
			v, err = "", nil
		}
		return err
	})
	return v, err
}

func (s *Store) Set(ctx context.Context, msgID, suffix, value string) error {
	return s.withFailover(ctx, func(st storage.Store) error {
		return st.Set(ctx, Key(msgID, suffix), value)
	})
}

func (s *Store) SetNX(ctx context.Context, msgID, suffix, value string) (bool, error) {
	var ok bool
	err := s.withFailover(ctx, func(st storage.Store) error {
		var err error
		ok, err = st.SetNX(ctx, Key(msgID, suffix), value)
		return err
	})
	return ok, err
}

// MSetNX sets several fields of a message only if none of them exists.
func (s *Store) MSetNX(ctx context.Context, msgID string, values map[string]string) (bool, error) {
	pairs := make(map[string]string, len(values))
	for suffix, v := range values {
		pairs[Key(msgID, suffix)] = v
	}
	var ok bool
	err := s.withFailover(ctx, func(st storage.Store) error {
		var err error
		ok, err = st.MSetNX(ctx, pairs)
		return err
	})
	return ok, err
}

func (s *Store) Incr(ctx context.Context, msgID, suffix string) (int64, error) {
	var n int64
	err := s.withFailover(ctx, func(st storage.Store) error {
		var err error
		n, err = st.Incr(ctx, Key(msgID, suffix))
		return err
	})
	return n, err
}

func (s *Store) Del(ctx context.Context, msgID, suffix string) error {
	return s.withFailover(ctx, func(st storage.Store) error {
		_, err := st.Del(ctx, Key(msgID, suffix))
		return err
	})
}

// DelKeys deletes every field of a message.
func (s *Store) DelKeys(ctx context.Context, msgID string) error {
	return s.withFailover(ctx, func(st storage.Store) error {
		_, err := st.Del(ctx, Keys(msgID)...)
		return err
	})
}

func (s *Store) Exists(ctx context.Context, msgID, suffix string) (bool, error) {
	var ok bool
	err := s.withFailover(ctx, func(st storage.Store) error {
		var err error
		ok, err = st.Exists(ctx, Key(msgID, suffix))
		return err
	})
	return ok, err
}

// GarbageCollectKeys deletes the keys of every message whose expiry lies
// before now plus threshold. It returns the number of messages removed.
func (s *Store) GarbageCollectKeys(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	var keys []string
	err := s.withFailover(ctx, func(st storage.Store) error {
		var err error
		keys, err = st.Scan(ctx, "msgid:*:"+Expires)
		return err
	})
	if err != nil {
		return 0, err
	}
	limit := now.Add(threshold).Unix()
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		msgID := strings.TrimSuffix(key, ":"+Expires)
		v, err := s.Get(ctx, msgID, Expires)
		if err != nil {
			return removed, err
		}
		expires, perr := strconv.ParseInt(v, 10, 64)
		if v != "" && perr == nil && expires > limit {
			continue
		}
		if err := s.DelKeys(ctx, msgID); err != nil {
			return removed, err
		}
		removed++
	}
	s.log.Infof("Garbage collected keys of %d messages (%d scanned)", removed, len(keys))
	return removed, nil
}

// withFailover runs f against the current master. Store errors invalidate the
// resolved master and are retried with a fixed delay until the failover
// period is over.
func (s *Store) withFailover(ctx context.Context, f func(storage.Store) error) error {
	var lastErr error
	for i := 0; i < s.opts.FailoverRetries; i++ {
		st, err := s.resolver.Store(ctx)
		if err == nil {
			err = f(st)
			if err == nil || !retryable(err) {
				return err
			}
		}
		lastErr = err
		s.resolver.Invalidate()
		s.log.Warnf("Redis operation failed (attempt %d/%d): %v", i+1, s.opts.FailoverRetries, err)
		if i+1 == s.opts.FailoverRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.FailoverDelay):
		}
	}
	s.log.Errorf("Giving up on redis operation after %d attempts: %v", s.opts.FailoverRetries, lastErr)
	return errors.Mark(errors.Wrapf(lastErr, "after %d attempts", s.opts.FailoverRetries), ErrNoRedisMaster)
}

func retryable(err error) bool {
	if errors.Is(err, storage.ErrNotInteger) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// reply errors are not fixed by a failover, except writes hitting a
	// node that was just demoted
	var re redis.Error
	if errors.As(err, &re) {
		return strings.HasPrefix(re.Error(), "READONLY")
	}
	return true
}
