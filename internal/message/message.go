// Package message implements the per-message reliability state machine.
//
// State lives in the dedup store under the message id, so duplicate and
// concurrent deliveries of the same message see the same attempt and
// exception counters, deadlines and mutex. Correctness relies only on the
// atomicity of the single store primitives.
package message

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/dedup"
	"github.com/dreamware/failsafe/internal/envelope"
)

// Defaults for handler settings.
const (
	DefaultAttempts   = 1
	DefaultExceptions = 0
	DefaultDelay      = 10 * time.Second
	DefaultTimeout    = 600 * time.Second
)

// Config holds the handler settings of a queue.
type Config struct {
	Attempts           int           // execution attempts limit
	Exceptions         int           // exceptions limit
	Delay              time.Duration // delay before a failed message is retried
	Timeout            time.Duration // time a handler may run before another delivery takes over
	ExponentialBackoff bool          // Delay doubles with every attempt
	MaxDelay           time.Duration // cap for exponential backoff, 0 means uncapped
}

// Normalize applies defaults and coerces the attempts limit above the
// exceptions limit.
func (c Config) Normalize() Config {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Exceptions < 0 {
		c.Exceptions = DefaultExceptions
	}
	if c.Attempts <= c.Exceptions {
		c.Attempts = c.Exceptions + 1
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Handler processes message payloads.
type Handler interface {
	Process(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *Message) error

func (f HandlerFunc) Process(ctx context.Context, m *Message) error { return f(ctx, m) }

// Acker acknowledges a delivery to the broker.
type Acker interface {
	Ack() error
}

// AckFunc adapts a function to Acker.
type AckFunc func() error

func (f AckFunc) Ack() error { return f() }

// Message is one delivery of a message on a queue.
type Message struct {
	ID      string
	Queue   string
	Header  envelope.Header
	Payload []byte

	cfg   Config
	store *dedup.Store
	log   *zap.SugaredLogger
	now   func() time.Time

	// HandlerErr is the error of the last failed handler run.
	HandlerErr error
}

// Option configures a Message.
type Option func(*Message)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Message) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Message) {
		if l != nil {
			m.log = l.Sugar()
		}
	}
}

// New creates a message from a decoded envelope. Messages without a uuid
// get a content derived id.
func New(store *dedup.Store, queue string, header envelope.Header, payload []byte, cfg Config, opts ...Option) *Message {
	id := header.UUID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, payload).String()
	}
	m := &Message{
		ID:      dedup.MsgID(queue, id),
		Queue:   queue,
		Header:  header,
		Payload: payload,
		cfg:     cfg.Normalize(),
		store:   store,
		log:     zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Decode creates a message from a raw body.
func Decode(store *dedup.Store, queue string, body []byte, cfg Config, opts ...Option) (*Message, error) {
	h, payload, err := envelope.Decode(body)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message on queue %s", queue)
	}
	return New(store, queue, h, payload, cfg, opts...), nil
}

// Config returns the normalized handler settings.
func (m *Message) Config() Config { return m.cfg }

func (m *Message) nowSeconds() float64 {
	return float64(m.now().UnixNano()) / 1e9
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func (m *Message) getSeconds(ctx context.Context, suffix string) (float64, bool, error) {
	v, err := m.store.Get(ctx, m.ID, suffix)
	if err != nil || v == "" {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "%s of %s", suffix, m.ID)
	}
	return f, true, nil
}

func (m *Message) getInt(ctx context.Context, suffix string) (int64, error) {
	v, err := m.store.Get(ctx, m.ID, suffix)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s of %s", suffix, m.ID)
	}
	return n, nil
}

// Expired reports whether the message expired according to its header.
func (m *Message) Expired() bool {
	return m.Header.Expired(m.now())
}

// Redundant reports whether the message was published to two brokers.
func (m *Message) Redundant() bool {
	return m.Header.Redundant()
}

// Simple messages are handled at most once without bookkeeping.
func (m *Message) Simple() bool {
	return !m.Redundant() && m.cfg.Attempts == 1
}

// Completed marks the message as handled. It is idempotent.
func (m *Message) Completed(ctx context.Context) error {
	if err := m.store.Set(ctx, m.ID, dedup.Status, "completed"); err != nil {
		return err
	}
	return m.TimedOut(ctx)
}

func (m *Message) IsCompleted(ctx context.Context) (bool, error) {
	v, err := m.store.Get(ctx, m.ID, dedup.Status)
	return v == "completed", err
}

// NextDelay returns the delay to apply after n attempts.
func (m *Message) NextDelay(n int64) time.Duration {
	if !m.cfg.ExponentialBackoff {
		return m.cfg.Delay
	}
	d := float64(m.cfg.Delay) * math.Pow(2, float64(n))
	if m.cfg.MaxDelay > 0 && d > float64(m.cfg.MaxDelay) {
		return m.cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// SetDelay stores the earliest time of the next handler run.
func (m *Message) SetDelay(ctx context.Context) error {
	n, err := m.Attempts(ctx)
	if err != nil {
		return err
	}
	deadline := m.nowSeconds() + m.NextDelay(n).Seconds()
	return m.store.Set(ctx, m.ID, dedup.Delay, formatSeconds(deadline))
}

// IsDelayed reports whether the delay deadline lies in the future.
func (m *Message) IsDelayed(ctx context.Context) (bool, error) {
	t, ok, err := m.getSeconds(ctx, dedup.Delay)
	if err != nil || !ok {
		return false, err
	}
	return t > m.nowSeconds(), nil
}

// SetTimeout stores the deadline of the current handler run.
func (m *Message) SetTimeout(ctx context.Context) error {
	deadline := m.nowSeconds() + m.cfg.Timeout.Seconds()
	return m.store.Set(ctx, m.ID, dedup.Timeout, formatSeconds(deadline))
}

// IsTimedOut reports whether the handler deadline has passed. A message
// without deadline counts as timed out.
func (m *Message) IsTimedOut(ctx context.Context) (bool, error) {
	t, _, err := m.getSeconds(ctx, dedup.Timeout)
	if err != nil {
		return false, err
	}
	return m.nowSeconds() >= t, nil
}

// TimedOut clears the handler deadline.
func (m *Message) TimedOut(ctx context.Context) error {
	return m.store.Set(ctx, m.ID, dedup.Timeout, "0")
}

func (m *Message) IncrementExecutionAttempts(ctx context.Context) (int64, error) {
	return m.store.Incr(ctx, m.ID, dedup.Attempts)
}

func (m *Message) IncrementExceptionCount(ctx context.Context) (int64, error) {
	return m.store.Incr(ctx, m.ID, dedup.Exceptions)
}

// Attempts returns the number of handler runs so far.
func (m *Message) Attempts(ctx context.Context) (int64, error) {
	return m.getInt(ctx, dedup.Attempts)
}

func (m *Message) AttemptsLimitReached(ctx context.Context) (bool, error) {
	n, err := m.Attempts(ctx)
	return n >= int64(m.cfg.Attempts), err
}

func (m *Message) ExceptionsLimitReached(ctx context.Context) (bool, error) {
	n, err := m.getInt(ctx, dedup.Exceptions)
	return n > int64(m.cfg.Exceptions), err
}

// AcquireMutex takes the message mutex. A failed attempt deletes the mutex
// so that a crashed holder cannot block the message forever.
func (m *Message) AcquireMutex(ctx context.Context) (bool, error) {
	ok, err := m.store.SetNX(ctx, m.ID, dedup.Mutex, formatSeconds(m.nowSeconds()))
	if err != nil {
		return false, err
	}
	if ok {
		m.log.Debugf("Acquired mutex: %s", m.ID)
		return true, nil
	}
	m.log.Debugf("Deleted mutex: %s", m.ID)
	return false, m.DeleteMutex(ctx)
}

func (m *Message) DeleteMutex(ctx context.Context) error {
	return m.store.Del(ctx, m.ID, dedup.Mutex)
}

// KeyExists reports whether the message was seen before. The first caller
// atomically creates the status, expiry and timeout keys.
func (m *Message) KeyExists(ctx context.Context) (bool, error) {
	created, err := m.store.MSetNX(ctx, m.ID, map[string]string{
		dedup.Status:  "incomplete",
		dedup.Expires: strconv.FormatUint(uint64(m.Header.ExpiresAt), 10),
		dedup.Timeout: formatSeconds(m.nowSeconds() + m.cfg.Timeout.Seconds()),
	})
	if err != nil {
		return false, err
	}
	if !created {
		m.log.Debugf("Received duplicate message: %s on queue: %s", m.ID, m.Queue)
	}
	return !created, nil
}

// Ack acknowledges the delivery and removes the message keys once every
// copy has been acknowledged.
func (m *Message) Ack(ctx context.Context, acker Acker) error {
	m.log.Debugf("Ack for message %s", m.ID)
	if acker != nil {
		if err := acker.Ack(); err != nil {
			return errors.Wrapf(err, "acking %s", m.ID)
		}
	}
	if m.Redundant() {
		n, err := m.store.Incr(ctx, m.ID, dedup.AckCount)
		if err != nil || n != 2 {
			return err
		}
	}
	return m.store.DelKeys(ctx, m.ID)
}

// Process runs handler for this delivery, honouring the state left by
// earlier deliveries of the same message.
func (m *Message) Process(ctx context.Context, h Handler, acker Acker) Status {
	m.log.Debugf("Processing message %s", m.ID)
	status, err := m.process(ctx, h, acker)
	if err != nil {
		m.log.Errorf("Processing of message %s failed: %v", m.ID, err)
		return InternalError
	}
	return status
}

func (m *Message) process(ctx context.Context, h Handler, acker Acker) (Status, error) {
	if m.Expired() {
		m.log.Warnf("Ignored expired message (%s)!", m.ID)
		return Ancient, m.Ack(ctx, acker)
	}
	if m.Simple() {
		if err := m.Ack(ctx, acker); err != nil {
			return InternalError, err
		}
		if m.runHandler(ctx, h) != nil {
			return AttemptsLimitReached, nil
		}
		return OK, nil
	}

	exists, err := m.KeyExists(ctx)
	if err != nil {
		return InternalError, err
	}
	if !exists {
		if err := m.SetTimeout(ctx); err != nil {
			return InternalError, err
		}
		return m.runHandlerWithBookkeeping(ctx, h, acker)
	}

	if done, err := m.IsCompleted(ctx); err != nil || done {
		if err != nil {
			return InternalError, err
		}
		return OK, m.Ack(ctx, acker)
	}
	if delayed, err := m.IsDelayed(ctx); err != nil || delayed {
		if err != nil {
			return InternalError, err
		}
		m.log.Warnf("Ignored delayed message (%s)!", m.ID)
		return Delayed, nil
	}
	if timedOut, err := m.IsTimedOut(ctx); err != nil || !timedOut {
		if err != nil {
			return InternalError, err
		}
		return HandlerNotYetTimedOut, nil
	}
	if reached, err := m.AttemptsLimitReached(ctx); err != nil || reached {
		if err != nil {
			return InternalError, err
		}
		m.log.Errorf("Reached the handler execution attempts limit: %d on %s", m.cfg.Attempts, m.ID)
		return AttemptsLimitReached, m.Ack(ctx, acker)
	}
	if reached, err := m.ExceptionsLimitReached(ctx); err != nil || reached {
		if err != nil {
			return InternalError, err
		}
		m.log.Errorf("Reached the handler exceptions limit: %d on %s", m.cfg.Exceptions, m.ID)
		return ExceptionsLimitReached, m.Ack(ctx, acker)
	}

	if err := m.SetTimeout(ctx); err != nil {
		return InternalError, err
	}
	locked, err := m.AcquireMutex(ctx)
	if err != nil {
		return InternalError, err
	}
	if !locked {
		return MutexLocked, nil
	}
	return m.runHandlerWithBookkeeping(ctx, h, acker)
}

func (m *Message) runHandlerWithBookkeeping(ctx context.Context, h Handler, acker Acker) (Status, error) {
	if _, err := m.IncrementExecutionAttempts(ctx); err != nil {
		return InternalError, err
	}
	if m.runHandler(ctx, h) == nil {
		if err := m.Completed(ctx); err != nil {
			return InternalError, err
		}
		return OK, m.Ack(ctx, acker)
	}

	if _, err := m.IncrementExceptionCount(ctx); err != nil {
		return InternalError, err
	}
	if reached, err := m.AttemptsLimitReached(ctx); err != nil || reached {
		if err != nil {
			return InternalError, err
		}
		m.log.Errorf("Reached the handler execution attempts limit: %d on %s", m.cfg.Attempts, m.ID)
		return AttemptsLimitReached, m.Ack(ctx, acker)
	}
	if reached, err := m.ExceptionsLimitReached(ctx); err != nil || reached {
		if err != nil {
			return InternalError, err
		}
		m.log.Errorf("Reached the handler exceptions limit: %d on %s", m.cfg.Exceptions, m.ID)
		return ExceptionsLimitReached, m.Ack(ctx, acker)
	}
	if err := m.DeleteMutex(ctx); err != nil {
		return InternalError, err
	}
	if err := m.TimedOut(ctx); err != nil {
		return InternalError, err
	}
	if err := m.SetDelay(ctx); err != nil {
		return InternalError, err
	}
	return HandlerCrash, nil
}

// runHandler calls the handler, turning a panic into an error.
func (m *Message) runHandler(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
		if err != nil {
			m.HandlerErr = err
			m.log.Warnf("Error '%v' during invocation of message handler for %s", err, m.ID)
		}
	}()
	return h.Process(ctx, m)
}
