package publisher

import (
	"context"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer connects to RabbitMQ servers given as host:port.
type AMQPDialer struct {
	User           string
	Password       string
	Vhost          string
	ConnectTimeout time.Duration
}

func (d AMQPDialer) url(server string) string {
	u := url.URL{Scheme: "amqp", Host: server, Path: "/" + d.Vhost}
	user, pass := d.User, d.Password
	if user == "" {
		user, pass = "guest", "guest"
	}
	u.User = url.UserPassword(user, pass)
	return u.String()
}

// Dial opens a connection and a channel on server.
func (d AMQPDialer) Dial(ctx context.Context, server string) (Conn, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	conn, err := amqp.DialConfig(d.url(server), amqp.Config{
		Dial:      amqp.DefaultDial(timeout),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dialing amqp server %s", server)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "opening channel on %s", server)
	}
	return &amqpConn{conn: conn, ch: ch}, nil
}

type amqpConn struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c *amqpConn) Publish(ctx context.Context, exchange, key string, body []byte, msgID string) error {
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    msgID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (c *amqpConn) Close() error {
	return errors.CombineErrors(c.ch.Close(), c.conn.Close())
}
