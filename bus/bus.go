// Package bus wraps the NATS client with the narrow surface the cluster
// uses: publish, request/reply, and scoped (queue-)subscriptions. Transport
// transience is absorbed here: the initial connect retries forever with a
// fixed pause, and the underlying client reconnects indefinitely.
package bus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const (
	connectRetryDelay = 2 * time.Second
	requestTimeout    = 10 * time.Second
)

// Conn is a shared connection to the message bus. It is safe for use from
// multiple goroutines and is passed by reference through component
// constructors; there is exactly one per process.
type Conn struct {
	nc *nats.Conn
}

// Msg is a received message. Respond replies on the request's inbox and is
// valid only for messages delivered to request subjects.
type Msg struct {
	Subject string
	Data    []byte
	reply   string
	nc      *nats.Conn
}

// Respond replies to a request message.
func (m Msg) Respond(data []byte) error {
	return m.nc.Publish(m.reply, data)
}

// Handler consumes one message. Handlers must not block indefinitely: they
// run on the client's delivery goroutine.
type Handler func(Msg)

// Subscription is a live subscription; Unsubscribe is its scope-exit
// cleanup and must run even on error paths (defer it).
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe tears the subscription down. It does not block on a dead
// transport.
func (s *Subscription) Unsubscribe() {
	if err := s.sub.Unsubscribe(); err != nil {
		log.WithFields(log.Fields{"subject": s.sub.Subject, "err": err}).
			Debug("unsubscribe failed (connection may be closed)")
	}
}

// Dial connects to the bus at url, retrying every two seconds until it
// succeeds or ctx is cancelled. The returned connection reconnects
// automatically and indefinitely.
func Dial(ctx context.Context, url string) (*Conn, error) {
	var opts = []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(connectRetryDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithField("err", err).Warn("bus disconnected, reconnecting")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("bus reconnected")
		}),
	}

	for {
		var nc, err = nats.Connect(url, opts...)
		if err == nil {
			return &Conn{nc: nc}, nil
		}
		log.WithFields(log.Fields{"url": url, "err": err}).
			Warn("bus connect failed, retrying")

		select {
		case <-time.After(connectRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Publish sends data on subject.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Request sends data on subject and waits for a single reply.
func (c *Conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	var msg, err = c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Subscribe delivers every message on subject to handler.
func (c *Conn) Subscribe(subject string, handler Handler) (*Subscription, error) {
	var sub, err = c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(Msg{Subject: m.Subject, Data: m.Data, reply: m.Reply, nc: c.nc})
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{sub: sub}, nil
}

// QueueSubscribe delivers each message on subject to exactly one member of
// the named queue group.
func (c *Conn) QueueSubscribe(subject, queue string, handler Handler) (*Subscription, error) {
	var sub, err = c.nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		handler(Msg{Subject: m.Subject, Data: m.Data, reply: m.Reply, nc: c.nc})
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{sub: sub}, nil
}

// IsConnected reports whether the connection is currently established.
func (c *Conn) IsConnected() bool { return c.nc.IsConnected() }

// Close drains and closes the connection.
func (c *Conn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}
