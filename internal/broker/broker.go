// Package broker implements the message-bus client (C1): publish,
// subscribe, and request-reply against the downstream microservice fleet,
// with connection pool management delegated to the nats.go client library.
// Grounded on internal/event-hooks/nats.go's NATSPublisher/NATSDeliverer
// connect/health/close shape, adapted from fan-out event publishing to
// synchronous request-reply dispatch.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/opsgateway/async-gateway/internal/config"
	"go.uber.org/zap"
)

// Client wraps a pooled NATS connection. The gateway shares one
// connection across requests, publishes, and subscriptions (queue-registry
// config-change events travel over internal/kvstore's pub/sub, not this
// connection), matching spec.md §5's "one read
// connection, one subscribe connection, one write connection" policy
// (nats.go multiplexes all three over a single TCP connection and its
// own internal pool).
type Client struct {
	conn *nats.Conn
	log  *zap.Logger
	mu   sync.RWMutex
}

func Connect(cfg *config.Config, log *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Timeout(cfg.Broker.ConnectTimeout),
		nats.MaxReconnects(cfg.Broker.MaxReconnects),
		nats.ReconnectWait(cfg.Broker.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.Broker.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return &Client{conn: conn, log: log}, nil
}

func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Drain()
	}
}

// Publish fires a fire-and-forget message on subject.
func (c *Client) Publish(subject string, payload []byte) error {
	return c.conn.Publish(subject, payload)
}

// Subscribe registers a handler invoked on every message to subject.
func (c *Client) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Request performs the bus request-reply call the job processor (C8) uses
// to dispatch to a downstream microservice, bounded by the caller's
// context deadline (the job timeout, per spec.md §4.4).
func (c *Client) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}
