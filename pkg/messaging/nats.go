package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient publishes marketplace events to a NATS subject per event type
// and lets external consumers subscribe to them.
type NATSClient struct {
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	mu         sync.Mutex
	reconnects int
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewNATSClient connects to NATS.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &NATSClient{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.reconnects++
		client.mu.Unlock()
	})

	return client, nil
}

// Publish sends the event to the subject named after its type.
func (c *NATSClient) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.conn.Publish(event.Type, payload)
}

// Subscribe registers a handler for one event type.
func (c *NATSClient) Subscribe(eventType string, handler func(Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[eventType]; exists {
		return fmt.Errorf("already subscribed to %s", eventType)
	}

	sub, err := c.conn.Subscribe(eventType, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs[eventType] = sub
	return nil
}

// Unsubscribe removes a subscription.
func (c *NATSClient) Unsubscribe(eventType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[eventType]
	if !exists {
		return fmt.Errorf("not subscribed to %s", eventType)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	delete(c.subs, eventType)
	return nil
}

// IsConnected returns connection status.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns the number of reconnections.
func (c *NATSClient) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Close unsubscribes everything and closes the connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for eventType, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, eventType)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
