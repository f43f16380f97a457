package inmemory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/routing"
)

// queueCapacity bounds each queue; Publish blocks (honouring ctx) when a queue is full.
const queueCapacity = 4096

// Network is an in-process broker with AMQP-like direct and topic exchanges.
// Every Conn dialed from the same Network sees the same exchanges and queues.
//
// Network is safe for concurrent use.
type Network struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
}

type exchange struct {
	kind     broker.ExchangeKind
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name      string
	exclusive bool
	owner     *Conn
	msgs      chan broker.Delivery
	deleted   chan struct{}
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

// Dial opens a new connection on the network.
func (n *Network) Dial() *Conn {
	return &Conn{net: n, done: make(chan struct{})}
}

// Dialer returns a broker.Dialer that ignores the address and dials n.
func (n *Network) Dialer() broker.Dialer {
	return func(ctx context.Context, _ string) (broker.Broker, error) { //nolint:ireturn
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return n.Dial(), nil
	}
}

// Conn is one connection to a Network. Exclusive queues declared through a Conn
// are deleted when it is closed.
type Conn struct {
	net *Network

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	exclusive []string
	wg        sync.WaitGroup
}

var _ broker.Broker = (*Conn)(nil)

func (c *Conn) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return fmt.Errorf("inmemory %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

func (c *Conn) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind, durable bool) error {
	_ = durable

	if err := c.ready(ctx, "declare exchange"); err != nil {
		return err
	}

	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if ex, ok := n.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("inmemory declare exchange %q: declared as %s, not %s", name, ex.kind, kind)
		}

		return nil
	}

	n.exchanges[name] = &exchange{kind: kind}

	return nil
}

func (c *Conn) DeclareQueue(ctx context.Context, name string, durable, exclusive bool) error {
	_ = durable

	if err := c.ready(ctx, "declare queue"); err != nil {
		return err
	}

	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if q, ok := n.queues[name]; ok {
		if q.exclusive && q.owner != c {
			return fmt.Errorf("inmemory declare queue %q: %w", name, berr.ErrResourceLocked)
		}

		return nil
	}

	q := &queue{
		name:      name,
		exclusive: exclusive,
		msgs:      make(chan broker.Delivery, queueCapacity),
		deleted:   make(chan struct{}),
	}
	if exclusive {
		q.owner = c

		c.mu.Lock()
		c.exclusive = append(c.exclusive, name)
		c.mu.Unlock()
	}

	n.queues[name] = q

	return nil
}

func (c *Conn) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	if err := c.ready(ctx, "bind queue"); err != nil {
		return err
	}

	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()

	ex, ok := n.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("inmemory bind %q: %w", exchangeName, berr.ErrUnknownExchange)
	}

	if _, ok := n.queues[queueName]; !ok {
		return fmt.Errorf("inmemory bind %q: %w", queueName, berr.ErrUnknownQueue)
	}

	b := binding{queue: queueName, key: routingKey}
	for _, existing := range ex.bindings {
		if existing == b {
			return nil
		}
	}

	ex.bindings = append(ex.bindings, b)

	return nil
}

func (c *Conn) Publish(ctx context.Context, exchangeName, routingKey string, body []byte, props broker.Properties) error {
	if err := c.ready(ctx, "publish"); err != nil {
		return err
	}

	targets, err := c.net.route(exchangeName, routingKey)
	if err != nil {
		return err
	}

	d := broker.Delivery{
		Exchange:   exchangeName,
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Properties: props,
	}
	d.Headers = maps.Clone(props.Headers)

	for _, q := range targets {
		select {
		case q.msgs <- d:
		case <-q.deleted:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// route resolves the queues an exchange forwards routingKey to. Unroutable
// messages are dropped, as an AMQP broker does without the mandatory flag.
func (n *Network) route(exchangeName, routingKey string) ([]*queue, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ex, ok := n.exchanges[exchangeName]
	if !ok {
		return nil, fmt.Errorf("inmemory publish %q: %w", exchangeName, berr.ErrUnknownExchange)
	}

	seen := make(map[string]struct{})

	var targets []*queue

	for _, b := range ex.bindings {
		if _, dup := seen[b.queue]; dup {
			continue
		}

		var match bool

		switch ex.kind {
		case broker.Topic:
			match = routing.MatchTopic(b.key, routingKey)
		default:
			match = b.key == routingKey
		}

		if !match {
			continue
		}

		if q, ok := n.queues[b.queue]; ok {
			seen[b.queue] = struct{}{}
			targets = append(targets, q)
		}
	}

	return targets, nil
}

// Consume delivers messages from queueName to handler on a dedicated goroutine.
// Acknowledgement is implicit; autoAck only documents intent.
func (c *Conn) Consume(ctx context.Context, queueName string, autoAck bool, handler broker.DeliveryHandler) error {
	_ = autoAck

	if err := c.ready(ctx, "consume"); err != nil {
		return err
	}

	c.net.mu.Lock()
	q, ok := c.net.queues[queueName]
	c.net.mu.Unlock()

	if !ok {
		return fmt.Errorf("inmemory consume %q: %w", queueName, berr.ErrUnknownQueue)
	}

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-q.deleted:
				return
			case d := <-q.msgs:
				handler(ctx, d)
			}
		}
	}()

	return nil
}

// Close stops this connection's consumers and deletes its exclusive queues.
// It waits for running handlers to return and is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	close(c.done)
	exclusive := c.exclusive
	c.exclusive = nil
	c.mu.Unlock()

	c.net.deleteQueues(exclusive)
	c.wg.Wait()

	return nil
}

func (n *Network) deleteQueues(names []string) {
	if len(names) == 0 {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	gone := make(map[string]struct{}, len(names))
	for _, name := range names {
		if q, ok := n.queues[name]; ok {
			close(q.deleted)
			delete(n.queues, name)
			gone[name] = struct{}{}
		}
	}

	for _, ex := range n.exchanges {
		kept := ex.bindings[:0]
		for _, b := range ex.bindings {
			if _, drop := gone[b.queue]; !drop {
				kept = append(kept, b)
			}
		}

		ex.bindings = kept
	}
}

// QueueNames returns the names of all declared queues. Intended for tests.
func (n *Network) QueueNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	names := make([]string, 0, len(n.queues))
	for name := range n.queues {
		names = append(names, name)
	}

	return names
}

// Bindings returns the routing keys bound from exchangeName to queueName. Intended for tests.
func (n *Network) Bindings(exchangeName, queueName string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	ex, ok := n.exchanges[exchangeName]
	if !ok {
		return nil
	}

	var keys []string

	for _, b := range ex.bindings {
		if b.queue == queueName {
			keys = append(keys, b.key)
		}
	}

	return keys
}
