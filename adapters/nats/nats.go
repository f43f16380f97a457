package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/routing"
)

// Message property headers. Application headers travel alongside them unchanged.
const (
	HeaderReplyTo       = "Rpc-Reply-To"
	HeaderCorrelationID = "Rpc-Correlation-Id"
	HeaderMessageID     = "Rpc-Message-Id"
)

// queueBuffer bounds deliveries waiting for a queue's consumer.
const queueBuffer = 1024

// Subscription is a live subscription that can be removed.
type Subscription interface {
	Unsubscribe() error
}

// Client is the subset of a NATS connection the adapter needs.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	Publish(ctx context.Context, m *nats.Msg) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	QueueSubscribe(subject, group string, cb nats.MsgHandler) (Subscription, error)
	Close() error
}

// Adapter implements broker.Broker over core NATS subjects. An exchange is a
// subject prefix: publishing to exchange X with key k sends on "X.k". Durable
// queues become queue groups so competing consumers share the load; other
// queues subscribe plainly.
type Adapter struct {
	client Client

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	exchanges map[string]broker.ExchangeKind
	queues    map[string]*queue
	wg        sync.WaitGroup
}

type queue struct {
	name  string
	group bool
	msgs  chan broker.Delivery
	bound map[string]struct{}
	subs  []Subscription
}

var _ broker.Broker = (*Adapter)(nil)

// New creates a NATS adapter over c.
func New(c Client) *Adapter {
	return &Adapter{
		client:    c,
		done:      make(chan struct{}),
		exchanges: make(map[string]broker.ExchangeKind),
		queues:    make(map[string]*queue),
	}
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.client == nil || a.isClosed() {
		return fmt.Errorf("nats %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.closed
}

// DeclareExchange records the exchange kind; NATS has no server-side exchanges.
func (a *Adapter) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind, durable bool) error {
	_ = durable

	if err := a.ready(ctx, "declare exchange"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.exchanges[name]; ok && prev != kind {
		return fmt.Errorf("nats declare exchange %q: declared as %s, not %s", name, prev, kind)
	}

	a.exchanges[name] = kind

	return nil
}

// DeclareQueue records a queue. Durable, non-exclusive queues consume as a queue group named after the queue.
func (a *Adapter) DeclareQueue(ctx context.Context, name string, durable, exclusive bool) error {
	if err := a.ready(ctx, "declare queue"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.queues[name]; ok {
		return nil
	}

	a.queues[name] = &queue{
		name:  name,
		group: durable && !exclusive,
		msgs:  make(chan broker.Delivery, queueBuffer),
		bound: make(map[string]struct{}),
	}

	return nil
}

// BindQueue subscribes queue to the subject for routingKey on exchange.
func (a *Adapter) BindQueue(ctx context.Context, queueName, exchange, routingKey string) error {
	if err := a.ready(ctx, "bind queue"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	kind, ok := a.exchanges[exchange]
	if !ok {
		return fmt.Errorf("nats bind %q: %w", exchange, berr.ErrUnknownExchange)
	}

	q, ok := a.queues[queueName]
	if !ok {
		return fmt.Errorf("nats bind %q: %w", queueName, berr.ErrUnknownQueue)
	}

	id := exchange + "\x00" + routingKey
	if _, dup := q.bound[id]; dup {
		return nil
	}

	for _, subject := range bindingSubjects(exchange, kind, routingKey) {
		sub, err := a.subscribe(q, subject, a.handlerFor(q, exchange, kind, routingKey))
		if err != nil {
			return fmt.Errorf("nats bind %q to %q: %w", queueName, subject, err)
		}

		q.subs = append(q.subs, sub)
	}

	q.bound[id] = struct{}{}

	return nil
}

func (a *Adapter) subscribe(q *queue, subject string, cb nats.MsgHandler) (Subscription, error) { //nolint:ireturn
	if q.group {
		return a.client.QueueSubscribe(subject, q.name, cb)
	}

	return a.client.Subscribe(subject, cb)
}

// handlerFor converts NATS messages on one binding into deliveries for q.
// Topic bindings are re-checked against the AMQP pattern since NATS
// wildcards are coarser than '#'.
func (a *Adapter) handlerFor(q *queue, exchange string, kind broker.ExchangeKind, pattern string) nats.MsgHandler {
	prefix := exchange + "."

	return func(m *nats.Msg) {
		key := strings.TrimPrefix(m.Subject, prefix)
		if kind == broker.Topic && !routing.MatchTopic(pattern, key) {
			return
		}

		d := broker.Delivery{Exchange: exchange, RoutingKey: key, Body: m.Data, Properties: fromHeader(m.Header)}

		select {
		case q.msgs <- d:
		case <-a.done:
		}
	}
}

// bindingSubjects maps an AMQP binding key onto NATS subjects. A topic key
// becomes the prefix up to its first '#' followed by '>'; a trailing '#'
// also subscribes the bare prefix since '#' matches zero words.
func bindingSubjects(exchange string, kind broker.ExchangeKind, key string) []string {
	if kind != broker.Topic {
		return []string{exchange + "." + key}
	}

	words := strings.Split(key, ".")
	for i, w := range words {
		if w != "#" {
			continue
		}

		subjects := []string{strings.Join(append([]string{exchange}, append(words[:i:i], ">")...), ".")}
		if i == len(words)-1 && i > 0 {
			subjects = append(subjects, strings.Join(append([]string{exchange}, words[:i]...), "."))
		}

		return subjects
	}

	return []string{exchange + "." + key}
}

func (a *Adapter) Publish(ctx context.Context, exchange, routingKey string, body []byte, props broker.Properties) error {
	if err := a.ready(ctx, "publish"); err != nil {
		return err
	}

	m := &nats.Msg{Subject: exchange + "." + routingKey, Data: body, Header: toHeader(props)}

	if err := a.client.Publish(ctx, m); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", m.Subject, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Consume hands q's deliveries to handler, one at a time, until ctx ends or
// the adapter is closed. Acknowledgement is implicit in core NATS.
func (a *Adapter) Consume(ctx context.Context, queueName string, autoAck bool, handler broker.DeliveryHandler) error {
	_ = autoAck

	if err := a.ready(ctx, "consume"); err != nil {
		return err
	}

	a.mu.Lock()
	q, ok := a.queues[queueName]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats consume %q: %w", queueName, berr.ErrUnknownQueue)
	}

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case d := <-q.msgs:
				handler(ctx, d)
			}
		}
	}()

	return nil
}

// Close removes every subscription and closes the client. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()

		return nil
	}

	a.closed = true
	close(a.done)

	var subs []Subscription
	for _, q := range a.queues {
		subs = append(subs, q.subs...)
		q.subs = nil
	}
	a.mu.Unlock()

	var errs []error

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}

	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("nats close: %w", err)
	}

	return nil
}

func toHeader(p broker.Properties) nats.Header {
	h := nats.Header{}

	for k, v := range p.Headers {
		h.Set(k, v)
	}

	if p.ReplyTo != "" {
		h.Set(HeaderReplyTo, p.ReplyTo)
	}

	if p.CorrelationID != "" {
		h.Set(HeaderCorrelationID, p.CorrelationID)
	}

	if p.MessageID != "" {
		h.Set(HeaderMessageID, p.MessageID)
	}

	if len(h) == 0 {
		return nil
	}

	return h
}

func fromHeader(h nats.Header) broker.Properties {
	p := broker.Properties{
		ReplyTo:       h.Get(HeaderReplyTo),
		CorrelationID: h.Get(HeaderCorrelationID),
		MessageID:     h.Get(HeaderMessageID),
	}

	for k, vs := range h {
		switch k {
		case HeaderReplyTo, HeaderCorrelationID, HeaderMessageID:
			continue
		}

		if len(vs) == 0 {
			continue
		}

		if p.Headers == nil {
			p.Headers = make(map[string]string)
		}

		p.Headers[k] = vs[0]
	}

	return p
}
