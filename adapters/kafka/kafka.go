package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/routing"
)

// Record headers carrying message properties.
const (
	HeaderReplyTo       = "rpc-reply-to"
	HeaderCorrelationID = "rpc-correlation-id"
	HeaderMessageID     = "rpc-message-id"
)

const pollRetryDelay = 250 * time.Millisecond

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed Kafka record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Reader consumes records for one consumer group.
type Reader interface {
	// Poll blocks until records are available, ctx ends or the reader is closed.
	// It returns ErrReaderClosed once closed.
	Poll(ctx context.Context) ([]Record, error)
	AddTopics(topics ...string)
	Close()
}

// assignmentWaiter is implemented by readers that can report when their group
// has been assigned partitions. Records produced before that are not seen by
// a group that starts at the log end.
type assignmentWaiter interface {
	WaitAssigned(ctx context.Context)
}

// ReaderFactory opens a Reader for group consuming topics.
type ReaderFactory func(group string, topics []string) (Reader, error)

// ErrReaderClosed is returned by Reader.Poll after Close.
var ErrReaderClosed = errors.New("kafka reader closed")

// Adapter implements broker.Broker over Kafka. An exchange is a topic and the
// routing key is the record key. A queue is a consumer group named after the
// queue; since a group reads whole topics, bindings are applied client-side.
type Adapter struct {
	writer    Writer
	newReader ReaderFactory

	mu        sync.Mutex
	closed    bool
	exchanges map[string]broker.ExchangeKind
	queues    map[string]*queue
	wg        sync.WaitGroup
}

type binding struct {
	exchange string
	kind     broker.ExchangeKind
	key      string
}

type queue struct {
	name     string
	bindings []binding
	topics   map[string]struct{}

	consuming bool
	ctx       context.Context //nolint:containedctx // consumer lifetime
	handler   broker.DeliveryHandler
	reader    Reader
}

var _ broker.Broker = (*Adapter)(nil)

// New creates a Kafka adapter. newReader may be nil for a publish-only adapter.
func New(w Writer, newReader ReaderFactory) *Adapter {
	return &Adapter{
		writer:    w,
		newReader: newReader,
		exchanges: make(map[string]broker.ExchangeKind),
		queues:    make(map[string]*queue),
	}
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()

	if a.writer == nil || closed {
		return fmt.Errorf("kafka %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

// DeclareExchange records the exchange kind. Topics are created on first use.
func (a *Adapter) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind, durable bool) error {
	_ = durable

	if err := a.ready(ctx, "declare exchange"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.exchanges[name]; ok && prev != kind {
		return fmt.Errorf("kafka declare exchange %q: declared as %s, not %s", name, prev, kind)
	}

	a.exchanges[name] = kind

	return nil
}

func (a *Adapter) DeclareQueue(ctx context.Context, name string, durable, exclusive bool) error {
	_, _ = durable, exclusive

	if err := a.ready(ctx, "declare queue"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.queues[name]; !ok {
		a.queues[name] = &queue{name: name, topics: make(map[string]struct{})}
	}

	return nil
}

func (a *Adapter) BindQueue(ctx context.Context, queueName, exchange, routingKey string) error {
	if err := a.ready(ctx, "bind queue"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	kind, ok := a.exchanges[exchange]
	if !ok {
		return fmt.Errorf("kafka bind %q: %w", exchange, berr.ErrUnknownExchange)
	}

	q, ok := a.queues[queueName]
	if !ok {
		return fmt.Errorf("kafka bind %q: %w", queueName, berr.ErrUnknownQueue)
	}

	b := binding{exchange: exchange, kind: kind, key: routingKey}
	for _, existing := range q.bindings {
		if existing == b {
			return nil
		}
	}

	q.bindings = append(q.bindings, b)

	if _, known := q.topics[exchange]; known {
		return nil
	}

	q.topics[exchange] = struct{}{}

	if !q.consuming {
		return nil
	}

	if q.reader != nil {
		q.reader.AddTopics(exchange)

		return nil
	}

	return a.startLocked(q)
}

func (a *Adapter) Publish(ctx context.Context, exchange, routingKey string, body []byte, props broker.Properties) error {
	if err := a.ready(ctx, "publish"); err != nil {
		return err
	}

	if err := a.writer.Write(ctx, exchange, []byte(routingKey), body, toHeaders(props)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish to %q: %w", exchange, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Consume joins the queue's consumer group and, when the reader supports it,
// waits for the first partition assignment so replies published right after
// Connect are not missed. If nothing is bound yet the group is joined on the
// first BindQueue without waiting. Only one consumer per queue is supported
// per Adapter; dial another Adapter for competing consumers.
func (a *Adapter) Consume(ctx context.Context, queueName string, autoAck bool, handler broker.DeliveryHandler) error {
	_ = autoAck

	if err := a.ready(ctx, "consume"); err != nil {
		return err
	}

	if a.newReader == nil {
		return fmt.Errorf("kafka consume %q: no reader configured: %w", queueName, berr.ErrNotConnected)
	}

	a.mu.Lock()

	q, ok := a.queues[queueName]
	if !ok {
		a.mu.Unlock()

		return fmt.Errorf("kafka consume %q: %w", queueName, berr.ErrUnknownQueue)
	}

	if q.consuming {
		a.mu.Unlock()

		return fmt.Errorf("kafka consume %q: already consuming", queueName)
	}

	q.consuming = true
	q.ctx = ctx
	q.handler = handler

	if len(q.topics) == 0 {
		a.mu.Unlock()

		return nil
	}

	if err := a.startLocked(q); err != nil {
		a.mu.Unlock()

		return err
	}

	r := q.reader
	a.mu.Unlock()

	if w, ok := r.(assignmentWaiter); ok {
		w.WaitAssigned(ctx)
	}

	return nil
}

// startLocked opens the reader for q and starts its poll loop. a.mu must be held.
func (a *Adapter) startLocked(q *queue) error {
	topics := make([]string, 0, len(q.topics))
	for t := range q.topics {
		topics = append(topics, t)
	}

	r, err := a.newReader(q.name, topics)
	if err != nil {
		q.consuming = false

		return fmt.Errorf("kafka consume %q: %w", q.name, err)
	}

	q.reader = r

	a.wg.Add(1)

	go a.poll(q, r)

	return nil
}

func (a *Adapter) poll(q *queue, r Reader) {
	defer a.wg.Done()

	ctx := q.ctx

	for {
		recs, err := r.Poll(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrReaderClosed) {
			return
		}

		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
		}

		for _, rec := range recs {
			if !a.accepts(q, rec) {
				continue
			}

			q.handler(ctx, toDelivery(rec))
		}
	}
}

// accepts reports whether any of q's bindings routes rec to it.
func (a *Adapter) accepts(q *queue, rec Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := string(rec.Key)

	for _, b := range q.bindings {
		if b.exchange != rec.Topic {
			continue
		}

		if b.kind == broker.Topic && routing.MatchTopic(b.key, key) {
			return true
		}

		if b.kind != broker.Topic && b.key == key {
			return true
		}
	}

	return false
}

// Close stops every reader and waits for their poll loops. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()

		return nil
	}

	a.closed = true

	var readers []Reader

	for _, q := range a.queues {
		if q.reader != nil {
			readers = append(readers, q.reader)
			q.reader = nil
		}
	}
	a.mu.Unlock()

	for _, r := range readers {
		r.Close()
	}

	a.wg.Wait()

	if c, ok := a.writer.(interface{ Close() }); ok {
		c.Close()
	}

	return nil
}

func toHeaders(p broker.Properties) map[string]string {
	h := make(map[string]string, len(p.Headers)+3)
	for k, v := range p.Headers {
		h[k] = v
	}

	if p.ReplyTo != "" {
		h[HeaderReplyTo] = p.ReplyTo
	}

	if p.CorrelationID != "" {
		h[HeaderCorrelationID] = p.CorrelationID
	}

	if p.MessageID != "" {
		h[HeaderMessageID] = p.MessageID
	}

	return h
}

func toDelivery(rec Record) broker.Delivery {
	d := broker.Delivery{Exchange: rec.Topic, RoutingKey: string(rec.Key), Body: rec.Value}

	for k, v := range rec.Headers {
		switch k {
		case HeaderReplyTo:
			d.ReplyTo = v
		case HeaderCorrelationID:
			d.CorrelationID = v
		case HeaderMessageID:
			d.MessageID = v
		default:
			if d.Headers == nil {
				d.Headers = make(map[string]string)
			}

			d.Headers[k] = v
		}
	}

	return d
}
