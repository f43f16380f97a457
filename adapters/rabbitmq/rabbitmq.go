package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/internal/ids"
)

// Channel is the subset of *amqp.Channel used by the adapter.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Adapter implements broker.Broker over one AMQP channel. When conn is set it is
// closed together with the channel, so one Adapter owns one broker connection.
type Adapter struct {
	ch   Channel
	conn io.Closer

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ broker.Broker = (*Adapter)(nil)

// New wraps an open channel. conn may be nil.
func New(ch Channel, conn io.Closer) *Adapter { return &Adapter{ch: ch, conn: conn} }

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch == nil || a.closed {
		return fmt.Errorf("rabbitmq %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

func (a *Adapter) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind, durable bool) error {
	if err := a.ready(ctx, "declare exchange"); err != nil {
		return err
	}

	if err := a.ch.ExchangeDeclare(name, string(kind), durable, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare exchange %q: %w", name, err)
	}

	return nil
}

func (a *Adapter) DeclareQueue(ctx context.Context, name string, durable, exclusive bool) error {
	if err := a.ready(ctx, "declare queue"); err != nil {
		return err
	}

	if _, err := a.ch.QueueDeclare(name, durable, false, exclusive, false, nil); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.ResourceLocked {
			return fmt.Errorf("rabbitmq declare queue %q: %w", name, errors.Join(berr.ErrResourceLocked, err))
		}

		return fmt.Errorf("rabbitmq declare queue %q: %w", name, err)
	}

	return nil
}

func (a *Adapter) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := a.ready(ctx, "bind queue"); err != nil {
		return err
	}

	if err := a.ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return fmt.Errorf("rabbitmq bind %q to %q: %w", queue, exchange, errors.Join(berr.ErrUnknownExchange, err))
		}

		return fmt.Errorf("rabbitmq bind %q to %q: %w", queue, exchange, err)
	}

	return nil
}

func (a *Adapter) Publish(ctx context.Context, exchange, routingKey string, body []byte, props broker.Properties) error {
	if err := a.ready(ctx, "publish"); err != nil {
		return err
	}

	msg := amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Headers:       toTable(props.Headers),
		ContentType:   "application/json",
		CorrelationId: props.CorrelationID,
		ReplyTo:       props.ReplyTo,
		MessageId:     props.MessageID,
		Timestamp:     time.Now(),
		Body:          body,
	}

	if err := a.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s/%s: %w", exchange, routingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Consume starts a consumer on queue. Deliveries are passed to handler one at
// a time; with autoAck false each is acked after handler returns. The consumer
// is cancelled when ctx ends.
func (a *Adapter) Consume(ctx context.Context, queue string, autoAck bool, handler broker.DeliveryHandler) error {
	if err := a.ready(ctx, "consume"); err != nil {
		return err
	}

	tag := queue + "-" + ids.NewMessageID()

	msgs, err := a.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %q: %w", queue, err)
	}

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		for {
			select {
			case <-ctx.Done():
				_ = a.ch.Cancel(tag, false)

				return
			case d, ok := <-msgs:
				if !ok {
					return
				}

				handler(ctx, toDelivery(d))

				if !autoAck {
					_ = d.Ack(false)
				}
			}
		}
	}()

	return nil
}

// Close closes the channel and then the connection. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()

		return nil
	}

	a.closed = true
	a.mu.Unlock()

	var errs []error

	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("rabbitmq close channel: %w", err))
		}
	}

	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("rabbitmq close connection: %w", err))
		}
	}

	a.wg.Wait()

	return errors.Join(errs...)
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		switch s := v.(type) {
		case string:
			h[k] = s
		case []byte:
			h[k] = string(s)
		default:
			h[k] = fmt.Sprint(v)
		}
	}

	return h
}

func toDelivery(d amqp.Delivery) broker.Delivery {
	return broker.Delivery{
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Properties: broker.Properties{
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
			MessageID:     d.MessageId,
			Headers:       fromTable(d.Headers),
		},
	}
}
