package broker

import "context"

// ExchangeKind selects the routing algorithm of an exchange.
type ExchangeKind string

const (
	// Direct routes on exact routing-key equality.
	Direct ExchangeKind = "direct"
	// Topic routes on dot-separated patterns where * matches one word and # matches zero or more.
	Topic ExchangeKind = "topic"
)

// Properties are carried out-of-band from the payload.
// An empty ReplyTo means the publisher does not expect a reply.
type Properties struct {
	ReplyTo       string
	CorrelationID string
	MessageID     string
	Headers       map[string]string
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Properties
}

// DeliveryHandler receives deliveries for one queue. Handlers for a single queue
// are invoked sequentially by the adapter.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Broker is the transport capability the service is built on.
// Adapters map it onto AMQP, NATS, Kafka or an in-process network.
//
// Consume starts delivering to handler and returns once the subscription is active;
// deliveries stop when ctx is cancelled or the Broker is closed.
type Broker interface {
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind, durable bool) error
	DeclareQueue(ctx context.Context, name string, durable, exclusive bool) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte, props Properties) error
	Consume(ctx context.Context, queue string, autoAck bool, handler DeliveryHandler) error
	Close() error
}

// Dialer opens one broker connection for the given address.
type Dialer func(ctx context.Context, address string) (Broker, error)
