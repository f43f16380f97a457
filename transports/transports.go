// Package transports builds broker dialers and services from config.Config.
package transports

import (
	"errors"
	"fmt"
	"strings"

	"github.com/next-trace/scg-service-rpc/adapters/inmemory"
	"github.com/next-trace/scg-service-rpc/adapters/kafka"
	"github.com/next-trace/scg-service-rpc/adapters/nats"
	"github.com/next-trace/scg-service-rpc/adapters/rabbitmq"
	"github.com/next-trace/scg-service-rpc/config"
	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/service"
)

// ErrNoNetwork is returned for the memory transport when no network was given.
var ErrNoNetwork = errors.New("transports: memory transport requires WithNetwork")

type options struct {
	network *inmemory.Network
	service []service.Option
}

// Option customises Dialer and NewService.
type Option func(*options)

// WithNetwork sets the network the memory transport dials. Services share a
// broker only when built with the same network. Other transports ignore it.
func WithNetwork(n *inmemory.Network) Option {
	return func(o *options) { o.network = n }
}

// WithServiceOptions appends opts to the options NewService derives from the
// config, so they take precedence.
func WithServiceOptions(opts ...service.Option) Option {
	return func(o *options) { o.service = append(o.service, opts...) }
}

// Dialer returns the broker.Dialer for cfg.Transport.
func Dialer(cfg config.Config, opts ...Option) (broker.Dialer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch strings.ToLower(cfg.Transport) {
	case "", config.TransportMemory:
		if o.network == nil {
			return nil, ErrNoNetwork
		}

		return o.network.Dialer(), nil
	case config.TransportRabbitMQ:
		return rabbitmq.Dialer(rabbitmq.Config{
			URL:         cfg.RabbitMQURL,
			ConnTimeout: cfg.DialTimeout,
			RetryFor:    cfg.DialRetryFor,
			Prefetch:    cfg.RabbitMQPrefetch,
			Product:     cfg.ServiceName,
		}), nil
	case config.TransportNATS:
		return nats.Dialer(nats.Config{
			URL:           cfg.NATSURL,
			Name:          cfg.ServiceName,
			ConnTimeout:   cfg.DialTimeout,
			MaxReconnects: cfg.NATSMaxReconnects,
		}), nil
	case config.TransportKafka:
		clientID := cfg.KafkaClientID
		if clientID == "" {
			clientID = cfg.ServiceName
		}

		return kafka.Dialer(kafka.Config{
			Brokers:    cfg.KafkaBrokers,
			ClientID:   clientID,
			Idempotent: true,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", berr.ErrUnsupportedTransport, cfg.Transport)
	}
}

// NewService validates cfg and builds a service named cfg.ServiceName on the
// configured transport.
func NewService(cfg config.Config, opts ...Option) (*service.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transports: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dial, err := Dialer(cfg, WithNetwork(o.network))
	if err != nil {
		return nil, err
	}

	svcOpts := []service.Option{
		service.WithExchanges(cfg.RPCExchange, cfg.EventExchange),
		service.WithCallTimeout(cfg.CallTimeout),
		service.WithShutdownTimeout(cfg.ShutdownTimeout),
	}

	return service.New(cfg.ServiceName, dial, append(svcOpts, o.service...)...), nil
}
