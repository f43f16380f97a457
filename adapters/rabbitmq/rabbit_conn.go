package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

const defaultProduct = "scg-service-rpc"

// Config controls how connections are opened.
type Config struct {
	// URL is an amqp:// or amqps:// URI, or a bare host as accepted by Dialer.
	URL         string
	ConnTimeout time.Duration
	// RetryFor keeps retrying the initial dial with exponential backoff for
	// this long. Zero means a single attempt. Established connections are
	// never re-dialed.
	RetryFor time.Duration
	// Prefetch sets the channel QoS when positive.
	Prefetch int
	// Product is advertised to the broker in the client properties.
	Product string
}

// URLFromAddress expands a bare host (optionally with port) into an AMQP URI
// with the broker's default guest credentials.
func URLFromAddress(address string) string {
	if strings.Contains(address, "://") {
		return address
	}

	if address == "" {
		address = "localhost"
	}

	return "amqp://guest:guest@" + address + "/"
}

// Dial opens one connection and channel and returns them as an Adapter.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrDialFailed)
	}

	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", errors.Join(berr.ErrDialFailed, err))
	}

	product := cfg.Product
	if product == "" {
		product = defaultProduct
	}

	op := func() (*Adapter, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}

		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": product},
			Dial:       amqp.DefaultDial(cfg.ConnTimeout),
		})
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()

			return nil, err
		}

		if cfg.Prefetch > 0 {
			if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
				_ = ch.Close()
				_ = conn.Close()

				return nil, backoff.Permanent(err)
			}
		}

		return New(ch, conn), nil
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewExponentialBackOff())}
	if cfg.RetryFor > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.RetryFor))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	ad, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("rabbitmq dial: %w", errors.Join(berr.ErrDialFailed, err))
	}

	return ad, nil
}

// Dialer returns a broker.Dialer using cfg. A non-empty address passed to the
// dialer overrides cfg.URL.
func Dialer(cfg Config) broker.Dialer {
	return func(ctx context.Context, address string) (broker.Broker, error) { //nolint:ireturn
		c := cfg
		if address != "" {
			c.URL = URLFromAddress(address)
		}

		ad, err := Dial(ctx, c)
		if err != nil {
			return nil, err
		}

		return ad, nil
	}
}

// NewWithAMQPConn dials RabbitMQ and returns the Adapter with a cleanup that closes it.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	ad, err := Dial(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}

	return ad, func() { _ = ad.Close() }, nil
}
