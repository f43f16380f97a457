package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(ctx context.Context, m *nats.Msg) error {
	if err := c.nc.PublishMsg(m); err != nil {
		return err
	}

	return c.nc.FlushWithContext(ctx)
}

func (c natsClient) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) { //nolint:ireturn
	return c.nc.Subscribe(subject, cb)
}

func (c natsClient) QueueSubscribe(subject, group string, cb nats.MsgHandler) (Subscription, error) { //nolint:ireturn
	return c.nc.QueueSubscribe(subject, group, cb)
}

func (c natsClient) Close() error {
	if c.nc.IsClosed() {
		return nil
	}

	err := c.nc.Drain()
	c.nc.Close()

	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}

	return err
}

// URLFromAddress expands a bare host (optionally with port) into a nats:// URL.
func URLFromAddress(address string) string {
	if address == "" {
		return nats.DefaultURL
	}

	if strings.Contains(address, "://") {
		return address
	}

	return "nats://" + address
}

// Dial connects to NATS and returns an Adapter owning the connection.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrDialFailed)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", berr.ErrDialFailed, err)
	}

	return New(natsClient{nc: nc}), nil
}

// Dialer returns a broker.Dialer using cfg. A non-empty address overrides cfg.URL.
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

// NewWithNATS creates a real NATS connection and returns an Adapter and a cleanup.
func NewWithNATS(cfg Config) (*Adapter, func(), error) {
	ad, err := Dial(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() { _ = ad.Close() } //nolint:errcheck // best-effort shutdown; cannot return error here

	return ad, cleanup, nil
}
