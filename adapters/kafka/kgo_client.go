package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

// Concrete franz-go based constructor, writer and reader wrappers.

const defaultAssignTimeout = 10 * time.Second

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression []kgo.CompressionCodec
	// AssignTimeout bounds how long Consume waits for the first partition
	// assignment. A topic that does not exist yet is never assigned, so
	// Consume gives up after this and records arriving before the group
	// settles are skipped. Defaults to 10s.
	AssignTimeout time.Duration
}

func (cfg Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.AllowAutoTopicCreation()}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	return opts
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

func (w kgoWriter) Close() { w.cl.Close() }

type kgoReader struct {
	cl       *kgo.Client
	assigned <-chan struct{}
	timeout  time.Duration
}

func (r kgoReader) WaitAssigned(ctx context.Context) {
	t := time.NewTimer(r.timeout)
	defer t.Stop()

	select {
	case <-r.assigned:
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r kgoReader) Poll(ctx context.Context) ([]Record, error) {
	fetches := r.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrReaderClosed
	}

	var errs []error

	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("kafka fetch %s/%d: %w", topic, partition, err))
	})

	var out []Record

	fetches.EachRecord(func(rec *kgo.Record) {
		r := Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value}
		if len(rec.Headers) > 0 {
			r.Headers = make(map[string]string, len(rec.Headers))
			for _, h := range rec.Headers {
				r.Headers[h.Key] = string(h.Value)
			}
		}

		out = append(out, r)
	})

	if len(errs) > 0 {
		return out, errs[0]
	}

	return out, nil
}

func (r kgoReader) AddTopics(topics ...string) { r.cl.AddConsumeTopics(topics...) }

func (r kgoReader) Close() { r.cl.Close() }

func (cfg Config) readerFactory() ReaderFactory {
	timeout := cfg.AssignTimeout
	if timeout <= 0 {
		timeout = defaultAssignTimeout
	}

	return func(group string, topics []string) (Reader, error) { //nolint:ireturn
		assigned := make(chan struct{})

		var once sync.Once

		opts := append(cfg.baseOpts(),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topics...),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
			kgo.OnPartitionsAssigned(func(context.Context, *kgo.Client, map[string][]int32) {
				once.Do(func() { close(assigned) })
			}),
		)

		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("kafka reader init: %w", err)
		}

		return kgoReader{cl: cl, assigned: assigned, timeout: timeout}, nil
	}
}

// Dial builds a franz-go backed Adapter. Each consumed queue gets its own client.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrDialFailed)
	}

	opts := cfg.baseOpts()
	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(cfg.Acks))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrDialFailed, err)
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()

		return nil, fmt.Errorf("%w: kafka ping: %w", berr.ErrDialFailed, err)
	}

	return New(kgoWriter{cl: cl}, cfg.readerFactory()), nil
}

// Dialer returns a broker.Dialer using cfg. A non-empty address is a
// comma-separated seed broker list overriding cfg.Brokers.
func Dialer(cfg Config) broker.Dialer {
	return func(ctx context.Context, address string) (broker.Broker, error) { //nolint:ireturn
		c := cfg
		if address != "" {
			c.Brokers = strings.Split(address, ",")
		}

		ad, err := Dial(ctx, c)
		if err != nil {
			return nil, err
		}

		return ad, nil
	}
}

// NewWithKgo builds a franz-go client based Adapter. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	ad, err := Dial(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}

	return ad, func() { _ = ad.Close() }, nil
}
