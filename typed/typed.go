// Package typed binds Go-typed handlers to a service. Command bodies are
// decoded into a request type and replies encoded from a result type, so
// handlers never touch body maps.
package typed

import (
	"context"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/message"
	"github.com/next-trace/scg-service-rpc/service"
)

// CommandHandler handles commands whose body decodes into C and answers with R.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler[C, R any] interface {
	Handle(ctx context.Context, c C) (R, error)
}

// EventHandler handles events whose body decodes into E.
type EventHandler[E any] interface {
	Handle(ctx context.Context, e E) error
}

// CommandFunc adapts a function to CommandHandler.
type CommandFunc[C, R any] func(ctx context.Context, c C) (R, error)

func (f CommandFunc[C, R]) Handle(ctx context.Context, c C) (R, error) { return f(ctx, c) }

// EventFunc adapts a function to EventHandler.
type EventFunc[E any] func(ctx context.Context, e E) error

func (f EventFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }

// Middleware wraps a command handler. Middlewares run in the order given, the
// first one outermost.
type Middleware func(next service.CommandHandler) service.CommandHandler

// Chain folds mws into a single Middleware.
func Chain(mws ...Middleware) Middleware {
	return func(next service.CommandHandler) service.CommandHandler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}

		return next
	}
}

// Command converts h into a service.CommandHandler. A body that does not
// decode into C fails the command, which the service answers with a 500.
func Command[C, R any](h CommandHandler[C, R]) service.CommandHandler {
	return func(ctx context.Context, path string, _, _, body map[string]any) (service.Reply, error) {
		var c C
		if err := message.DecodeBody(body, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, &berr.MalformedMessageError{Field: "body", Err: err})
		}

		res, err := h.Handle(ctx, c)
		if err != nil {
			return nil, err
		}

		out, err := message.EncodeBody(res)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		return service.BodyReply(out), nil
	}
}

// Event converts h into a service.EventHandler.
func Event[E any](h EventHandler[E]) service.EventHandler {
	return func(ctx context.Context, path string, _ map[string]any, body any) error {
		var e E
		if err := message.DecodeBody(body, &e); err != nil {
			return fmt.Errorf("%s: %w", path, &berr.MalformedMessageError{Field: "body", Err: err})
		}

		return h.Handle(ctx, e)
	}
}

// BindCommand registers h on s at path, wrapped in mws.
func BindCommand[C, R any](s *service.Service, path string, h CommandHandler[C, R], mws ...Middleware) error {
	return s.RegisterCommand(path, Chain(mws...)(Command(h)))
}

// BindEvent registers h on s at path.
func BindEvent[E any](s *service.Service, path string, h EventHandler[E]) error {
	return s.RegisterEvent(path, Event(h))
}

// StatusError is returned by Ask when the response carries a non-200 status.
type StatusError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Path, e.StatusCode)
	}

	return fmt.Sprintf("%s: status %d: %s", e.Path, e.StatusCode, e.Message)
}

// Ask sends c to path on target and decodes the response body into R.
func Ask[C, R any](ctx context.Context, s *service.Service, target, path string, c C, opts ...service.CallOption) (R, error) {
	var zero R

	body, err := message.EncodeBody(c)
	if err != nil {
		return zero, err
	}

	resp, err := s.Call(ctx, target, path, body, opts...)
	if err != nil {
		return zero, err
	}

	if resp == nil {
		return zero, errors.New("typed: ask without a response")
	}

	if resp.StatusCode != message.StatusOK {
		msg, _ := resp.Body["error"].(string)

		return zero, &StatusError{Path: path, StatusCode: resp.StatusCode, Message: msg}
	}

	var r R
	if err := message.DecodeBody(resp.Body, &r); err != nil {
		return zero, fmt.Errorf("%s: %w", path, &berr.MalformedMessageError{Field: "body", Err: err})
	}

	return r, nil
}

// Tell sends c to path on target without waiting for a response.
func Tell[C any](ctx context.Context, s *service.Service, target, path string, c C, opts ...service.CallOption) error {
	body, err := message.EncodeBody(c)
	if err != nil {
		return err
	}

	_, err = s.Call(ctx, target, path, body, append(opts, service.WithoutResponse())...)

	return err
}

// BatchOptions controls Batch. OnProgress runs after each call; OnError when a
// call fails.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// Batch asks target sequentially for every request and returns results in
// order. It stops at cancellation and joins the errors of failed calls; a
// failed call leaves R's zero value in its slot.
func Batch[C, R any](ctx context.Context, s *service.Service, target, path string, reqs []C, opts ...BatchOpt) ([]R, error) {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	out := make([]R, len(reqs))

	var errs []error

	for i, c := range reqs {
		if err := ctx.Err(); err != nil {
			return out, errors.Join(append(errs, err)...)
		}

		r, err := Ask[C, R](ctx, s, target, path, c)
		if err != nil {
			if o.OnError != nil {
				o.OnError(i, err)
			}

			errs = append(errs, err)
		} else {
			out[i] = r
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, len(reqs))
		}
	}

	return out, errors.Join(errs...)
}
