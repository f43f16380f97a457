package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

const tracerName = "github.com/next-trace/scg-service-rpc/service"

// Dispatch outcomes reported to a Recorder.
const (
	OutcomeHandled      = "handled"
	OutcomeReplied      = "replied"
	OutcomeMalformed    = "malformed"
	OutcomeNoRoute      = "route_not_found"
	OutcomeHandlerError = "handler_error"
	OutcomeReplyFailed  = "reply_failed"
	OutcomeResolved     = "resolved"
	OutcomeUnsolicited  = "unsolicited"
)

// Call outcomes reported to a Recorder.
const (
	CallOK       = "ok"
	CallSent     = "sent"
	CallTimeout  = "timeout"
	CallCanceled = "canceled"
	CallError    = "error"
)

// Recorder receives counters from a Service. Implementations must be safe for
// concurrent use. See package metrics for a Prometheus implementation.
type Recorder interface {
	// ObserveCall records one Call to target.
	ObserveCall(service, target, outcome string, elapsed time.Duration)
	// ObserveDispatch records the outcome of one inbound delivery of kind
	// "command", "response" or "event".
	ObserveDispatch(service, kind, outcome string)
	// SetPendingCalls reports the size of the correlation table.
	SetPendingCalls(service string, n int)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ObserveCall(string, string, string, time.Duration) {}
func (NopRecorder) ObserveDispatch(string, string, string)            {}
func (NopRecorder) SetPendingCalls(string, int)                       {}

func defaultTracer() trace.Tracer { return otel.Tracer(tracerName) }

func callOutcome(err error, expectResponse bool) string {
	switch {
	case err == nil && !expectResponse:
		return CallSent
	case err == nil:
		return CallOK
	case errors.Is(err, berr.ErrCallTimeout):
		return CallTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CallCanceled
	default:
		return CallError
	}
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func pathAttr(path string) attribute.KeyValue { return attribute.String("rpc.path", path) }
