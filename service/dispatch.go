package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/internal/ids"
	"github.com/next-trace/scg-service-rpc/message"
)

// commandHandler returns the consumer for the command queue. Responses are
// published on b, the connection the command arrived on. Handlers are detached
// from consumer cancellation so Shutdown can drain them.
func (s *Service) commandHandler(b broker.Broker) broker.DeliveryHandler {
	return func(ctx context.Context, d broker.Delivery) {
		if !s.track() {
			s.logger.Debug("dropping command received during shutdown", "correlation_id", d.CorrelationID)

			return
		}

		go func() {
			defer s.inflight.Done()

			s.handleCommand(context.WithoutCancel(ctx), b, d)
		}()
	}
}

func (s *Service) handleCommand(ctx context.Context, b broker.Broker, d broker.Delivery) {
	ctx = s.propagator.Extract(ctx, d.Headers)
	ctx, span := s.tracer.Start(ctx, "rpc.command "+s.name, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	log := s.logger.With("queue", s.commandQueue, "correlation_id", d.CorrelationID)
	log.Debug("received command", "message_id", d.MessageID, "reply_to", d.ReplyTo)

	cmd, err := message.DecodeCommand(d.Body)
	if err != nil {
		log.Warn("discarding malformed command", "error", err)
		spanError(span, err)
		s.recorder.ObserveDispatch(s.name, message.KindCommand.String(), OutcomeMalformed)

		return
	}

	span.SetAttributes(pathAttr(cmd.Path))
	log = log.With("path", cmd.Path)

	h, err := s.commands.Lookup(cmd.Path)
	if err != nil {
		// no reply: the caller observes a timeout
		log.Warn("dropping command without reply", "error", err)
		spanError(span, err)
		s.recorder.ObserveDispatch(s.name, message.KindCommand.String(), OutcomeNoRoute)

		return
	}

	reply, herr := invokeCommand(ctx, h, cmd)
	if herr != nil {
		log.Error("command handler failed", "error", herr)
		spanError(span, herr)
	}

	if d.ReplyTo == "" {
		outcome := OutcomeHandled
		if herr != nil {
			outcome = OutcomeHandlerError
		}

		log.Debug("command handled; no reply expected")
		s.recorder.ObserveDispatch(s.name, message.KindCommand.String(), outcome)

		return
	}

	resp := toResponse(reply, cmd.Path)
	if herr != nil {
		resp = errorResponse(cmd.Path, herr)
	}

	if err := s.reply(ctx, b, d, resp); err != nil {
		log.Error("failed to publish response", "error", err)
		spanError(span, err)
		s.recorder.ObserveDispatch(s.name, message.KindCommand.String(), OutcomeReplyFailed)

		return
	}

	span.SetAttributes(attribute.Int("rpc.status_code", resp.StatusCode))
	log.Debug("sent response", "status_code", resp.StatusCode)

	outcome := OutcomeReplied
	if herr != nil {
		outcome = OutcomeHandlerError
	}

	s.recorder.ObserveDispatch(s.name, message.KindCommand.String(), outcome)
}

func (s *Service) reply(ctx context.Context, b broker.Broker, d broker.Delivery, resp *message.Response) error {
	payload, err := message.Encode(resp)
	if err != nil {
		return err
	}

	props := broker.Properties{
		CorrelationID: d.CorrelationID,
		MessageID:     ids.NewMessageID(),
		Headers:       s.headers(ctx),
	}

	return b.Publish(ctx, s.rpcExchange, d.ReplyTo, payload, props)
}

// onResponse correlates one delivery from the response queue. It runs inline on
// the consumer goroutine.
func (s *Service) onResponse(_ context.Context, d broker.Delivery) {
	log := s.logger.With("queue", s.responseQueue, "correlation_id", d.CorrelationID)

	pc, ok := s.pending.get(d.CorrelationID)
	if !ok {
		log.Warn("discarding response", "error", berr.ErrUnsolicitedResponse)
		s.recorder.ObserveDispatch(s.name, message.KindResponse.String(), OutcomeUnsolicited)

		return
	}

	resp, err := message.DecodeResponse(d.Body)
	if err != nil {
		log.Warn("discarding malformed response", "error", err)
		s.recorder.ObserveDispatch(s.name, message.KindResponse.String(), OutcomeMalformed)

		return
	}

	if !pc.resolve(resp) {
		log.Warn("discarding duplicate response", "error", berr.ErrUnsolicitedResponse)
		s.recorder.ObserveDispatch(s.name, message.KindResponse.String(), OutcomeUnsolicited)

		return
	}

	log.Debug("received response", "path", resp.Path, "status_code", resp.StatusCode)
	s.recorder.ObserveDispatch(s.name, message.KindResponse.String(), OutcomeResolved)
}

func (s *Service) eventHandler() broker.DeliveryHandler {
	return func(ctx context.Context, d broker.Delivery) {
		if !s.track() {
			s.logger.Debug("dropping event received during shutdown", "routing_key", d.RoutingKey)

			return
		}

		go func() {
			defer s.inflight.Done()

			s.handleEvent(context.WithoutCancel(ctx), d)
		}()
	}
}

func (s *Service) handleEvent(ctx context.Context, d broker.Delivery) {
	ctx = s.propagator.Extract(ctx, d.Headers)
	ctx, span := s.tracer.Start(ctx, "rpc.event "+s.name, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	log := s.logger.With("queue", s.eventQueue, "routing_key", d.RoutingKey)

	ev, err := message.DecodeEvent(d.Body)
	if err != nil {
		log.Warn("discarding malformed event", "error", err)
		spanError(span, err)
		s.recorder.ObserveDispatch(s.name, message.KindEvent.String(), OutcomeMalformed)

		return
	}

	span.SetAttributes(pathAttr(ev.Path))
	log = log.With("path", ev.Path)
	log.Debug("received event", "message_id", d.MessageID)

	h, err := s.events.Lookup(ev.Path)
	if err != nil {
		log.Warn("discarding event", "error", err)
		s.recorder.ObserveDispatch(s.name, message.KindEvent.String(), OutcomeNoRoute)

		return
	}

	if err := invokeEvent(ctx, h, ev); err != nil {
		log.Error("event handler failed", "error", err)
		spanError(span, err)
		s.recorder.ObserveDispatch(s.name, message.KindEvent.String(), OutcomeHandlerError)

		return
	}

	s.recorder.ObserveDispatch(s.name, message.KindEvent.String(), OutcomeHandled)
}
