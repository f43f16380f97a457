package errors

import (
	"fmt"
	"time"
)

// Error codes for the rpc contracts. Keep stable; used across adapters and the service.
const (
	ErrCodeMalformedMessage     = "servicerpc.malformed_message"
	ErrCodeRouteNotFound        = "servicerpc.route_not_found"
	ErrCodeDuplicateRoute       = "servicerpc.duplicate_route"
	ErrCodeUnsolicitedResponse  = "servicerpc.unsolicited_response"
	ErrCodeCallTimeout          = "servicerpc.call_timeout"
	ErrCodeNotConnected         = "servicerpc.not_connected"
	ErrCodeAlreadyConnected     = "servicerpc.already_connected"
	ErrCodePublishFailed        = "servicerpc.publish_failed"
	ErrCodeSerializationFailed  = "servicerpc.serialization_failed"
	ErrCodeDialFailed           = "servicerpc.dial_failed"
	ErrCodeUnknownExchange      = "servicerpc.unknown_exchange"
	ErrCodeUnknownQueue         = "servicerpc.unknown_queue"
	ErrCodeResourceLocked       = "servicerpc.resource_locked"
	ErrCodeUnsupportedTransport = "servicerpc.unsupported_transport"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrMalformedMessage     = Code(ErrCodeMalformedMessage)
	ErrRouteNotFound        = Code(ErrCodeRouteNotFound)
	ErrDuplicateRoute       = Code(ErrCodeDuplicateRoute)
	ErrUnsolicitedResponse  = Code(ErrCodeUnsolicitedResponse)
	ErrCallTimeout          = Code(ErrCodeCallTimeout)
	ErrNotConnected         = Code(ErrCodeNotConnected)
	ErrAlreadyConnected     = Code(ErrCodeAlreadyConnected)
	ErrPublishFailed        = Code(ErrCodePublishFailed)
	ErrSerializationFailed  = Code(ErrCodeSerializationFailed)
	ErrDialFailed           = Code(ErrCodeDialFailed)
	ErrUnknownExchange      = Code(ErrCodeUnknownExchange)
	ErrUnknownQueue         = Code(ErrCodeUnknownQueue)
	ErrResourceLocked       = Code(ErrCodeResourceLocked)
	ErrUnsupportedTransport = Code(ErrCodeUnsupportedTransport)
)

// MalformedMessageError reports a payload that is missing, or carries an unusable,
// required field. Field is empty when the payload is not a record at all.
type MalformedMessageError struct {
	Field string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	msg := ErrCodeMalformedMessage
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field %q", msg, e.Field)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Is matches ErrMalformedMessage.
func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformedMessage }

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// CallTimeoutError is returned by a caller that gave up waiting for a response.
type CallTimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("%s: no response for %s within %s", ErrCodeCallTimeout, e.CorrelationID, e.Timeout)
}

// Is matches ErrCallTimeout.
func (e *CallTimeoutError) Is(target error) bool { return target == ErrCallTimeout }
