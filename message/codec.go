package message

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"

	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

var api = sonic.ConfigStd

type wireCommand struct {
	Path    string         `json:"path"`
	Query   map[string]any `json:"query"`
	Body    map[string]any `json:"body"`
	Headers map[string]any `json:"headers"`
}

type wireResponse struct {
	Path       string         `json:"path"`
	Body       map[string]any `json:"body"`
	StatusCode int            `json:"status_code"`
	Headers    map[string]any `json:"headers"`
}

type wireEvent struct {
	Path    string         `json:"path"`
	Body    any            `json:"body"`
	Headers map[string]any `json:"headers"`
}

// Encode serializes m into its UTF-8 JSON wire form.
func Encode(m Message) ([]byte, error) {
	var v any

	switch t := m.(type) {
	case Command:
		v = wireCommand(t)
	case *Command:
		v = wireCommand(*t)
	case Response:
		v = wireResponse(t)
	case *Response:
		v = wireResponse(*t)
	case Event:
		v = wireEvent(t)
	case *Event:
		v = wireEvent(*t)
	default:
		return nil, fmt.Errorf("encode %T: %w", m, berr.ErrSerializationFailed)
	}

	b, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// Decode parses data as a message of the given kind. The concrete result is
// *Command, *Response or *Event.
func Decode(kind Kind, data []byte) (Message, error) {
	switch kind {
	case KindCommand:
		return DecodeCommand(data)
	case KindResponse:
		return DecodeResponse(data)
	case KindEvent:
		return DecodeEvent(data)
	default:
		return nil, fmt.Errorf("decode kind %d: %w", int(kind), berr.ErrSerializationFailed)
	}
}

// DecodeCommand parses and validates a Command payload.
func DecodeCommand(data []byte) (*Command, error) {
	rec, err := parseRecord(KindCommand, data)
	if err != nil {
		return nil, err
	}

	c := &Command{}
	if c.Path, err = stringField(rec, fieldPath); err != nil {
		return nil, err
	}

	if c.Query, err = mappingField(rec, fieldQuery); err != nil {
		return nil, err
	}

	if c.Body, err = mappingField(rec, fieldBody); err != nil {
		return nil, err
	}

	if c.Headers, err = mappingField(rec, fieldHeaders); err != nil {
		return nil, err
	}

	return c, nil
}

// DecodeResponse parses and validates a Response payload.
func DecodeResponse(data []byte) (*Response, error) {
	rec, err := parseRecord(KindResponse, data)
	if err != nil {
		return nil, err
	}

	r := &Response{}
	if r.Path, err = stringField(rec, fieldPath); err != nil {
		return nil, err
	}

	if r.Body, err = mappingField(rec, fieldBody); err != nil {
		return nil, err
	}

	if r.StatusCode, err = intField(rec, fieldStatusCode); err != nil {
		return nil, err
	}

	if r.Headers, err = mappingField(rec, fieldHeaders); err != nil {
		return nil, err
	}

	return r, nil
}

// DecodeEvent parses and validates an Event payload. The body may be any JSON value.
func DecodeEvent(data []byte) (*Event, error) {
	rec, err := parseRecord(KindEvent, data)
	if err != nil {
		return nil, err
	}

	e := &Event{Body: rec[fieldBody]}
	if e.Path, err = stringField(rec, fieldPath); err != nil {
		return nil, err
	}

	if e.Headers, err = mappingField(rec, fieldHeaders); err != nil {
		return nil, err
	}

	return e, nil
}

// parseRecord unmarshals data into a generic record and checks that every
// field required by kind is present. Extra fields are ignored.
func parseRecord(kind Kind, data []byte) (map[string]any, error) {
	var rec map[string]any
	if err := api.Unmarshal(data, &rec); err != nil {
		return nil, &berr.MalformedMessageError{Err: err}
	}

	if rec == nil {
		return nil, &berr.MalformedMessageError{Err: errors.New("payload is not a record")}
	}

	for _, f := range requiredFields[kind] {
		if _, ok := rec[f]; !ok {
			return nil, &berr.MalformedMessageError{Field: f}
		}
	}

	return rec, nil
}

func stringField(rec map[string]any, name string) (string, error) {
	s, ok := rec[name].(string)
	if !ok {
		return "", &berr.MalformedMessageError{Field: name, Err: fmt.Errorf("want string, got %T", rec[name])}
	}

	return s, nil
}

// mappingField accepts a JSON object or null.
func mappingField(rec map[string]any, name string) (map[string]any, error) {
	switch v := rec[name].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, &berr.MalformedMessageError{Field: name, Err: fmt.Errorf("want object, got %T", v)}
	}
}

func intField(rec map[string]any, name string) (int, error) {
	f, ok := rec[name].(float64)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, &berr.MalformedMessageError{Field: name, Err: fmt.Errorf("want integer, got %v", rec[name])}
	}

	return int(f), nil
}
