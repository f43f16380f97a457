package service

import (
	"context"
	"fmt"

	"github.com/next-trace/scg-service-rpc/message"
)

// CommandHandler answers a command. query and headers may be nil.
// The returned Reply is only published when the caller asked for a response.
type CommandHandler func(ctx context.Context, path string, query, headers, body map[string]any) (Reply, error)

// EventHandler consumes an event. body is any JSON value.
type EventHandler func(ctx context.Context, path string, headers map[string]any, body any) error

// Reply is what a CommandHandler returns: a complete Response, a
// (body, status, headers) triple, or a bare body. Build one with
// ResponseReply, StatusReply or BodyReply. A nil Reply is an empty body.
type Reply interface {
	response(path string) *message.Response
}

type responseReply struct{ r *message.Response }

type statusReply struct {
	body       map[string]any
	statusCode int
	headers    map[string]any
}

type bodyReply struct{ body map[string]any }

// ResponseReply sends r verbatim, including its path.
func ResponseReply(r *message.Response) Reply { return responseReply{r: r} }

// StatusReply sends body with an explicit status code and headers.
func StatusReply(body map[string]any, statusCode int, headers map[string]any) Reply {
	return statusReply{body: body, statusCode: statusCode, headers: headers}
}

// BodyReply sends body with StatusOK and no headers.
func BodyReply(body map[string]any) Reply { return bodyReply{body: body} }

func (r responseReply) response(path string) *message.Response {
	if r.r == nil {
		return message.NewResponse(path, nil)
	}

	return r.r
}

func (r statusReply) response(path string) *message.Response {
	return &message.Response{Path: path, Body: r.body, StatusCode: r.statusCode, Headers: r.headers}
}

func (r bodyReply) response(path string) *message.Response {
	return message.NewResponse(path, r.body)
}

// toResponse normalizes a handler result into the Response to publish.
func toResponse(r Reply, path string) *message.Response {
	if r == nil {
		return message.NewResponse(path, nil)
	}

	return r.response(path)
}

func errorResponse(path string, err error) *message.Response {
	return &message.Response{
		Path:       path,
		Body:       map[string]any{"error": err.Error()},
		StatusCode: message.StatusInternalServerError,
	}
}

func invokeCommand(ctx context.Context, h CommandHandler, c *message.Command) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler %q panicked: %v", c.Path, r)
		}
	}()

	return h(ctx, c.Path, c.Query, c.Headers, c.Body)
}

func invokeEvent(ctx context.Context, h EventHandler, e *message.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler %q panicked: %v", e.Path, r)
		}
	}()

	return h(ctx, e.Path, e.Headers, e.Body)
}
