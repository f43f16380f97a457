package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/next-trace/scg-service-rpc/adapters/inmemory"
	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/memory"
	"github.com/next-trace/scg-service-rpc/message"
	"github.com/next-trace/scg-service-rpc/service"
)

func replyWith(body map[string]any) service.CommandHandler {
	return func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
		return service.BodyReply(body), nil
	}
}

// pair builds services A and B on one network; routes are registered by setup
// before both are connected.
func pair(t *testing.T, setup func(a, b *service.Service), opts ...service.Option) (*inmemory.Network, *service.Service, *service.Service) {
	t.Helper()

	net := inmemory.NewNetwork()

	a, cleanupA := memory.New(net, "A", opts...)
	t.Cleanup(cleanupA)

	b, cleanupB := memory.New(net, "B", opts...)
	t.Cleanup(cleanupB)

	if setup != nil {
		setup(a, b)
	}

	if err := service.ConnectAll(t.Context(), "memory", a, b); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return net, a, b
}

func must(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestService_CommandRoundTrip(t *testing.T) {
	_, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/first/cmd", replyWith(map[string]any{"data": "X"})))
	})

	resp, err := b.Call(t.Context(), "A", "/first/cmd", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if resp.StatusCode != 200 || resp.Body["data"] != "X" || resp.Path != "/first/cmd" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if b.PendingCalls() != 0 {
		t.Fatalf("pending calls left behind: %d", b.PendingCalls())
	}
}

func TestService_HandlerSeesCommandFields(t *testing.T) {
	type seen struct {
		path                 string
		query, headers, body map[string]any
	}

	got := make(chan seen, 1)

	_, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/users/get", func(_ context.Context, path string, query, headers, body map[string]any) (service.Reply, error) {
			got <- seen{path, query, headers, body}

			return nil, nil
		}))
	})

	resp, err := b.Call(t.Context(), "A", "/users/get", map[string]any{"id": 7.0},
		service.WithQuery(map[string]any{"full": true}),
		service.WithHeaders(map[string]any{"x-tenant": "t1"}),
	)
	must(t, err)

	s := <-got
	if s.path != "/users/get" || s.query["full"] != true || s.headers["x-tenant"] != "t1" || s.body["id"] != 7.0 {
		t.Fatalf("handler got %+v", s)
	}

	if resp.StatusCode != 200 || resp.Body != nil || resp.Headers != nil {
		t.Fatalf("nil reply must become an empty 200: %+v", resp)
	}
}

func TestService_EventDeliveredOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []any
	)

	got := make(chan struct{}, 4)

	_, a, _ := pair(t, func(_, b *service.Service) {
		must(t, b.RegisterEvent("/foo/bar", func(_ context.Context, path string, _ map[string]any, body any) error {
			if path != "/foo/bar" {
				t.Errorf("unexpected path %q", path)
			}

			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()
			got <- struct{}{}

			return nil
		}))
	})

	must(t, a.Publish(t.Context(), "/foo/bar", "wtf", nil))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(bodies) != 1 || bodies[0] != "wtf" {
		t.Fatalf("want exactly one \"wtf\", got %v", bodies)
	}
}

func TestService_CallTimeoutOnUnboundPath(t *testing.T) {
	_, _, b := pair(t, nil)

	resp, err := b.Call(t.Context(), "A", "/unbound", map[string]any{}, service.WithTimeout(10*time.Millisecond))
	if resp != nil {
		t.Fatalf("want no response, got %+v", resp)
	}

	if !errors.Is(err, berr.ErrCallTimeout) {
		t.Fatalf("want ErrCallTimeout, got %v", err)
	}

	var te *berr.CallTimeoutError
	if !errors.As(err, &te) || te.CorrelationID == "" || te.Timeout != 10*time.Millisecond {
		t.Fatalf("unexpected timeout error: %#v", err)
	}

	if b.HasPendingCall(te.CorrelationID) || b.PendingCalls() != 0 {
		t.Fatalf("timed out call must be removed from the correlation table")
	}
}

func TestService_CallToUnknownServiceTimesOut(t *testing.T) {
	_, _, b := pair(t, nil)

	_, err := b.Call(t.Context(), "nobody", "/x", nil, service.WithTimeout(10*time.Millisecond))
	if !errors.Is(err, berr.ErrCallTimeout) {
		t.Fatalf("want ErrCallTimeout, got %v", err)
	}
}

func TestService_CallWithoutResponse(t *testing.T) {
	net, _, b := pair(t, nil)

	raw := net.Dial()
	defer raw.Close()

	ctx := t.Context()
	must(t, raw.DeclareQueue(ctx, "C", true, false))
	must(t, raw.BindQueue(ctx, "C", "rpc", "C"))

	got := make(chan broker.Delivery, 1)
	must(t, raw.Consume(ctx, "C", true, func(_ context.Context, d broker.Delivery) { got <- d }))

	resp, err := b.Call(ctx, "C", "/fire", map[string]any{"n": 1}, service.WithoutResponse())
	if resp != nil || err != nil {
		t.Fatalf("want (nil, nil), got (%v, %v)", resp, err)
	}

	if b.PendingCalls() != 0 {
		t.Fatalf("fire-and-forget must not register a pending call")
	}

	select {
	case d := <-got:
		if d.ReplyTo != "" {
			t.Fatalf("reply-to must be empty, got %q", d.ReplyTo)
		}

		if d.CorrelationID == "" || d.MessageID == "" {
			t.Fatalf("ids must be set: %+v", d.Properties)
		}

		cmd, err := message.DecodeCommand(d.Body)
		must(t, err)

		if cmd.Path != "/fire" {
			t.Fatalf("unexpected command %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("command not published")
	}
}

func TestService_ResponseResolvesExactlyOnce(t *testing.T) {
	net, _, b := pair(t, nil)

	raw := net.Dial()
	defer raw.Close()

	ctx := t.Context()
	must(t, raw.DeclareQueue(ctx, "echo", true, false))
	must(t, raw.BindQueue(ctx, "echo", "rpc", "echo"))
	must(t, raw.Consume(ctx, "echo", true, func(ctx context.Context, d broker.Delivery) {
		for n := 1; n <= 2; n++ {
			payload, err := message.Encode(message.NewResponse("/dup", map[string]any{"n": n}))
			if err != nil {
				t.Errorf("encode: %v", err)

				return
			}

			if err := raw.Publish(ctx, "rpc", d.ReplyTo, payload, broker.Properties{CorrelationID: d.CorrelationID}); err != nil {
				t.Errorf("publish: %v", err)
			}
		}
	}))

	resp, err := b.Call(ctx, "echo", "/dup", nil)
	must(t, err)

	if resp.Body["n"] != 1.0 {
		t.Fatalf("first response must win, got %+v", resp.Body)
	}
}

func TestService_UnsolicitedResponseDiscarded(t *testing.T) {
	rec := newCountingRecorder()
	net, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/ok", replyWith(nil)))
	}, service.WithRecorder(rec))

	raw := net.Dial()
	defer raw.Close()

	payload, err := message.Encode(message.NewResponse("/x", nil))
	must(t, err)

	ctx := t.Context()
	must(t, raw.Publish(ctx, "rpc", b.ResponseQueue(), payload, broker.Properties{CorrelationID: "unknown"}))
	must(t, raw.Publish(ctx, "rpc", b.ResponseQueue(), []byte("garbage"), broker.Properties{CorrelationID: "unknown"}))

	rec.waitDispatch(t, "response", service.OutcomeUnsolicited, 2)

	if _, err := b.Call(ctx, "A", "/ok", nil); err != nil {
		t.Fatalf("service must keep working after unsolicited responses: %v", err)
	}
}

func TestService_ReplyShapes(t *testing.T) {
	_, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/status", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
			return service.StatusReply(map[string]any{"id": "n1"}, 201, map[string]any{"location": "/n1"}), nil
		}))
		must(t, a.RegisterCommand("/verbatim", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
			return service.ResponseReply(&message.Response{Path: "/elsewhere", StatusCode: 404, Body: map[string]any{}}), nil
		}))
		must(t, a.RegisterCommand("/fail", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
			return nil, errors.New("boom")
		}))
		must(t, a.RegisterCommand("/panic", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
			panic("kaput")
		}))
	})

	tests := []struct {
		path   string
		check  func(*message.Response) bool
		detail string
	}{
		{"/status", func(r *message.Response) bool {
			return r.StatusCode == 201 && r.Body["id"] == "n1" && r.Headers["location"] == "/n1" && r.Path == "/status"
		}, "status reply"},
		{"/verbatim", func(r *message.Response) bool {
			return r.StatusCode == 404 && r.Path == "/elsewhere"
		}, "verbatim response"},
		{"/fail", func(r *message.Response) bool {
			return r.StatusCode == 500 && r.Body["error"] == "boom"
		}, "handler error"},
		{"/panic", func(r *message.Response) bool {
			msg, _ := r.Body["error"].(string)

			return r.StatusCode == 500 && msg != ""
		}, "handler panic"},
	}

	for _, tc := range tests {
		t.Run(tc.detail, func(t *testing.T) {
			resp, err := b.Call(t.Context(), "A", tc.path, nil)
			if err != nil {
				t.Fatalf("call: %v", err)
			}

			if !tc.check(resp) {
				t.Fatalf("unexpected response: %+v", resp)
			}
		})
	}
}

func TestService_MalformedCommandDropped(t *testing.T) {
	rec := newCountingRecorder()
	net, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/ok", replyWith(map[string]any{"ok": true})))
	}, service.WithRecorder(rec))

	raw := net.Dial()
	defer raw.Close()

	ctx := t.Context()
	must(t, raw.Publish(ctx, "rpc", "A", []byte(`{"path":"/ok","body":{}}`), broker.Properties{ReplyTo: b.ResponseQueue(), CorrelationID: "m-1"}))

	rec.waitDispatch(t, "command", service.OutcomeMalformed, 1)

	resp, err := b.Call(ctx, "A", "/ok", nil)
	must(t, err)

	if resp.Body["ok"] != true {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestService_DuplicateRegistration(t *testing.T) {
	s := service.New("A", inmemory.NewNetwork().Dialer())

	must(t, s.RegisterCommand("/p", replyWith(nil)))

	if err := s.RegisterCommand("/p", replyWith(nil)); !errors.Is(err, berr.ErrDuplicateRoute) {
		t.Fatalf("want ErrDuplicateRoute, got %v", err)
	}

	h := func(context.Context, string, map[string]any, any) error { return nil }

	// command and event tables are independent
	must(t, s.RegisterEvent("/p", h))

	if err := s.RegisterEvent("/p", h); !errors.Is(err, berr.ErrDuplicateRoute) {
		t.Fatalf("want ErrDuplicateRoute, got %v", err)
	}

	if err := s.RegisterCommand("/nil", nil); err == nil {
		t.Fatalf("nil handler must be rejected")
	}
}

func TestService_Lifecycle(t *testing.T) {
	ctx := t.Context()
	s := service.New("A", inmemory.NewNetwork().Dialer())

	if _, err := s.Call(ctx, "B", "/x", nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("call before connect: want ErrNotConnected, got %v", err)
	}

	if err := s.Publish(ctx, "/x", nil, nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("publish before connect: want ErrNotConnected, got %v", err)
	}

	must(t, s.Shutdown(ctx))
	must(t, s.Connect(ctx, "memory"))

	if err := s.Connect(ctx, "memory"); !errors.Is(err, berr.ErrAlreadyConnected) {
		t.Fatalf("want ErrAlreadyConnected, got %v", err)
	}

	must(t, s.Shutdown(ctx))
	must(t, s.Shutdown(ctx))

	if _, err := s.Call(ctx, "B", "/x", nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("call after shutdown: want ErrNotConnected, got %v", err)
	}

	if err := s.Connect(ctx, "memory"); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("reconnect after shutdown: want ErrNotConnected, got %v", err)
	}
}

func TestService_CallCanceledByContext(t *testing.T) {
	_, _, b := pair(t, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, "A", "/never", nil, service.WithTimeout(time.Minute))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}

	if errors.Is(err, berr.ErrCallTimeout) {
		t.Fatalf("context expiry is not a call timeout")
	}

	if b.PendingCalls() != 0 {
		t.Fatalf("canceled call must be removed")
	}
}

func TestService_ShutdownFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	_, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/slow", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
			close(entered)
			<-release

			return nil, nil
		}))
	})

	// registered after pair so A's handler is released before A shuts down
	t.Cleanup(func() { close(release) })

	errc := make(chan error, 1)

	go func() {
		_, err := b.Call(context.Background(), "A", "/slow", nil)
		errc <- err
	}()

	<-entered
	must(t, b.Shutdown(t.Context()))

	select {
	case err := <-errc:
		if !errors.Is(err, berr.ErrNotConnected) {
			t.Fatalf("want ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not released by shutdown")
	}
}

func TestService_NestedCall(t *testing.T) {
	_, _, b := pair(t, func(a, b *service.Service) {
		must(t, b.RegisterCommand("/inner", replyWith(map[string]any{"v": "inner"})))
		must(t, a.RegisterCommand("/outer", func(ctx context.Context, _ string, _, _, _ map[string]any) (service.Reply, error) {
			resp, err := a.Call(ctx, "B", "/inner", nil)
			if err != nil {
				return nil, err
			}

			return service.BodyReply(map[string]any{"wrapped": resp.Body["v"]}), nil
		}))
	})

	resp, err := b.Call(t.Context(), "A", "/outer", nil)
	must(t, err)

	if resp.Body["wrapped"] != "inner" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestService_ConcurrentCalls(t *testing.T) {
	_, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/echo", func(_ context.Context, _ string, _, _, body map[string]any) (service.Reply, error) {
			return service.BodyReply(body), nil
		}))
	})

	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := b.Call(t.Context(), "A", "/echo", map[string]any{"i": float64(i)})
			if err != nil {
				t.Errorf("call %d: %v", i, err)

				return
			}

			if resp.Body["i"] != float64(i) {
				t.Errorf("call %d got response for %v", i, resp.Body["i"])
			}
		}()
	}

	wg.Wait()
}

func TestService_BindEventsAfterConnect(t *testing.T) {
	_, a, b := pair(t, nil)

	got := make(chan any, 1)
	must(t, b.RegisterEvent("/late/path", func(_ context.Context, _ string, _ map[string]any, body any) error {
		got <- body

		return nil
	}))

	ctx := t.Context()
	must(t, a.Publish(ctx, "/late/path", "early", nil))

	select {
	case body := <-got:
		t.Fatalf("unbound event delivered: %v", body)
	case <-time.After(30 * time.Millisecond):
	}

	must(t, b.BindEvents(ctx))
	must(t, a.Publish(ctx, "/late/path", "late", nil))

	select {
	case body := <-got:
		if body != "late" {
			t.Fatalf("unexpected body %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered after BindEvents")
	}
}

type ctxKey struct{}

// valuePropagator carries a single context value in the "x-request" header.
type valuePropagator struct{}

func (valuePropagator) Inject(ctx context.Context, h map[string]string) {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		h["x-request"] = v
	}
}

func (valuePropagator) Extract(ctx context.Context, h map[string]string) context.Context {
	if v, ok := h["x-request"]; ok {
		return context.WithValue(ctx, ctxKey{}, v)
	}

	return ctx
}

func TestService_PropagatesContextHeaders(t *testing.T) {
	_, _, b := pair(t, func(a, _ *service.Service) {
		must(t, a.RegisterCommand("/who", func(ctx context.Context, _ string, _, _, _ map[string]any) (service.Reply, error) {
			v, _ := ctx.Value(ctxKey{}).(string)

			return service.BodyReply(map[string]any{"request": v}), nil
		}))
	}, service.WithPropagator(valuePropagator{}))

	ctx := context.WithValue(t.Context(), ctxKey{}, "req-42")

	resp, err := b.Call(ctx, "A", "/who", nil)
	must(t, err)

	if resp.Body["request"] != "req-42" {
		t.Fatalf("context not propagated: %+v", resp.Body)
	}
}

func TestService_RunStopsOnCancel(t *testing.T) {
	s := service.New("A", inmemory.NewNetwork().Dialer())

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)

	go func() { errc <- s.Run(ctx, "memory") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		must(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestService_EventWithoutRouteDiscarded(t *testing.T) {
	rec := newCountingRecorder()
	net, _, b := pair(t, func(_, b *service.Service) {
		must(t, b.RegisterEvent("/foo/bar", func(context.Context, string, map[string]any, any) error { return nil }))
	}, service.WithRecorder(rec))

	raw := net.Dial()
	defer raw.Close()

	ctx := t.Context()
	must(t, raw.BindQueue(ctx, b.EventQueue(), "events", "stray.path"))

	payload, err := message.Encode(message.Event{Path: "/stray/path", Body: "x"})
	must(t, err)
	must(t, raw.Publish(ctx, "events", "stray.path", payload, broker.Properties{}))

	rec.waitDispatch(t, "event", service.OutcomeNoRoute, 1)
}

func TestService_MalformedEventDropped(t *testing.T) {
	rec := newCountingRecorder()
	handled := make(chan struct{}, 1)

	net, a, _ := pair(t, func(_, b *service.Service) {
		must(t, b.RegisterEvent("/foo/bar", func(context.Context, string, map[string]any, any) error {
			handled <- struct{}{}
			return nil
		}))
	}, service.WithRecorder(rec))

	raw := net.Dial()
	defer raw.Close()

	ctx := t.Context()
	must(t, raw.Publish(ctx, "events", "foo.bar", []byte("garbage"), broker.Properties{}))
	must(t, raw.Publish(ctx, "events", "foo.bar", []byte(`{"path":"/foo/bar"}`), broker.Properties{}))

	rec.waitDispatch(t, "event", service.OutcomeMalformed, 2)

	must(t, a.Publish(ctx, "/foo/bar", "wtf", nil))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("well-formed event not handled after malformed ones")
	}
}

func TestService_UndecodableResponseTimesOut(t *testing.T) {
	rec := newCountingRecorder()
	net, _, b := pair(t, nil, service.WithRecorder(rec))

	raw := net.Dial()
	defer raw.Close()

	ctx := t.Context()
	must(t, raw.DeclareQueue(ctx, "echo", true, false))
	must(t, raw.BindQueue(ctx, "echo", "rpc", "echo"))
	must(t, raw.Consume(ctx, "echo", true, func(ctx context.Context, d broker.Delivery) {
		if err := raw.Publish(ctx, "rpc", d.ReplyTo, []byte("garbage"), broker.Properties{CorrelationID: d.CorrelationID}); err != nil {
			t.Errorf("publish: %v", err)
		}
	}))

	_, err := b.Call(ctx, "echo", "/x", nil, service.WithTimeout(100*time.Millisecond))
	if !errors.Is(err, berr.ErrCallTimeout) {
		t.Fatalf("want ErrCallTimeout, got %v", err)
	}

	rec.waitDispatch(t, "response", service.OutcomeMalformed, 1)

	if n := b.PendingCalls(); n != 0 {
		t.Fatalf("pending calls after timeout: %d", n)
	}
}

func TestService_ShutdownDuringConnect(t *testing.T) {
	ctx := t.Context()
	net := inmemory.NewNetwork()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)

	dial := func(ctx context.Context, address string) (broker.Broker, error) {
		select {
		case entered <- struct{}{}:
		default:
		}

		<-gate

		return net.Dialer()(ctx, address)
	}

	called := make(chan struct{}, 1)

	s := service.New("A", dial)
	must(t, s.RegisterCommand("/x", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
		called <- struct{}{}
		return nil, nil
	}))

	connErr := make(chan error, 1)

	go func() { connErr <- s.Connect(ctx, "") }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("connect never dialed")
	}

	shutErr := make(chan error, 1)

	go func() { shutErr <- s.Shutdown(ctx) }()

	// a second Connect reports ErrNotConnected once Shutdown has taken effect
	deadline := time.Now().Add(2 * time.Second)
	for !errors.Is(s.Connect(ctx, ""), berr.ErrNotConnected) {
		if time.Now().After(deadline) {
			t.Fatalf("shutdown did not take effect")
		}

		time.Sleep(5 * time.Millisecond)
	}

	close(gate)

	select {
	case err := <-connErr:
		if !errors.Is(err, berr.ErrNotConnected) {
			t.Fatalf("connect: want ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connect did not return")
	}

	select {
	case err := <-shutErr:
		must(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not return")
	}

	if _, err := s.Call(ctx, "B", "/y", nil, service.WithoutResponse()); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("call after shutdown: want ErrNotConnected, got %v", err)
	}

	raw := net.Dial()
	defer raw.Close()

	payload, err := message.Encode(message.Command{Path: "/x", Body: map[string]any{}})
	must(t, err)
	must(t, raw.Publish(ctx, "rpc", "A", payload, broker.Properties{}))

	select {
	case <-called:
		t.Fatalf("command consumer still running after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_FailedConnectWaitsForHandlers(t *testing.T) {
	ctx := t.Context()
	net := inmemory.NewNetwork()

	raw := net.Dial()
	defer raw.Close()

	must(t, raw.DeclareExchange(ctx, "rpc", broker.Direct, true))
	must(t, raw.DeclareQueue(ctx, "A", true, false))
	must(t, raw.BindQueue(ctx, "A", "rpc", "A"))

	payload, err := message.Encode(message.Command{Path: "/slow", Body: map[string]any{}})
	must(t, err)
	must(t, raw.Publish(ctx, "rpc", "A", payload, broker.Properties{}))

	started := make(chan struct{})

	var finished atomic.Bool

	var dials atomic.Int32

	dialErr := errors.New("event broker unreachable")
	dial := func(ctx context.Context, address string) (broker.Broker, error) {
		if dials.Add(1) == 3 {
			select {
			case <-started:
			case <-time.After(2 * time.Second):
			}

			return nil, dialErr
		}

		return net.Dialer()(ctx, address)
	}

	s := service.New("A", dial)
	must(t, s.RegisterCommand("/slow", func(context.Context, string, map[string]any, map[string]any, map[string]any) (service.Reply, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)

		return nil, nil
	}))

	if err := s.Connect(ctx, ""); !errors.Is(err, dialErr) {
		t.Fatalf("want dial error, got %v", err)
	}

	if !finished.Load() {
		t.Fatalf("failed connect returned while a handler was still running")
	}
}

// countingRecorder counts dispatch outcomes.
type countingRecorder struct {
	mu       sync.Mutex
	dispatch map[string]int
	calls    map[string]int
	signal   chan struct{}
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		dispatch: make(map[string]int),
		calls:    make(map[string]int),
		signal:   make(chan struct{}, 128),
	}
}

func (r *countingRecorder) ObserveCall(_, _, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.calls[outcome]++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveDispatch(_, kind, outcome string) {
	r.mu.Lock()
	r.dispatch[kind+"/"+outcome]++
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *countingRecorder) SetPendingCalls(string, int) {}

func (r *countingRecorder) waitDispatch(t *testing.T, kind, outcome string, n int) {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		r.mu.Lock()
		got := r.dispatch[kind+"/"+outcome]
		r.mu.Unlock()

		if got >= n {
			return
		}

		select {
		case <-r.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("want %d %s/%s, got %d", n, kind, outcome, got)
		}
	}
}
