package memory

import (
	"context"
	"time"

	"github.com/next-trace/scg-service-rpc/adapters/inmemory"
	"github.com/next-trace/scg-service-rpc/service"
)

const cleanupTimeout = 5 * time.Second

// New constructs a service named name on the in-memory network net and
// returns it along with a cleanup function that shuts it down. Register
// routes, then Connect with any address.
func New(net *inmemory.Network, name string, opts ...service.Option) (*service.Service, func()) {
	s := service.New(name, net.Dialer(), opts...)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		_ = s.Shutdown(ctx)
	}

	return s, cleanup
}
