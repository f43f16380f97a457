package service

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ConnectAll connects services concurrently. If any Connect fails, the services
// that did connect are shut down and the errors are returned.
func ConnectAll(ctx context.Context, address string, services ...*Service) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range services {
		g.Go(func() error { return s.Connect(gctx, address) })
	}

	err := g.Wait()
	if err == nil {
		return nil
	}

	errs := []error{err}

	for _, s := range services {
		if serr := s.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			errs = append(errs, serr)
		}
	}

	return errors.Join(errs...)
}
