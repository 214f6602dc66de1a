// Package consumer provides the scheduler callbacks the EpochBus server can
// dispatch to, and combinators for composing them.
package consumer

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/types"
)

// Chain returns a consumer that calls each of cs in order, stopping at the
// first error.
func Chain(cs ...scheduler.Consumer) scheduler.Consumer {
	return func(ctx context.Context, msg types.Message) error {
		for _, c := range cs {
			if err := c(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	}
}

// Throttle returns a consumer that waits for a token from a limiter allowing
// limit calls per second with the given burst before calling next. The wait
// is aborted when ctx is canceled, which the scheduler treats as shutdown.
func Throttle(limit float64, burst int, next scheduler.Consumer) scheduler.Consumer {
	lim := rate.NewLimiter(rate.Limit(limit), burst)
	return func(ctx context.Context, msg types.Message) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		return next(ctx, msg)
	}
}
