// Package retryx wraps external-collaborator calls with bounded exponential
// backoff. Only transient failures are retried; everything else propagates
// on the first attempt.
package retryx

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

type Options struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	return o
}

// Failure carries the last error after the wrapper gives up, along with how
// many attempts were actually made.
type Failure struct {
	Op       string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", f.Op, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Do runs op, retrying transient errors with exponential backoff (factor 2
// from BaseDelay, capped at MaxDelay, plus random jitter). Returns *Failure
// when op never succeeds.
func Do(ctx context.Context, name string, op func(ctx context.Context) error, opts Options) error {
	_, err := DoWithData(ctx, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// DoWithData is Do for operations that return a value.
func DoWithData[T any](ctx context.Context, name string, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	o := opts.withDefaults()

	attempts := 0
	out, err := retry.DoWithData(
		func() (T, error) {
			attempts++
			return op(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(o.MaxAttempts),
		retry.Delay(o.BaseDelay),
		retry.MaxDelay(o.MaxDelay),
		retry.MaxJitter(o.BaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(contractx.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Str("op", name).
				Uint("attempt", n+1).
				Dur("next_delay", nextDelay(o, n)).
				Err(err).
				Msg("transient failure, retrying")
		}),
	)
	if err != nil {
		var zero T
		return zero, &Failure{Op: name, Attempts: attempts, Err: err}
	}
	return out, nil
}

func nextDelay(o Options, n uint) time.Duration {
	d := o.BaseDelay << n
	if d <= 0 || d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}
