package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
)

// Throttled wraps a Client with the process-global token bucket and a
// concurrency cap on unlocks. Upload and status share the bucket strictly
// sequentially per caller; unlocks may run in parallel up to unlockConc.
// Transient failures are retried with exponential backoff inside the
// wrapper so resolver cycles see at most one error per call site.
type Throttled struct {
	inner      Client
	limiter    *rate.Limiter
	unlockSem  chan struct{}
	maxRetries uint64
}

// Throttle builds the rate-limited client. ratePerSec and burst come from
// configuration; unlockConc bounds concurrent unlock calls.
func Throttle(inner Client, ratePerSec, burst, unlockConc int) *Throttled {
	if unlockConc < 1 {
		unlockConc = 1
	}
	return &Throttled{
		inner:      inner,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		unlockSem:  make(chan struct{}, unlockConc),
		maxRetries: 2,
	}
}

func (t *Throttled) Name() string { return t.inner.Name() }

func (t *Throttled) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		if IsTerminal(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, t.maxRetries), ctx))
}

func (t *Throttled) Upload(ctx context.Context, source string) (string, error) {
	var ref string
	err := t.retry(ctx, func() error {
		var err error
		ref, err = t.inner.Upload(ctx, source)
		return err
	})
	return ref, err
}

func (t *Throttled) Status(ctx context.Context, ref string) (*Status, error) {
	var st *Status
	err := t.retry(ctx, func() error {
		var err error
		st, err = t.inner.Status(ctx, ref)
		return err
	})
	return st, err
}

func (t *Throttled) Unlock(ctx context.Context, lockedURL string) (string, error) {
	select {
	case t.unlockSem <- struct{}{}:
		defer func() { <-t.unlockSem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	var direct string
	err := t.retry(ctx, func() error {
		var err error
		direct, err = t.inner.Unlock(ctx, lockedURL)
		return err
	})
	return direct, err
}
