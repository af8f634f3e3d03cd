package protocol

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// BackOff produces the retry schedule p describes:
// waits start at BackoffInitial and double up to BackoffMax,
// each varied by BackoffJitter.
// A non-negative retries bounds the number of retries.
func (p Params) BackOff(clock clockwork.Clock, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffInitial
	b.MaxInterval = p.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = p.BackoffJitter
	b.MaxElapsedTime = 0
	if clock != nil {
		b.Clock = clock
	}
	b.Reset()

	if retries < 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Retry calls op until it succeeds, returns a backoff.Permanent error,
// b gives up, or ctx is done.
// Notify, if not nil, is called before each wait.
// Waits run on clock.
func Retry(ctx context.Context, clock clockwork.Clock, b backoff.BackOff, op backoff.Operation, notify backoff.Notify) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, &timer{clock: clock})
}

// timer runs backoff waits on a clockwork.Clock.
type timer struct {
	clock clockwork.Clock
	t     clockwork.Timer
}

func (t *timer) Start(d time.Duration) {
	if t.t == nil {
		t.t = t.clock.NewTimer(d)
		return
	}
	t.t.Reset(d)
}

func (t *timer) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *timer) C() <-chan time.Time {
	return t.t.Chan()
}
