package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

func TestBackoff(t *testing.T) {
	p := DefaultParams
	p.BackoffInitial = time.Second
	p.BackoffMax = 10 * time.Second
	p.BackoffJitter = 0

	var (
		b   = p.BackOff(clockwork.NewFakeClock(), 6)
		got []time.Duration
	)
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		got = append(got, d)
	}
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRetry(t *testing.T) {
	p := DefaultParams
	p.BackoffInitial = time.Second
	p.BackoffMax = 4 * time.Second
	p.BackoffJitter = 0

	var (
		clock  = clockwork.NewFakeClock()
		calls  int
		delays []time.Duration
		errTry = errors.New("try again")
		done   = make(chan error, 1)
	)
	go func() {
		done <- Retry(context.Background(), clock, p.BackOff(clock, 3), func() error {
			calls++
			return errTry
		}, func(_ error, d time.Duration) {
			delays = append(delays, d)
		})
	}()

	// Each wait runs on the fake clock.
	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(p.BackoffMax)
	}

	if err := <-done; !errors.Is(err, errTry) {
		t.Errorf("got %v, want %v", err, errTry)
	}
	if calls != 4 {
		t.Errorf("got %d calls, want 4", calls)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Retry(ctx, clockwork.NewFakeClock(), DefaultParams.BackOff(nil, -1), func() error {
		calls++
		return errors.New("fails")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultParams.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := []func(*Params){
		func(p *Params) { p.BatchSize = 0 },
		func(p *Params) { p.MaxTransfers = -1 },
		func(p *Params) { p.MaxAttempts = 0 },
		func(p *Params) { p.BackoffMax = p.BackoffInitial / 2 },
		func(p *Params) { p.BackoffJitter = 1 },
		func(p *Params) { p.ChunkTimeout = 0 },
		func(p *Params) { p.IdleTimeout = p.HeartbeatInterval },
	}
	for i, f := range bad {
		p := DefaultParams
		f(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: no error", i)
		}
	}
}

func TestStatus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStatus(clock)

	errA := errors.New("a failed")
	if n := s.Failed("a", errA); n != 1 {
		t.Errorf("got %d failures, want 1", n)
	}
	clock.Advance(time.Minute)
	if n := s.Failed("a", errA); n != 2 {
		t.Errorf("got %d failures, want 2", n)
	}
	s.Failed("b", errA)
	s.OutOfSync("b", errA)
	s.OutOfSync("c", errA)

	ps, ok := s.Get("a")
	if !ok {
		t.Fatal("no status for a")
	}
	if ps.OutOfSync {
		t.Error("a marked out of sync")
	}
	if !ps.Since.Equal(clock.Now().Add(-time.Minute)) {
		t.Errorf("failing since %s, want the first failure", ps.Since)
	}

	if diff := cmp.Diff([]string{"b", "c"}, s.OutOfSyncPaths()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	s.Synced("b")
	if _, ok := s.Get("b"); ok {
		t.Error("b still has a status after syncing")
	}
}

func TestStateNames(t *testing.T) {
	if got := Transferring.String(); got != "TRANSFERRING" {
		t.Errorf("got %s", got)
	}
	for _, s := range []State{Committed, Rejected, Failed} {
		if !s.Terminal() {
			t.Errorf("%s is not terminal", s)
		}
	}
	if Committing.Terminal() {
		t.Error("COMMITTING is terminal")
	}
}
