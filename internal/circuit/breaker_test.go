package circuit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

var smsKey = Key{Tenant: "t1", Channel: "sms", Provider: "sns"}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		tk, err := b.Allow()
		require.NoError(t, err)
		tk.Done(false)
	}
}

func TestTripsAfterFiveConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewRegistry(Config{}, WithClock(clk.Now)).Get(smsKey)

	fail(t, b, 4)
	assert.Equal(t, Closed, b.State())
	fail(t, b, 1)
	assert.Equal(t, Open, b.State())

	// The sixth call short-circuits without being admitted.
	_, err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))

	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 60*time.Second, oe.RetryAfter())
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()

	b := NewRegistry(Config{}, WithClock(newFakeClock().Now)).Get(smsKey)

	fail(t, b, 4)
	tk, err := b.Allow()
	require.NoError(t, err)
	tk.Done(true)
	fail(t, b, 4)

	assert.Equal(t, Closed, b.State())
}

func TestSingleTrialAfterCooldown(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewRegistry(Config{}, WithClock(clk.Now)).Get(smsKey)
	fail(t, b, 5)

	clk.Advance(59 * time.Second)
	_, err := b.Allow()
	require.ErrorIs(t, err, ErrOpen)

	clk.Advance(time.Second)
	assert.Equal(t, HalfOpen, b.State())

	var (
		wg     sync.WaitGroup
		trials atomic.Int32
		trial  Ticket
		mu     sync.Mutex
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := b.Allow()
			if err == nil {
				trials.Add(1)
				mu.Lock()
				trial = tk
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), trials.Load())
	assert.True(t, trial.Trial())

	trial.Done(true)
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Status().Failures)
}

func TestTrialFailureReopensImmediately(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewRegistry(Config{}, WithClock(clk.Now)).Get(smsKey)
	fail(t, b, 5)
	clk.Advance(60 * time.Second)

	tk, err := b.Allow()
	require.NoError(t, err)
	require.True(t, tk.Trial())
	tk.Done(false)

	assert.Equal(t, Open, b.State())
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)

	// A fresh cool-down starts from the failed trial.
	clk.Advance(60 * time.Second)
	tk, err = b.Allow()
	require.NoError(t, err)
	assert.True(t, tk.Trial())
}

func TestLostTrialIsReplacedAfterCooldown(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewRegistry(Config{}, WithClock(clk.Now)).Get(smsKey)
	fail(t, b, 5)
	clk.Advance(60 * time.Second)

	_, err := b.Allow() // trial that never reports back
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	_, err = b.Allow()
	require.ErrorIs(t, err, ErrOpen)

	clk.Advance(30 * time.Second)
	tk, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, tk.Trial())
}

func TestCancelledTicketsDoNotCount(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewRegistry(Config{}, WithClock(clk.Now)).Get(smsKey)
	for i := 0; i < 10; i++ {
		tk, err := b.Allow()
		require.NoError(t, err)
		tk.Cancel()
	}
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Status().Failures)

	fail(t, b, 5)
	clk.Advance(60 * time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)
	require.True(t, trial.Trial())
	trial.Cancel()

	// The next call is admitted without waiting out another cool-down.
	next, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, next.Trial())
	next.Done(true)
	assert.Equal(t, Closed, b.State())
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{TripFailures: 2, Cooldown: time.Minute}, WithClock(newFakeClock().Now))
	fail(t, reg.Get(smsKey), 2)

	other := Key{Tenant: "t2", Channel: "sms", Provider: "sns"}
	_, err := reg.Get(other).Allow()
	assert.NoError(t, err)
	assert.Same(t, reg.Get(smsKey), reg.Get(smsKey))

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "open", snap[0].State)
	assert.Equal(t, "closed", snap[1].State)
}

func TestStateHook(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var (
		mu  sync.Mutex
		got []string
	)
	reg := NewRegistry(Config{}, WithClock(clk.Now), WithStateHook(func(_ Key, from, to State) {
		mu.Lock()
		got = append(got, from.String()+">"+to.String())
		mu.Unlock()
	}))
	b := reg.Get(smsKey)
	fail(t, b, 5)
	clk.Advance(time.Minute)
	tk, err := b.Allow()
	require.NoError(t, err)
	tk.Done(true)

	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, got)
}
