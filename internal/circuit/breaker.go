// Package circuit guards external providers with per-key circuit breakers.
//
// A breaker trips after a run of consecutive failures, rejects calls without
// touching the network while open, and after a cool-down admits a single
// trial whose result closes or reopens it. State lives in one atomic cell per
// key, so concurrent callers never take a lock and unrelated keys never
// contend.
package circuit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type State uint64

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", uint64(s))
	}
}

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuit open")

// OpenError is returned by Allow while a breaker rejects calls.
type OpenError struct {
	Key   Key
	State State
	After time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is %s, retry after %s", e.Key, e.State, e.After)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// RetryAfter is the remaining cool-down, a hint for the next attempt.
func (e *OpenError) RetryAfter() time.Duration { return e.After }

// Key identifies one external dependency.
type Key struct {
	Tenant   string `json:"tenant"`
	Channel  string `json:"channel"`
	Provider string `json:"provider"`
}

func (k Key) String() string { return k.Tenant + "/" + k.Channel + "/" + k.Provider }

type Config struct {
	// TripFailures is the number of consecutive failures that opens the circuit.
	TripFailures int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.TripFailures <= 0 {
		c.TripFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// cell packs the state in the low two bits and the unix-nano time the state
// was entered in the rest. One CompareAndSwap moves both together.
func pack(s State, at time.Time) uint64 { return uint64(at.UnixNano())<<2 | uint64(s) }

func unpack(c uint64) (State, time.Time) {
	return State(c & 3), time.Unix(0, int64(c>>2))
}

// Breaker is the circuit of one Key.
type Breaker struct {
	key      Key
	trip     int64
	cooldown time.Duration
	now      func() time.Time
	onChange func(Key, State, State)

	cell        atomic.Uint64
	fails       atomic.Int64
	lastFailure atomic.Int64
}

func newBreaker(k Key, cfg Config, now func() time.Time, onChange func(Key, State, State)) *Breaker {
	b := &Breaker{key: k, trip: int64(cfg.TripFailures), cooldown: cfg.Cooldown, now: now, onChange: onChange}
	b.cell.Store(pack(Closed, time.Unix(0, 0)))
	return b
}

// Ticket is handed out by Allow and must be settled with Done.
type Ticket struct {
	b     *Breaker
	trial bool
}

// Trial reports whether this call is the half-open trial.
func (t Ticket) Trial() bool { return t.trial }

// Done records the result of the admitted call.
func (t Ticket) Done(success bool) {
	if t.b != nil {
		t.b.record(t.trial, success)
	}
}

// Cancel settles a call that ended without a verdict on the provider. It
// counts neither way; a cancelled trial call lets the next call through at once.
func (t Ticket) Cancel() {
	if t.b == nil || !t.trial {
		return
	}
	c := t.b.cell.Load()
	if st, _ := unpack(c); st == HalfOpen {
		t.b.cell.CompareAndSwap(c, pack(HalfOpen, t.b.now().Add(-t.b.cooldown)))
	}
}

// Allow admits a call or fails fast with *OpenError.
func (b *Breaker) Allow() (Ticket, error) {
	for {
		c := b.cell.Load()
		st, since := unpack(c)
		switch st {
		case Closed:
			return Ticket{b: b}, nil
		case Open, HalfOpen:
			// A half-open breaker whose trial call never reported back is treated
			// like an open one once another cool-down has passed.
			now := b.now()
			wait := since.Add(b.cooldown).Sub(now)
			if wait > 0 {
				return Ticket{}, &OpenError{Key: b.key, State: st, After: wait}
			}
			if b.cell.CompareAndSwap(c, pack(HalfOpen, now)) {
				if st != HalfOpen {
					b.notify(st, HalfOpen)
				}
				return Ticket{b: b, trial: true}, nil
			}
		default:
			return Ticket{}, &OpenError{Key: b.key, State: st}
		}
	}
}

func (b *Breaker) record(trial, success bool) {
	now := b.now()
	if success {
		b.fails.Store(0)
		if trial {
			c := b.cell.Load()
			if st, _ := unpack(c); st == HalfOpen && b.cell.CompareAndSwap(c, pack(Closed, now)) {
				b.notify(HalfOpen, Closed)
			}
		}
		return
	}

	b.lastFailure.Store(now.UnixNano())
	if trial {
		c := b.cell.Load()
		if st, _ := unpack(c); st == HalfOpen && b.cell.CompareAndSwap(c, pack(Open, now)) {
			b.notify(HalfOpen, Open)
		}
		return
	}
	if b.fails.Add(1) < b.trip {
		return
	}
	c := b.cell.Load()
	if st, _ := unpack(c); st == Closed && b.cell.CompareAndSwap(c, pack(Open, now)) {
		b.notify(Closed, Open)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.key, from, to)
	}
}

// State returns the effective state: an open breaker whose cool-down has
// elapsed reports half_open, since the next call will be a trial call.
func (b *Breaker) State() State {
	st, since := unpack(b.cell.Load())
	if st == Open && !b.now().Before(since.Add(b.cooldown)) {
		return HalfOpen
	}
	return st
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Key         Key        `json:"key"`
	State       string     `json:"state"`
	Failures    int64      `json:"consecutive_failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
}

func (b *Breaker) Status() Status {
	st, since := unpack(b.cell.Load())
	s := Status{Key: b.key, State: b.State().String(), Failures: b.fails.Load()}
	if st != Closed {
		s.Since = &since
	}
	if lf := b.lastFailure.Load(); lf != 0 {
		t := time.Unix(0, lf)
		s.LastFailure = &t
	}
	return s
}

// Registry hands out one Breaker per Key.
type Registry struct {
	cfg      Config
	now      func() time.Time
	onChange func(Key, State, State)

	m sync.Map // Key -> *Breaker
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithStateHook is called on every state change, outside any lock. It must be cheap.
func WithStateHook(fn func(k Key, from, to State)) Option {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) Get(k Key) *Breaker {
	if b, ok := r.m.Load(k); ok {
		return b.(*Breaker)
	}
	b, _ := r.m.LoadOrStore(k, newBreaker(k, r.cfg, r.now, r.onChange))
	return b.(*Breaker)
}

// Snapshot lists every breaker seen so far, ordered by key.
func (r *Registry) Snapshot() []Status {
	var out []Status
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*Breaker).Status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
