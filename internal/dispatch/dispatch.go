// Package dispatch fans delivery tasks out to channel adapters through the
// delivery engine. Each attempt claims its task, passes the per-channel rate
// limiter and circuit breaker, calls the adapter once and hands the outcome
// to the aggregator.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"govcast/internal/channel"
	"govcast/internal/circuit"
	"govcast/internal/content"
	"govcast/internal/model"
	"govcast/internal/task/engine"
	logx "govcast/pkg/logx"
)

// Limits bounds one channel.
type Limits struct {
	// Concurrency caps simultaneous attempts. 0 means unlimited.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// RPS is the sustained attempt rate. 0 means unlimited.
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

type Config struct {
	Channels       map[model.Channel]Limits `yaml:"channels" json:"channels"`
	AttemptTimeout time.Duration            `yaml:"attempt_timeout" json:"attempt_timeout"`
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// GroupLimits converts channel concurrency into engine group limits.
func (c Config) GroupLimits() map[string]int {
	out := make(map[string]int, len(c.Channels))
	for ch, l := range c.Channels {
		if l.Concurrency > 0 {
			out[string(ch)] = l.Concurrency
		}
	}
	return out
}

// Engine runs delivery attempts. *engine.Service implements it.
type Engine interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
}

// Applier records an attempt outcome. The aggregator implements it.
type Applier interface {
	ApplyOutcome(ctx context.Context, t model.DeliveryTask, out channel.Outcome) error
}

// Store is the slice of storage.Store the dispatcher needs.
type Store interface {
	GetBroadcast(ctx context.Context, id string) (model.Broadcast, error)
	GetTask(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error)
	UpdateTask(ctx context.Context, t model.DeliveryTask) (model.DeliveryTask, error)
}

type payloadKey struct {
	broadcastID string
	channel     model.Channel
}

type Dispatcher struct {
	cfg      Config
	store    Store
	channels *channel.Registry
	breakers *circuit.Registry
	contents content.Source
	engine   Engine
	agg      Applier
	now      func() time.Time
	log      logx.Logger

	limMu    sync.RWMutex
	limiters map[model.Channel]*rate.Limiter

	payMu    sync.RWMutex
	payloads map[payloadKey]channel.Payload
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(cfg Config, store Store, channels *channel.Registry, breakers *circuit.Registry, contents content.Source, eng Engine, agg Applier, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store:    store,
		channels: channels,
		breakers: breakers,
		contents: contents,
		engine:   eng,
		agg:      agg,
		now:      time.Now,
		log:      log.With(logx.String("comp", "dispatch")),
		limiters: map[model.Channel]*rate.Limiter{},
		payloads: map[payloadKey]channel.Payload{},
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply updates attempt timeout and rate limits in place. Concurrency is
// owned by the engine and changes with its config.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.limMu.Lock()
	defer d.limMu.Unlock()
	d.cfg = cfg
	for ch, l := range cfg.Channels {
		if l.RPS <= 0 {
			delete(d.limiters, ch)
			continue
		}
		burst := l.Burst
		if burst <= 0 {
			burst = max(1, int(l.RPS))
		}
		if lim, ok := d.limiters[ch]; ok {
			lim.SetLimit(rate.Limit(l.RPS))
			lim.SetBurst(burst)
			continue
		}
		d.limiters[ch] = rate.NewLimiter(rate.Limit(l.RPS), burst)
	}
	for ch := range d.limiters {
		if _, ok := cfg.Channels[ch]; !ok {
			delete(d.limiters, ch)
		}
	}
}

func (d *Dispatcher) limiter(ch model.Channel) (*rate.Limiter, time.Duration) {
	d.limMu.RLock()
	defer d.limMu.RUnlock()
	return d.limiters[ch], d.cfg.AttemptTimeout
}

// Prime caches formatted payloads for a broadcast so attempts skip the
// content store.
func (d *Dispatcher) Prime(broadcastID string, payloads map[model.Channel]channel.Payload) {
	d.payMu.Lock()
	defer d.payMu.Unlock()
	for ch, p := range payloads {
		d.payloads[payloadKey{broadcastID, ch}] = p
	}
}

// Forget drops cached payloads of a finished broadcast.
func (d *Dispatcher) Forget(broadcastID string) {
	d.payMu.Lock()
	defer d.payMu.Unlock()
	for k := range d.payloads {
		if k.broadcastID == broadcastID {
			delete(d.payloads, k)
		}
	}
}

func (d *Dispatcher) payload(ctx context.Context, t model.DeliveryTask) (channel.Payload, error) {
	k := payloadKey{t.Key.BroadcastID, t.Key.Channel}
	d.payMu.RLock()
	p, ok := d.payloads[k]
	d.payMu.RUnlock()
	if ok {
		return p, nil
	}

	// Retries after a restart rebuild the payload from the broadcast.
	b, err := d.store.GetBroadcast(ctx, t.Key.BroadcastID)
	if err != nil {
		return channel.Payload{}, fmt.Errorf("load broadcast: %w", err)
	}
	snap, err := d.contents.GetApproved(ctx, b.ContentID)
	if err != nil {
		return channel.Payload{}, err
	}
	ch, ok := d.channels.Get(t.Key.Channel)
	if !ok {
		return channel.Payload{}, channel.ErrUnknownChannel
	}
	p, err = ch.Format(snap)
	if err != nil {
		return channel.Payload{}, err
	}
	d.payMu.Lock()
	d.payloads[k] = p
	d.payMu.Unlock()
	return p, nil
}

func (d *Dispatcher) task(t model.DeliveryTask) engine.Task {
	key := t.Key
	_, timeout := d.limiter(key.Channel)
	return engine.Task{
		Name:    "deliver." + string(key.Channel),
		Group:   string(key.Channel),
		Key:     key.String(),
		Overlap: engine.OverlapSkipIfRunning,
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return d.attempt(ctx, key) },
	}
}

// Dispatch submits freshly created tasks, blocking while the queue is full.
// Tasks not submitted before ctx ends stay pending and are picked up by the
// stale sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []model.DeliveryTask) (int, error) {
	n := 0
	for _, t := range tasks {
		err := d.engine.Submit(ctx, d.task(t))
		if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			d.log.Warn("dispatch interrupted", logx.Int("submitted", n), logx.Int("remaining", len(tasks)-n), logx.Err(err))
			return n, err
		}
		n++
	}
	return n, nil
}

// Enqueue queues one task without blocking. A task already queued or running
// counts as enqueued.
func (d *Dispatcher) Enqueue(_ context.Context, t model.DeliveryTask) error {
	err := d.engine.Enqueue(d.task(t))
	if errors.Is(err, engine.ErrOverlapSkip) {
		return nil
	}
	return err
}
