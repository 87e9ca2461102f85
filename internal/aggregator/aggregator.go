// Package aggregator is the single writer of delivery outcomes. It applies
// attempt outcomes and provider callbacks to task rows by compare-and-swap,
// derives stats from the rows, and closes a broadcast once every task is
// terminal.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"govcast/internal/channel"
	"govcast/internal/errs"
	"govcast/internal/eventbus"
	"govcast/internal/model"
	"govcast/internal/retry"
	"govcast/internal/storage"
	logx "govcast/pkg/logx"
)

// Event types published on the bus.
const (
	EventOutcome = "delivery.outcome"
	EventStats   = "delivery.stats"
)

const casRetries = 3

type Config struct {
	// AcceptedTTL is how long an accepted task may wait for its callback
	// before the settlement sweep marks it delivered.
	AcceptedTTL time.Duration `yaml:"accepted_ttl" json:"accepted_ttl"`
	// DedupTTL is how long callback event ids are remembered.
	DedupTTL    time.Duration `yaml:"dedup_ttl" json:"dedup_ttl"`
	SettleBatch int           `yaml:"settle_batch" json:"settle_batch"`
}

func (c Config) withDefaults() Config {
	if c.AcceptedTTL <= 0 {
		c.AcceptedTTL = 24 * time.Hour
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.SettleBatch <= 0 {
		c.SettleBatch = 500
	}
	return c
}

// Store is the slice of storage.Store the aggregator needs.
type Store interface {
	GetTask(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error)
	FindTaskByExternalID(ctx context.Context, ch model.Channel, externalID string) (model.DeliveryTask, error)
	UpdateTask(ctx context.Context, t model.DeliveryTask) (model.DeliveryTask, error)
	AwaitingCallback(ctx context.Context, before time.Time, limit int) ([]model.DeliveryTask, error)
	TaskStats(ctx context.Context, broadcastID string) (model.DeliveryStats, error)
}

// Completer closes a broadcast whose tasks are all terminal.
type Completer interface {
	Complete(ctx context.Context, broadcastID string) error
}

// OutcomeEvent is the payload of EventOutcome.
type OutcomeEvent struct {
	Key       model.TaskKey    `json:"key"`
	Status    model.TaskStatus `json:"status"`
	Source    string           `json:"source"`
	Attempts  int              `json:"attempts"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// StatsEvent is the payload of EventStats.
type StatsEvent struct {
	BroadcastID string              `json:"broadcast_id"`
	Stats       model.DeliveryStats `json:"stats"`
}

type Aggregator struct {
	cfg    Config
	store  Store
	policy retry.Policy
	dedup  Deduper
	bus    eventbus.Bus
	now    func() time.Time
	log    logx.Logger

	cmu       sync.RWMutex
	completer Completer

	refMu   sync.Mutex
	running map[string]bool
	dirty   map[string]bool
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func New(cfg Config, store Store, policy retry.Policy, dedup Deduper, bus eventbus.Bus, log logx.Logger, opts ...Option) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Aggregator{
		cfg:     cfg.withDefaults(),
		store:   store,
		policy:  policy,
		dedup:   dedup,
		bus:     bus,
		now:     time.Now,
		log:     log.With(logx.String("comp", "aggregator")),
		running: map[string]bool{},
		dirty:   map[string]bool{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetCompleter wires the orchestrator, which is built after the aggregator.
func (a *Aggregator) SetCompleter(c Completer) {
	a.cmu.Lock()
	a.completer = c
	a.cmu.Unlock()
}

// ApplyOutcome records the outcome of the attempt that claimed claimed.
// Outcomes of superseded attempts and of tasks already terminal are ignored.
func (a *Aggregator) ApplyOutcome(ctx context.Context, claimed model.DeliveryTask, out channel.Outcome) error {
	attempt := claimed.Attempts
	cur := claimed
	for i := 0; ; i++ {
		next, ok := a.outcomeTransition(cur, attempt, out)
		if !ok {
			return nil
		}
		saved, err := a.store.UpdateTask(ctx, next)
		if err == nil {
			a.afterOutcome(ctx, saved, out)
			return nil
		}
		if !errors.Is(err, storage.ErrStale) || i >= casRetries {
			return fmt.Errorf("update task %s: %w", claimed.Key, err)
		}
		if cur, err = a.store.GetTask(ctx, claimed.Key); err != nil {
			return fmt.Errorf("reload task %s: %w", claimed.Key, err)
		}
	}
}

func (a *Aggregator) outcomeTransition(t model.DeliveryTask, attempt int, out channel.Outcome) (model.DeliveryTask, bool) {
	if t.Status != model.TaskSending || t.Attempts != attempt || t.ExternalID != "" {
		return t, false
	}
	now := a.now()
	t.UpdatedAt = now
	switch out.Status {
	case channel.Accepted:
		t.ExternalID = out.ExternalID
		t.SentAt = &now
	case channel.Delivered:
		t.Status = model.TaskDelivered
		t.ExternalID = out.ExternalID
		t.SentAt = &now
		t.DeliveredAt = &now
		t.LastError, t.LastErrorKind = "", ""
	case channel.Rejected:
		t.Status = model.TaskFailed
		t.LastError, t.LastErrorKind = out.Reason, string(out.Kind())
	case channel.Transient, channel.CircuitOpen:
		t.LastError, t.LastErrorKind = out.Reason, string(out.Kind())
		if d := a.policy.Decide(t.Attempts, out.Kind(), out.RetryAfter, now); d.Retry {
			t.Status = model.TaskRetrying
			t.NextRetryAt = &d.At
		} else {
			t.Status = model.TaskFailed
		}
	default:
		return t, false
	}
	return t, true
}

func (a *Aggregator) afterOutcome(ctx context.Context, t model.DeliveryTask, out channel.Outcome) {
	if t.Status == model.TaskFailed {
		a.log.Warn("delivery failed",
			logx.String("broadcast", t.Key.BroadcastID),
			logx.String("channel", string(t.Key.Channel)),
			logx.String("recipient", t.Key.RecipientID),
			logx.String("tenant", t.TenantID),
			logx.Int("attempts", t.Attempts),
			logx.String("kind", t.LastErrorKind),
			logx.String("reason", t.LastError),
		)
	}
	a.publish(EventOutcome, t.Key.BroadcastID, OutcomeEvent{
		Key:       t.Key,
		Status:    t.Status,
		Source:    string(out.Status),
		Attempts:  t.Attempts,
		ErrorKind: t.LastErrorKind,
		Reason:    t.LastError,
	})
	a.refresh(ctx, t.Key.BroadcastID)
}

// Interrupted settles a sending task whose attempt never reported back,
// as a transient failure of that attempt.
func (a *Aggregator) Interrupted(ctx context.Context, t model.DeliveryTask) error {
	if t.Status != model.TaskSending || t.ExternalID != "" {
		return nil
	}
	next, ok := a.outcomeTransition(t, t.Attempts, channel.TransientOutcome(0, "attempt interrupted"))
	if !ok {
		return nil
	}
	saved, err := a.store.UpdateTask(ctx, next)
	if err != nil {
		return err
	}
	a.afterOutcome(ctx, saved, channel.Outcome{Status: channel.Transient})
	return nil
}

// SettleAccepted marks accepted tasks whose callback never arrived within
// AcceptedTTL as delivered.
func (a *Aggregator) SettleAccepted(ctx context.Context) (int, error) {
	now := a.now()
	tasks, err := a.store.AwaitingCallback(ctx, now.Add(-a.cfg.AcceptedTTL), a.cfg.SettleBatch)
	if err != nil {
		return 0, fmt.Errorf("awaiting callback: %w", err)
	}
	n := 0
	touched := map[string]bool{}
	for _, t := range tasks {
		if !t.AwaitingCallback() {
			continue
		}
		t.Status = model.TaskDelivered
		t.DeliveredAt = &now
		t.UpdatedAt = now
		saved, err := a.store.UpdateTask(ctx, t)
		if errors.Is(err, storage.ErrStale) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("settle %s: %w", t.Key, err)
		}
		n++
		touched[saved.Key.BroadcastID] = true
		a.publish(EventOutcome, saved.Key.BroadcastID, OutcomeEvent{Key: saved.Key, Status: saved.Status, Source: "settled", Attempts: saved.Attempts})
	}
	for id := range touched {
		a.refresh(ctx, id)
	}
	if n > 0 {
		a.log.Info("accepted tasks settled without callback", logx.Int("count", n), logx.Duration("ttl", a.cfg.AcceptedTTL))
	}
	return n, nil
}

// Refresh recomputes and publishes a broadcast's stats and completes it
// when nothing is open.
func (a *Aggregator) Refresh(ctx context.Context, broadcastID string) {
	a.refresh(ctx, broadcastID)
}

// refresh coalesces concurrent callers per broadcast: while one caller is
// recomputing, others only mark the broadcast dirty and the running caller
// recomputes once more before returning.
func (a *Aggregator) refresh(ctx context.Context, id string) {
	a.refMu.Lock()
	if a.running[id] {
		a.dirty[id] = true
		a.refMu.Unlock()
		return
	}
	a.running[id] = true
	a.refMu.Unlock()

	for {
		a.recompute(ctx, id)
		a.refMu.Lock()
		if !a.dirty[id] {
			delete(a.running, id)
			a.refMu.Unlock()
			return
		}
		delete(a.dirty, id)
		a.refMu.Unlock()
	}
}

func (a *Aggregator) recompute(ctx context.Context, id string) {
	st, err := a.store.TaskStats(ctx, id)
	if err != nil {
		a.log.Warn("stats recompute failed", logx.String("broadcast", id), logx.Err(err))
		return
	}
	a.publish(EventStats, id, StatsEvent{BroadcastID: id, Stats: st})
	if st.Open() > 0 {
		return
	}
	a.cmu.RLock()
	c := a.completer
	a.cmu.RUnlock()
	if c == nil {
		return
	}
	if err := c.Complete(ctx, id); err != nil && !errs.Is(err, errs.KindConflict) {
		a.log.Warn("broadcast completion failed", logx.String("broadcast", id), logx.Err(err))
	}
}

func (a *Aggregator) publish(typ, broadcastID string, data any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Time: a.now(), CorrelationID: broadcastID, Data: data})
}
