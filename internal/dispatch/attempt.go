package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"govcast/internal/channel"
	"govcast/internal/circuit"
	"govcast/internal/content"
	"govcast/internal/errs"
	"govcast/internal/model"
	"govcast/internal/storage"
	logx "govcast/pkg/logx"
)

const applyTimeout = 10 * time.Second

// attempt performs at most one provider call for key. Losing the claim
// race, or finding the task already progressed, is not an error.
func (d *Dispatcher) attempt(ctx context.Context, key model.TaskKey) error {
	t, err := d.store.GetTask(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", key, err)
	}
	now := d.now()
	if t.Status == model.TaskRetrying && t.NextRetryAt != nil && t.NextRetryAt.After(now) {
		return nil
	}
	if !t.Status.CanTransition(model.TaskSending) {
		return nil
	}
	b, err := d.store.GetBroadcast(ctx, key.BroadcastID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load broadcast %s: %w", key.BroadcastID, err)
	}
	if err == nil && (b.Status == model.BroadcastFailed || b.Status == model.BroadcastCancelled) {
		return d.abandon(ctx, t, b.Status)
	}
	if err := t.Claim(now); err != nil {
		return nil
	}
	t, err = d.store.UpdateTask(ctx, t)
	if errors.Is(err, storage.ErrStale) {
		d.log.Trace("claim lost", logx.String("task", key.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task %s: %w", key, err)
	}

	out := d.send(ctx, t)

	// The outcome must land even when the attempt used up its deadline.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	defer cancel()
	if err := d.agg.ApplyOutcome(actx, t, out); err != nil {
		return fmt.Errorf("apply outcome %s: %w", key, err)
	}
	return nil
}

// abandon fails a task whose broadcast ended before it was attempted.
func (d *Dispatcher) abandon(ctx context.Context, t model.DeliveryTask, status model.BroadcastStatus) error {
	t.Status = model.TaskFailed
	t.NextRetryAt = nil
	t.LastError = "broadcast " + string(status)
	t.LastErrorKind = string(errs.KindPermanentDelivery)
	t.UpdatedAt = d.now()
	_, err := d.store.UpdateTask(ctx, t)
	if err != nil && !errors.Is(err, storage.ErrStale) {
		return fmt.Errorf("abandon task %s: %w", t.Key, err)
	}
	d.log.Debug("task abandoned", logx.String("task", t.Key.String()), logx.String("broadcast_status", string(status)))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, t model.DeliveryTask) channel.Outcome {
	ch, ok := d.channels.Get(t.Key.Channel)
	if !ok {
		return channel.RejectedOutcome("channel %s is not configured", t.Key.Channel)
	}
	p, err := d.payload(ctx, t)
	if err != nil {
		var fe *channel.FormatError
		switch {
		case errors.Is(err, content.ErrNotFound), errors.As(err, &fe):
			return channel.RejectedOutcome("payload: %v", err)
		default:
			return channel.TransientOutcome(0, "payload: %v", err)
		}
	}

	if lim, _ := d.limiter(t.Key.Channel); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return channel.TransientOutcome(0, "rate limit wait: %v", err)
		}
	}

	br := d.breakers.Get(circuit.Key{Tenant: t.TenantID, Channel: string(t.Key.Channel), Provider: ch.Provider()})
	ticket, err := br.Allow()
	if err != nil {
		var oe *circuit.OpenError
		if errors.As(err, &oe) {
			return channel.CircuitOpenOutcome(oe.RetryAfter(), err.Error())
		}
		return channel.CircuitOpenOutcome(0, err.Error())
	}

	r := model.Recipient{CitizenID: t.Key.RecipientID, Address: t.Address, Language: t.Language, Consent: true}
	start := time.Now()
	out := ch.Attempt(ctx, r, p)
	// Only transient failures count against the breaker. An attempt cut short
	// by shutdown or its own deadline says nothing about the provider.
	if ctx.Err() == nil {
		ticket.Done(out.Status != channel.Transient)
	} else {
		ticket.Cancel()
	}

	d.log.Trace("attempt",
		logx.String("task", t.Key.String()),
		logx.Int("attempt", t.Attempts),
		logx.String("status", string(out.Status)),
		logx.Duration("took", time.Since(start)),
	)
	return out
}
