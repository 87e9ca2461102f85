package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"govcast/internal/errs"
	"govcast/internal/model"
	"govcast/internal/storage"
	logx "govcast/pkg/logx"
)

const releaseTimeout = 5 * time.Second

type CallbackStatus string

const (
	CallbackDelivered CallbackStatus = "delivered"
	CallbackRead      CallbackStatus = "read"
	CallbackFailed    CallbackStatus = "failed"
)

// Callback is a provider's asynchronous report about an accepted message.
type Callback struct {
	EventID    string         `json:"event_id,omitempty"`
	Channel    model.Channel  `json:"channel"`
	ExternalID string         `json:"external_id"`
	Status     CallbackStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	// Permanent marks a failure the provider will never recover from.
	Permanent bool      `json:"permanent,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

func (c Callback) Validate(ctx context.Context) error {
	if !c.Channel.Valid() {
		return errs.New(ctx, errs.KindValidation, "unknown channel %q", c.Channel)
	}
	if strings.TrimSpace(c.ExternalID) == "" {
		return errs.New(ctx, errs.KindValidation, "external_id is required")
	}
	switch c.Status {
	case CallbackDelivered, CallbackRead, CallbackFailed:
		return nil
	}
	return errs.New(ctx, errs.KindValidation, "unknown callback status %q", c.Status)
}

// ApplyCallback applies cb to the task that was accepted under its external
// id. Redelivered and out-of-order callbacks leave state unchanged. A
// callback that fails to apply releases its event id so a redelivery is
// processed.
func (a *Aggregator) ApplyCallback(ctx context.Context, cb Callback) error {
	if err := cb.Validate(ctx); err != nil {
		return err
	}
	var claimed string
	if cb.EventID != "" && a.dedup != nil {
		key := fmt.Sprintf("cb:%s:%s", cb.Channel, cb.EventID)
		first, err := a.dedup.Claim(ctx, key, a.cfg.DedupTTL)
		switch {
		case err != nil:
			// Task transitions are idempotent on their own.
			a.log.Warn("callback dedup unavailable", logx.String("event", cb.EventID), logx.Err(err))
		case !first:
			a.log.Debug("duplicate callback ignored", logx.String("event", cb.EventID))
			return nil
		default:
			claimed = key
		}
	}

	err := a.applyCallback(ctx, cb)
	if err != nil && claimed != "" {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if rerr := a.dedup.Release(rctx, claimed); rerr != nil {
			a.log.Warn("callback dedup release failed", logx.String("event", cb.EventID), logx.Err(rerr))
		}
		cancel()
	}
	return err
}

func (a *Aggregator) applyCallback(ctx context.Context, cb Callback) error {
	t, err := a.store.FindTaskByExternalID(ctx, cb.Channel, cb.ExternalID)
	if errors.Is(err, storage.ErrNotFound) {
		return errs.New(ctx, errs.KindNotFound, "no %s task for external id %s", cb.Channel, cb.ExternalID)
	}
	if err != nil {
		return errs.Wrap(ctx, errs.KindInternal, err, "find task")
	}

	key := t.Key
	for i := 0; ; i++ {
		next, ok := a.callbackTransition(t, cb)
		if !ok {
			return nil
		}
		saved, err := a.store.UpdateTask(ctx, next)
		if err == nil {
			a.publish(EventOutcome, saved.Key.BroadcastID, OutcomeEvent{
				Key:       saved.Key,
				Status:    saved.Status,
				Source:    "callback." + string(cb.Status),
				Attempts:  saved.Attempts,
				ErrorKind: saved.LastErrorKind,
				Reason:    saved.LastError,
			})
			a.refresh(ctx, saved.Key.BroadcastID)
			return nil
		}
		if !errors.Is(err, storage.ErrStale) || i >= casRetries {
			return errs.Wrap(ctx, errs.KindInternal, err, "update task %s", key)
		}
		if t, err = a.store.GetTask(ctx, key); err != nil {
			return errs.Wrap(ctx, errs.KindInternal, err, "reload task %s", key)
		}
	}
}

func (a *Aggregator) callbackTransition(t model.DeliveryTask, cb Callback) (model.DeliveryTask, bool) {
	at := cb.At
	if at.IsZero() {
		at = a.now()
	}
	switch {
	case t.Status == model.TaskSending && t.ExternalID != "":
		switch cb.Status {
		case CallbackDelivered:
			t.Status = model.TaskDelivered
			t.DeliveredAt = &at
		case CallbackRead:
			t.Status = model.TaskDelivered
			t.DeliveredAt = &at
			t.ReadAt = &at
		case CallbackFailed:
			t.Status = model.TaskFailed
			t.LastError = cb.Reason
			t.LastErrorKind = string(errs.KindTransientDelivery)
			if cb.Permanent {
				t.LastErrorKind = string(errs.KindPermanentDelivery)
			}
		}
	case t.Status == model.TaskDelivered && cb.Status == CallbackRead && t.ReadAt == nil:
		t.ReadAt = &at
	default:
		return t, false
	}
	t.UpdatedAt = a.now()
	return t, true
}
