package app

import (
	"context"
	"fmt"
	"strings"

	"govcast/internal/aggregator"
	"govcast/internal/errs"
	"govcast/internal/eventbus"
	logx "govcast/pkg/logx"
)

// Routing keys consumed from the exchange.
const (
	EventTrigger  = "broadcast.trigger"
	EventCallback = "delivery.callback"
)

type executor interface {
	ForceExecute(ctx context.Context, id string) error
}

type callbackApplier interface {
	ApplyCallback(ctx context.Context, cb aggregator.Callback) error
}

// TriggerRequest asks for an immediate execution of a scheduled broadcast.
type TriggerRequest struct {
	BroadcastID string `json:"broadcast_id"`
}

// triggerHandler runs broadcasts on request from other systems. Triggers for
// broadcasts that already started are acknowledged and dropped.
func triggerHandler(svc executor, log logx.Logger) eventbus.Handler {
	return func(ctx context.Context, env eventbus.Envelope) error {
		var req TriggerRequest
		if err := env.Decode(&req); err != nil || strings.TrimSpace(req.BroadcastID) == "" {
			return fmt.Errorf("%w: trigger without broadcast_id", eventbus.ErrPoison)
		}
		ctx = errs.WithCorrelation(ctx, env.Meta.CorrelationID)
		err := svc.ForceExecute(ctx, req.BroadcastID)
		switch errs.KindOf(err) {
		case "":
			log.Info("broadcast triggered", logx.String("broadcast", req.BroadcastID), logx.Corr(env.Meta.CorrelationID))
			return nil
		case errs.KindConflict:
			log.Debug("trigger ignored", logx.String("broadcast", req.BroadcastID), logx.Err(err))
			return nil
		case errs.KindNotFound, errs.KindValidation:
			return fmt.Errorf("%w: %v", eventbus.ErrPoison, err)
		default:
			return err
		}
	}
}

// callbackHandler applies provider reports relayed through the broker. A
// report for an unknown external id is requeued once: it may have overtaken
// the outcome that records the id.
func callbackHandler(svc callbackApplier, log logx.Logger) eventbus.Handler {
	return func(ctx context.Context, env eventbus.Envelope) error {
		var cb aggregator.Callback
		if err := env.Decode(&cb); err != nil {
			return fmt.Errorf("%w: %v", eventbus.ErrPoison, err)
		}
		if cb.EventID == "" {
			cb.EventID = env.Meta.ID
		}
		ctx = errs.WithCorrelation(ctx, env.Meta.CorrelationID)
		err := svc.ApplyCallback(ctx, cb)
		switch errs.KindOf(err) {
		case "":
			return nil
		case errs.KindValidation:
			return fmt.Errorf("%w: %v", eventbus.ErrPoison, err)
		case errs.KindNotFound:
			log.Debug("callback for unknown external id", logx.String("channel", string(cb.Channel)), logx.String("external_id", cb.ExternalID))
			return err
		default:
			return err
		}
	}
}
