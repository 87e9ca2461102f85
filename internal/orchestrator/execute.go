package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/errs"
	"govcast/internal/model"
	"govcast/internal/storage"
	"govcast/internal/task/engine"
	"govcast/internal/task/scheduler"
	logx "govcast/pkg/logx"
)

const (
	// failTimeout bounds the bookkeeping of a failed execution, which runs
	// even after the execution deadline has passed.
	failTimeout = 10 * time.Second
	// stallGrace is added to ExecuteTimeout before an executing broadcast
	// without tasks is considered interrupted.
	stallGrace = time.Minute
)

// seriesNamespace derives occurrence IDs so that two processes computing the
// same next occurrence create the same broadcast.
var seriesNamespace = uuid.MustParse("6f1c3a52-0d0e-4e57-9b7c-3f7d2c8e41a9")

// ForceExecute starts a scheduled broadcast now, regardless of ScheduledAt.
// Execution happens on the runner; the call returns once it is queued.
func (o *Orchestrator) ForceExecute(ctx context.Context, id string) error {
	b, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != model.BroadcastScheduled {
		return errs.New(ctx, errs.KindConflict, "broadcast %s is %s, only scheduled broadcasts can be executed", id, b.Status)
	}
	err = o.enqueueExecute(ctx, id)
	if errors.Is(err, engine.ErrOverlapSkip) {
		return errs.New(ctx, errs.KindConflict, "broadcast %s is already being executed", id)
	}
	if err != nil {
		return errs.Wrap(ctx, errs.KindInternal, err, "queue execution of %s", id)
	}
	return nil
}

func (o *Orchestrator) enqueueExecute(ctx context.Context, id string) error {
	corr := errs.CorrelationID(ctx)
	if corr == "" {
		corr = id
	}
	return o.Runner.Enqueue(engine.Task{
		Name:    "execute",
		Group:   "execute",
		Key:     "broadcast:" + id,
		Overlap: engine.OverlapSkipIfRunning,
		Timeout: o.cfg.ExecuteTimeout,
		Run: func(ctx context.Context) error {
			err := o.Execute(errs.WithCorrelation(ctx, corr), id)
			if errs.Is(err, errs.KindConflict) {
				return nil
			}
			return err
		},
	})
}

// SweepDue queues every scheduled broadcast whose time has come. It returns
// the number of broadcasts queued.
func (o *Orchestrator) SweepDue(ctx context.Context) (int, error) {
	due, err := o.Store.DueBroadcasts(ctx, o.now().UTC(), o.cfg.DueBatch)
	if err != nil {
		return 0, fmt.Errorf("due broadcasts: %w", err)
	}
	n := 0
	for _, b := range due {
		err := o.enqueueExecute(ctx, b.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, engine.ErrOverlapSkip):
		default:
			return n, fmt.Errorf("queue %s: %w", b.ID, err)
		}
	}
	if n > 0 {
		o.log.Debug("due broadcasts queued", logx.Int("count", n))
	}
	return n, nil
}

// Execute moves a scheduled broadcast to executing, materializes one task per
// recipient and channel and hands the tasks to the dispatcher. Losing the
// compare-and-swap to another trigger returns a Conflict error.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	b, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	start := o.now().UTC()
	b, err = o.transition(ctx, b, model.BroadcastExecuting, func(b *model.Broadcast) {
		b.StartedAt = &start
	})
	if err != nil {
		return err
	}
	o.audit(ctx, b, "execute", string(model.BroadcastScheduled), string(b.Status), "")
	o.publish(ctx, EventExecuting, b, nil)
	log := o.log.With(logx.String("broadcast", b.ID), logx.String("tenant", b.TenantID), logx.Corr(errs.CorrelationID(ctx)))
	log.Info("broadcast executing", logx.Int("channels", len(b.Channels)))

	snap, err := o.Contents.GetApproved(ctx, b.ContentID)
	if err != nil {
		reason := fmt.Sprintf("content %s unavailable: %v", b.ContentID, err)
		if errors.Is(err, content.ErrNotFound) {
			reason = fmt.Sprintf("content %s not found or not approved", b.ContentID)
		}
		return o.fail(ctx, b, reason, errs.KindNotFound)
	}

	payloads := o.format(ctx, b, snap)
	if len(payloads) == 0 {
		return o.fail(ctx, b, "no channel could format the content", errs.KindValidation)
	}

	tasks, err := o.resolve(ctx, b, payloads, start)
	if err != nil {
		reason := fmt.Sprintf("targeting failed: %v", err)
		if o.Alerter != nil {
			o.Alerter.Alert(ctx, "targeting:"+b.TenantID, fmt.Sprintf("Broadcast %s (tenant %s) failed: %s", b.ID, b.TenantID, reason))
		}
		return o.fail(ctx, b, reason, errs.KindTargetingFailure)
	}

	if len(tasks) == 0 {
		log.Info("no recipients matched")
		return o.Complete(ctx, b.ID)
	}

	if _, err := o.Store.InsertTasks(ctx, tasks); err != nil {
		return o.fail(ctx, b, fmt.Sprintf("store tasks: %v", err), errs.KindInternal)
	}
	o.Dispatcher.Prime(b.ID, payloads)

	n, err := o.Dispatcher.Dispatch(ctx, tasks)
	if err != nil {
		// Undispatched tasks stay pending and are picked up by the retry sweep.
		log.Warn("dispatch incomplete", logx.Int("dispatched", n), logx.Int("tasks", len(tasks)), logx.Err(err))
		return nil
	}
	log.Info("broadcast dispatched", logx.Int("tasks", len(tasks)), logx.Duration("took", o.now().Sub(start)))
	return nil
}

func (o *Orchestrator) format(ctx context.Context, b model.Broadcast, snap content.Snapshot) map[model.Channel]channel.Payload {
	out := make(map[model.Channel]channel.Payload, len(b.Channels))
	for _, ch := range b.Channels {
		adapter, ok := o.Channels.Get(ch)
		if !ok {
			o.skip(ctx, b, ch, "no adapter registered")
			continue
		}
		p, err := adapter.Format(snap)
		if err != nil {
			o.skip(ctx, b, ch, err.Error())
			continue
		}
		out[ch] = p
	}
	return out
}

func (o *Orchestrator) skip(ctx context.Context, b model.Broadcast, ch model.Channel, reason string) {
	o.log.Warn("channel skipped",
		logx.String("broadcast", b.ID),
		logx.String("channel", string(ch)),
		logx.String("reason", reason),
	)
	o.audit(ctx, b, "channel_skipped", "", string(ch), reason)
	o.emit(ctx, EventSkipped, BroadcastEvent{Broadcast: b, Channel: ch, Reason: reason})
}

// resolve runs targeting for every formatted channel, in canonical channel
// order, and returns the pending tasks. Nothing is stored on error.
func (o *Orchestrator) resolve(ctx context.Context, b model.Broadcast, payloads map[model.Channel]channel.Payload, now time.Time) ([]model.DeliveryTask, error) {
	var tasks []model.DeliveryTask
	for _, ch := range model.Channels {
		if _, ok := payloads[ch]; !ok {
			continue
		}
		for r, err := range o.Targeter.Recipients(ctx, b.TenantID, b.Criteria, ch) {
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ch, err)
			}
			tasks = append(tasks, model.NewTask(b, ch, r, now))
		}
	}
	return tasks, nil
}

// SweepStalled settles executing broadcasts whose execution was cut off
// before any task was stored, for example by a crash or the execution
// deadline. Broadcasts with tasks are left to the retry sweep and the
// aggregator. It returns the number of broadcasts settled.
func (o *Orchestrator) SweepStalled(ctx context.Context) (int, error) {
	cutoff := o.now().UTC().Add(-o.cfg.ExecuteTimeout - stallGrace)
	stalled, err := o.Store.StalledBroadcasts(ctx, cutoff, o.cfg.DueBatch)
	if err != nil {
		return 0, fmt.Errorf("stalled broadcasts: %w", err)
	}
	n := 0
	for _, b := range stalled {
		st, err := o.Store.TaskStats(ctx, b.ID)
		if err != nil {
			return n, fmt.Errorf("stats %s: %w", b.ID, err)
		}
		switch {
		case st.Total == 0:
			_, err = o.markFailed(ctx, b, "execution interrupted before tasks were stored")
		case st.Open() == 0:
			err = o.Complete(ctx, b.ID)
		default:
			continue
		}
		switch {
		case err == nil:
			n++
		case errs.Is(err, errs.KindConflict):
		default:
			return n, err
		}
	}
	if n > 0 {
		o.log.Warn("stalled broadcasts settled", logx.Int("count", n))
	}
	return n, nil
}

// Complete closes an executing broadcast once no task is open. It is called
// by the aggregator after every stats refresh.
func (o *Orchestrator) Complete(ctx context.Context, id string) error {
	b, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != model.BroadcastExecuting {
		return errs.New(ctx, errs.KindConflict, "broadcast %s is %s", id, b.Status)
	}
	st, err := o.Store.TaskStats(ctx, id)
	if err != nil {
		return errs.Wrap(ctx, errs.KindInternal, err, "stats")
	}
	if open := st.Open(); open > 0 {
		return errs.New(ctx, errs.KindConflict, "broadcast %s has %d open tasks", id, open)
	}
	done := o.now().UTC()
	saved, err := o.transition(ctx, b, model.BroadcastCompleted, func(b *model.Broadcast) {
		b.FinishedAt = &done
	})
	if err != nil {
		return err
	}
	o.audit(ctx, saved, "complete", string(model.BroadcastExecuting), string(saved.Status),
		fmt.Sprintf("total=%d delivered=%d failed=%d", st.Total, st.Delivered, st.Failed))
	o.publish(ctx, EventCompleted, saved, &st)
	o.log.Info("broadcast completed",
		logx.String("broadcast", id),
		logx.Int("total", st.Total),
		logx.Int("delivered", st.Delivered),
		logx.Int("failed", st.Failed),
	)
	o.finish(ctx, saved)
	return nil
}

// fail moves an executing broadcast to failed and returns the cause as an
// error of kind k.
func (o *Orchestrator) fail(ctx context.Context, b model.Broadcast, reason string, k errs.Kind) error {
	saved, err := o.markFailed(ctx, b, reason)
	if err != nil {
		return err
	}
	return errs.New(ctx, k, "broadcast %s failed: %s", saved.ID, reason)
}

func (o *Orchestrator) markFailed(ctx context.Context, b model.Broadcast, reason string) (model.Broadcast, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	done := o.now().UTC()
	saved, err := o.transition(ctx, b, model.BroadcastFailed, func(b *model.Broadcast) {
		b.FailureReason = reason
		b.FinishedAt = &done
	})
	if err != nil {
		return model.Broadcast{}, err
	}
	o.audit(ctx, saved, "fail", string(model.BroadcastExecuting), string(saved.Status), reason)
	st, _ := o.Store.TaskStats(ctx, saved.ID)
	o.publish(ctx, EventFailed, saved, &st)
	o.log.Warn("broadcast failed",
		logx.String("broadcast", saved.ID),
		logx.String("tenant", saved.TenantID),
		logx.String("reason", reason),
		logx.Corr(errs.CorrelationID(ctx)),
	)
	o.finish(ctx, saved)
	return saved, nil
}

func (o *Orchestrator) finish(ctx context.Context, b model.Broadcast) {
	o.Dispatcher.Forget(b.ID)
	if b.Recurrence == "" {
		return
	}
	next, err := o.nextOccurrence(ctx, b)
	if err != nil {
		o.log.Error("schedule next occurrence failed", logx.String("broadcast", b.ID), logx.Err(err))
		return
	}
	o.log.Info("next occurrence scheduled",
		logx.String("broadcast", next.ID),
		logx.String("series", next.SeriesID),
		logx.Time("at", next.ScheduledAt),
	)
}

// nextOccurrence creates the broadcast following b in its series. The ID is
// derived from the parent and the occurrence time, so repeated calls are
// harmless.
func (o *Orchestrator) nextOccurrence(ctx context.Context, b model.Broadcast) (model.Broadcast, error) {
	now := o.now()
	at, err := scheduler.NextOccurrence(b.Recurrence, now, b.Location())
	if err != nil {
		return model.Broadcast{}, err
	}
	series := b.SeriesID
	if series == "" {
		series = b.ID
	}
	next := model.Broadcast{
		ID:          uuid.NewSHA1(seriesNamespace, []byte(b.ID+"|"+at.Format(time.RFC3339))).String(),
		TenantID:    b.TenantID,
		ContentID:   b.ContentID,
		Channels:    append([]model.Channel(nil), b.Channels...),
		Criteria:    b.Criteria,
		ScheduledAt: at,
		Timezone:    b.Timezone,
		Recurrence:  b.Recurrence,
		Status:      model.BroadcastScheduled,
		SeriesID:    series,
		CreatedBy:   b.CreatedBy,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	err = o.Store.CreateBroadcast(ctx, next)
	if errors.Is(err, storage.ErrExists) {
		return o.Store.GetBroadcast(ctx, next.ID)
	}
	if err != nil {
		return model.Broadcast{}, err
	}
	o.audit(ctx, next, "schedule", "", string(next.Status), "recurrence of "+b.ID)
	o.publish(ctx, EventScheduled, next, nil)
	return next, nil
}
