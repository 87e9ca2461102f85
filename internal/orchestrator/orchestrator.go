// Package orchestrator owns the broadcast lifecycle: scheduling, execution
// at schedule time or on demand, completion and recurrence. Every status
// change is a compare-and-swap on the stored version, so concurrent
// triggers of one broadcast execute it at most once.
package orchestrator

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/errs"
	"govcast/internal/eventbus"
	"govcast/internal/model"
	"govcast/internal/storage"
	"govcast/internal/targeting"
	"govcast/internal/task/engine"
	"govcast/internal/task/scheduler"
	logx "govcast/pkg/logx"
)

// Event types published on the bus.
const (
	EventScheduled   = "broadcast.scheduled"
	EventRescheduled = "broadcast.rescheduled"
	EventExecuting   = "broadcast.executing"
	EventCompleted   = "broadcast.completed"
	EventFailed      = "broadcast.failed"
	EventCancelled   = "broadcast.cancelled"
	EventSkipped     = "broadcast.channel_skipped"
)

type Config struct {
	// ExecuteTimeout bounds targeting plus dispatch of one execution.
	// Tasks not handed to the dispatcher in time stay pending for the sweep.
	ExecuteTimeout time.Duration `yaml:"execute_timeout" json:"execute_timeout"`
	DueBatch       int           `yaml:"due_batch" json:"due_batch"`
}

func (c Config) withDefaults() Config {
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 10 * time.Minute
	}
	if c.DueBatch <= 0 {
		c.DueBatch = 100
	}
	return c
}

// Targeter resolves recipients. *targeting.Resolver implements it.
type Targeter interface {
	Recipients(ctx context.Context, tenantID string, c model.Criteria, ch model.Channel) iter.Seq2[model.Recipient, error]
	Estimate(ctx context.Context, tenantID string, c model.Criteria, chs []model.Channel) (targeting.Reach, error)
}

// Dispatcher fans tasks out. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Prime(broadcastID string, payloads map[model.Channel]channel.Payload)
	Forget(broadcastID string)
	Dispatch(ctx context.Context, tasks []model.DeliveryTask) (int, error)
}

// Retrier re-opens failed tasks. *retry.Controller implements it.
type Retrier interface {
	Manual(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error)
}

// Alerter notifies operators. *notifier.Service implements it.
type Alerter interface {
	Alert(ctx context.Context, key, text string)
}

// Runner executes broadcasts off the caller's goroutine. *engine.Service
// implements it.
type Runner interface {
	Enqueue(t engine.Task) error
}

// Deps are the collaborators of an Orchestrator. Alerter and Bus are optional.
type Deps struct {
	Store      storage.Store
	Contents   content.Source
	Channels   *channel.Registry
	Targeter   Targeter
	Dispatcher Dispatcher
	Retrier    Retrier
	Runner     Runner
	Alerter    Alerter
	Bus        eventbus.Bus
}

type Orchestrator struct {
	cfg Config
	Deps
	now func() time.Time
	log logx.Logger
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{cfg: cfg.withDefaults(), Deps: deps, now: time.Now, log: log.With(logx.String("comp", "orchestrator"))}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ScheduleRequest describes a new broadcast.
type ScheduleRequest struct {
	TenantID    string          `json:"tenant_id"`
	ContentID   string          `json:"content_id"`
	Channels    []model.Channel `json:"channels"`
	Criteria    model.Criteria  `json:"criteria"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Timezone    string          `json:"timezone,omitempty"`
	Recurrence  string          `json:"recurrence,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

func (r ScheduleRequest) validate(ctx context.Context) error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errs.New(ctx, errs.KindValidation, "tenant_id is required")
	}
	if strings.TrimSpace(r.ContentID) == "" {
		return errs.New(ctx, errs.KindValidation, "content_id is required")
	}
	if err := validateChannels(ctx, r.Channels); err != nil {
		return err
	}
	if err := r.Criteria.Validate(); err != nil {
		return errs.Wrap(ctx, errs.KindValidation, err, "invalid criteria")
	}
	if r.ScheduledAt.IsZero() {
		return errs.New(ctx, errs.KindValidation, "scheduled_at is required")
	}
	if _, err := loadLocation(r.Timezone); err != nil {
		return errs.Wrap(ctx, errs.KindValidation, err, "invalid timezone %q", r.Timezone)
	}
	if r.Recurrence != "" {
		if _, err := scheduler.ParseRecurrence(r.Recurrence); err != nil {
			return errs.Wrap(ctx, errs.KindValidation, err, "invalid recurrence")
		}
	}
	return nil
}

func validateChannels(ctx context.Context, chs []model.Channel) error {
	if len(chs) == 0 {
		return errs.New(ctx, errs.KindValidation, "at least one channel is required")
	}
	seen := map[model.Channel]bool{}
	for _, ch := range chs {
		if !ch.Valid() {
			return errs.New(ctx, errs.KindValidation, "unknown channel %q", ch)
		}
		if seen[ch] {
			return errs.New(ctx, errs.KindValidation, "channel %s listed twice", ch)
		}
		seen[ch] = true
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// Schedule stores a new broadcast in status scheduled.
func (o *Orchestrator) Schedule(ctx context.Context, req ScheduleRequest) (model.Broadcast, error) {
	if err := req.validate(ctx); err != nil {
		return model.Broadcast{}, err
	}
	now := o.now().UTC()
	b := model.Broadcast{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		ContentID:   req.ContentID,
		Channels:    append([]model.Channel(nil), req.Channels...),
		Criteria:    req.Criteria,
		ScheduledAt: req.ScheduledAt.UTC(),
		Timezone:    req.Timezone,
		Recurrence:  strings.TrimSpace(req.Recurrence),
		Status:      model.BroadcastScheduled,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}
	if b.Recurrence != "" {
		b.SeriesID = b.ID
	}
	if err := o.Store.CreateBroadcast(ctx, b); err != nil {
		return model.Broadcast{}, errs.Wrap(ctx, errs.KindInternal, err, "store broadcast")
	}
	stored, err := o.Store.GetBroadcast(ctx, b.ID)
	if err != nil {
		return model.Broadcast{}, errs.Wrap(ctx, errs.KindInternal, err, "reload broadcast")
	}
	o.audit(ctx, stored, "schedule", "", string(stored.Status), req.CreatedBy)
	o.publish(ctx, EventScheduled, stored, nil)
	o.log.Info("broadcast scheduled",
		logx.String("broadcast", b.ID),
		logx.String("tenant", b.TenantID),
		logx.Time("at", b.ScheduledAt),
		logx.Corr(errs.CorrelationID(ctx)),
	)
	return stored, nil
}

// View is a broadcast with its derived delivery stats.
type View struct {
	model.Broadcast
	Stats model.DeliveryStats `json:"stats"`
}

func (o *Orchestrator) Get(ctx context.Context, id string) (View, error) {
	b, err := o.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	st, err := o.Store.TaskStats(ctx, id)
	if err != nil {
		return View{}, errs.Wrap(ctx, errs.KindInternal, err, "stats")
	}
	return View{Broadcast: b, Stats: st}, nil
}

// Reschedule moves a broadcast that has not started. An empty timezone
// keeps the current one.
func (o *Orchestrator) Reschedule(ctx context.Context, id string, at time.Time, timezone string) (model.Broadcast, error) {
	if at.IsZero() {
		return model.Broadcast{}, errs.New(ctx, errs.KindValidation, "scheduled_at is required")
	}
	if _, err := loadLocation(timezone); err != nil {
		return model.Broadcast{}, errs.Wrap(ctx, errs.KindValidation, err, "invalid timezone %q", timezone)
	}
	b, err := o.load(ctx, id)
	if err != nil {
		return model.Broadcast{}, err
	}
	if b.Status != model.BroadcastScheduled {
		return model.Broadcast{}, errs.New(ctx, errs.KindConflict, "broadcast %s is %s, only scheduled broadcasts can be rescheduled", id, b.Status)
	}
	prev := b.ScheduledAt
	b.ScheduledAt = at.UTC()
	if timezone != "" {
		b.Timezone = timezone
	}
	b.UpdatedAt = o.now().UTC()
	saved, err := o.save(ctx, b)
	if err != nil {
		return model.Broadcast{}, err
	}
	o.audit(ctx, saved, "reschedule", prev.Format(time.RFC3339), saved.ScheduledAt.Format(time.RFC3339), "")
	o.publish(ctx, EventRescheduled, saved, nil)
	return saved, nil
}

// Cancel stops a broadcast that has not started. Executing broadcasts
// cannot be cancelled: dispatched tasks run to completion.
func (o *Orchestrator) Cancel(ctx context.Context, id, by string) (model.Broadcast, error) {
	b, err := o.load(ctx, id)
	if err != nil {
		return model.Broadcast{}, err
	}
	now := o.now().UTC()
	saved, err := o.transition(ctx, b, model.BroadcastCancelled, func(b *model.Broadcast) {
		b.FinishedAt = &now
	})
	if err != nil {
		return model.Broadcast{}, err
	}
	o.audit(ctx, saved, "cancel", string(b.Status), string(saved.Status), by)
	o.publish(ctx, EventCancelled, saved, nil)
	return saved, nil
}

// EstimateReach counts recipients without creating anything.
func (o *Orchestrator) EstimateReach(ctx context.Context, tenantID string, c model.Criteria, chs []model.Channel) (targeting.Reach, error) {
	if strings.TrimSpace(tenantID) == "" {
		return targeting.Reach{}, errs.New(ctx, errs.KindValidation, "tenant_id is required")
	}
	if err := validateChannels(ctx, chs); err != nil {
		return targeting.Reach{}, err
	}
	if err := c.Validate(); err != nil {
		return targeting.Reach{}, errs.Wrap(ctx, errs.KindValidation, err, "invalid criteria")
	}
	reach, err := o.Targeter.Estimate(ctx, tenantID, c, chs)
	if err != nil {
		return targeting.Reach{}, errs.Wrap(ctx, errs.KindTargetingFailure, err, "estimate reach")
	}
	return reach, nil
}

// ListTasks returns the tasks of a broadcast, optionally filtered.
func (o *Orchestrator) ListTasks(ctx context.Context, id string, f storage.TaskFilter) ([]model.DeliveryTask, error) {
	if _, err := o.load(ctx, id); err != nil {
		return nil, err
	}
	tasks, err := o.Store.ListTasks(ctx, id, f)
	if err != nil {
		return nil, errs.Wrap(ctx, errs.KindInternal, err, "list tasks")
	}
	return tasks, nil
}

// RetryTask re-opens one failed task of a broadcast.
func (o *Orchestrator) RetryTask(ctx context.Context, key model.TaskKey, by string) (model.DeliveryTask, error) {
	b, err := o.load(ctx, key.BroadcastID)
	if err != nil {
		return model.DeliveryTask{}, err
	}
	if b.Status == model.BroadcastFailed || b.Status == model.BroadcastCancelled {
		return model.DeliveryTask{}, errs.New(ctx, errs.KindConflict, "broadcast %s is %s, its tasks cannot be retried", b.ID, b.Status)
	}
	t, err := o.Retrier.Manual(ctx, key)
	if err != nil {
		return model.DeliveryTask{}, err
	}
	o.audit(ctx, b, "task_retry", string(model.TaskFailed), string(t.Status), by+" "+key.String())
	return t, nil
}

func (o *Orchestrator) load(ctx context.Context, id string) (model.Broadcast, error) {
	b, err := o.Store.GetBroadcast(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Broadcast{}, errs.New(ctx, errs.KindNotFound, "broadcast %s not found", id)
	}
	if err != nil {
		return model.Broadcast{}, errs.Wrap(ctx, errs.KindInternal, err, "load broadcast %s", id)
	}
	return b, nil
}

func (o *Orchestrator) save(ctx context.Context, b model.Broadcast) (model.Broadcast, error) {
	saved, err := o.Store.UpdateBroadcast(ctx, b)
	if errors.Is(err, storage.ErrStale) {
		return model.Broadcast{}, errs.New(ctx, errs.KindConflict, "broadcast %s changed concurrently", b.ID)
	}
	if err != nil {
		return model.Broadcast{}, errs.Wrap(ctx, errs.KindInternal, err, "update broadcast %s", b.ID)
	}
	return saved, nil
}

// transition applies a status change by compare-and-swap.
func (o *Orchestrator) transition(ctx context.Context, b model.Broadcast, to model.BroadcastStatus, mutate func(*model.Broadcast)) (model.Broadcast, error) {
	if !b.Status.CanTransition(to) {
		return model.Broadcast{}, errs.New(ctx, errs.KindConflict, "broadcast %s is %s, cannot become %s", b.ID, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = o.now().UTC()
	if mutate != nil {
		mutate(&b)
	}
	return o.save(ctx, b)
}

func (o *Orchestrator) audit(ctx context.Context, b model.Broadcast, action, from, to, detail string) {
	err := o.Store.AppendAudit(ctx, storage.AuditEntry{
		At:            o.now().UTC(),
		BroadcastID:   b.ID,
		TenantID:      b.TenantID,
		Action:        action,
		From:          from,
		To:            to,
		Detail:        strings.TrimSpace(detail),
		CorrelationID: errs.CorrelationID(ctx),
	})
	if err != nil {
		o.log.Warn("audit append failed", logx.String("broadcast", b.ID), logx.String("action", action), logx.Err(err))
	}
}

// BroadcastEvent is the payload of every broadcast.* event.
type BroadcastEvent struct {
	Broadcast model.Broadcast      `json:"broadcast"`
	Stats     *model.DeliveryStats `json:"stats,omitempty"`
	Channel   model.Channel        `json:"channel,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

func (o *Orchestrator) publish(ctx context.Context, typ string, b model.Broadcast, st *model.DeliveryStats) {
	o.emit(ctx, typ, BroadcastEvent{Broadcast: b, Stats: st})
}

func (o *Orchestrator) emit(ctx context.Context, typ string, ev BroadcastEvent) {
	if o.Bus == nil {
		return
	}
	corr := errs.CorrelationID(ctx)
	if corr == "" {
		corr = ev.Broadcast.ID
	}
	o.Bus.Publish(eventbus.Event{Type: typ, Time: o.now(), CorrelationID: corr, Data: ev})
}
