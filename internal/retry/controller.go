package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"govcast/internal/errs"
	"govcast/internal/model"
	"govcast/internal/storage"
	logx "govcast/pkg/logx"
)

// Store is the slice of storage.Store the controller needs.
type Store interface {
	GetTask(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error)
	UpdateTask(ctx context.Context, t model.DeliveryTask) (model.DeliveryTask, error)
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryTask, error)
	StaleTasks(ctx context.Context, before time.Time, limit int) ([]model.DeliveryTask, error)
}

// Enqueuer hands a task to the dispatcher for another attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, t model.DeliveryTask) error
}

// Recoverer settles a task whose attempt was interrupted (the process died
// between claim and outcome).
type Recoverer interface {
	Interrupted(ctx context.Context, t model.DeliveryTask) error
}

type Config struct {
	Policy `yaml:",inline"`
	// BatchSize bounds the rows read per sweep and per query.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// StaleAfter is how long a pending task, or a sending task without a
	// provider id, may sit untouched before the sweep recovers it.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
}

func (c Config) withDefaults() Config {
	c.Policy = c.Policy.withDefaults()
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	return c
}

type Controller struct {
	cfg   Config
	store Store
	enq   Enqueuer
	rec   Recoverer
	now   func() time.Time
	log   logx.Logger
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func New(cfg Config, store Store, enq Enqueuer, rec Recoverer, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		cfg:   cfg.withDefaults(),
		store: store,
		enq:   enq,
		rec:   rec,
		now:   time.Now,
		log:   log.With(logx.String("comp", "retry")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) Policy() Policy { return c.cfg.Policy }

// Result counts what one sweep did.
type Result struct {
	Retried   int `json:"retried"`
	Requeued  int `json:"requeued"`
	Recovered int `json:"recovered"`
}

func (r Result) Total() int { return r.Retried + r.Requeued + r.Recovered }

// Sweep enqueues due retries, re-enqueues pending tasks nobody picked up and
// settles attempts interrupted by a crash. It stops at the first enqueue
// error; the next sweep continues where this one stopped.
func (c *Controller) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := c.now()

	due, err := c.store.DueRetries(ctx, now, c.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("due retries: %w", err)
	}
	for _, t := range due {
		if err := c.enq.Enqueue(ctx, t); err != nil {
			return res, fmt.Errorf("enqueue %s: %w", t.Key, err)
		}
		res.Retried++
	}

	stale, err := c.store.StaleTasks(ctx, now.Add(-c.cfg.StaleAfter), c.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("stale tasks: %w", err)
	}
	for _, t := range stale {
		switch t.Status {
		case model.TaskPending:
			if err := c.enq.Enqueue(ctx, t); err != nil {
				return res, fmt.Errorf("enqueue %s: %w", t.Key, err)
			}
			res.Requeued++
		case model.TaskSending:
			if c.rec == nil {
				continue
			}
			if err := c.rec.Interrupted(ctx, t); err != nil {
				if errors.Is(err, storage.ErrStale) {
					continue
				}
				return res, fmt.Errorf("recover %s: %w", t.Key, err)
			}
			res.Recovered++
		}
	}
	if res.Total() > 0 {
		c.log.Debug("retry sweep", logx.Int("retried", res.Retried), logx.Int("requeued", res.Requeued), logx.Int("recovered", res.Recovered))
	}
	return res, nil
}

// Manual re-opens a failed task with a fresh attempt budget and enqueues it.
// Permanent failures are refused: the same send would be rejected again.
func (c *Controller) Manual(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error) {
	t, err := c.store.GetTask(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DeliveryTask{}, errs.New(ctx, errs.KindNotFound, "task %s not found", key)
	}
	if err != nil {
		return model.DeliveryTask{}, errs.Wrap(ctx, errs.KindInternal, err, "load task %s", key)
	}
	if t.Status != model.TaskFailed {
		return model.DeliveryTask{}, errs.New(ctx, errs.KindConflict, "task %s is %s, only failed tasks can be retried", key, t.Status)
	}
	if errs.Kind(t.LastErrorKind) == errs.KindPermanentDelivery {
		return model.DeliveryTask{}, errs.New(ctx, errs.KindConflict, "task %s failed permanently: %s", key, t.LastError)
	}
	if err := t.ManualRetry(c.now()); err != nil {
		return model.DeliveryTask{}, errs.Wrap(ctx, errs.KindConflict, err, "retry task %s", key)
	}
	t, err = c.store.UpdateTask(ctx, t)
	if errors.Is(err, storage.ErrStale) {
		return model.DeliveryTask{}, errs.New(ctx, errs.KindConflict, "task %s changed concurrently", key)
	}
	if err != nil {
		return model.DeliveryTask{}, errs.Wrap(ctx, errs.KindInternal, err, "update task %s", key)
	}
	c.log.Info("manual retry", logx.String("task", key.String()), logx.Corr(errs.CorrelationID(ctx)))

	// The sweep picks it up if the queue is full right now.
	if err := c.enq.Enqueue(ctx, t); err != nil {
		c.log.Debug("manual retry left to sweep", logx.String("task", key.String()), logx.Err(err))
	}
	return t, nil
}
