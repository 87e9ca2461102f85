package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "govcast/pkg/logx"
)

// parkDelay bounds how long a worker waits for a saturated group before
// looking at the queue again.
const parkDelay = 20 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt = <-queue:
		}

		s.mu.Lock()
		limits := s.cfg.GroupLimits
		s.mu.Unlock()

		gs := s.groups.get(qt.task.Group, limits)
		if gs != nil && !gs.tryAcquire() {
			// Group saturated: hand the task back and wait for a slot or a short timeout.
			select {
			case queue <- qt:
			default:
				qt.release()
				s.onQueueFull(time.Now(), qt.task, queue)
			}
			t := time.NewTimer(parkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-stopCh:
				t.Stop()
				return
			case <-gs.freed:
				t.Stop()
			case <-t.C:
			}
			continue
		}

		s.inFlight.Add(1)
		s.exec(ctx, qt)
		s.inFlight.Add(-1)
		if gs != nil {
			gs.release()
		}
	}
}

func (s *Service) exec(ctx context.Context, qt queuedTask) {
	defer qt.release()

	start := time.Now()
	delay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && delay > maxDelay {
		s.onStale(start, qt.task, delay)
		return
	}

	t := qt.task
	s.publish(EventStarted, TaskEvent{ID: t.ID, Name: t.Name, Group: t.Group, Started: start, QueueDelay: delay})

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := s.runSafe(runCtx, t)
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Group: t.Group, Started: start, QueueDelay: delay, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Group: t.Group, Started: start, QueueDelay: delay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish(EventFailed, ev)
	} else {
		s.log.Trace("task.completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Duration("queue_delay", delay))
		s.publish(EventFinished, ev)
	}
	s.record(item)
}

// runSafe isolates task panics so one bad task cannot kill a worker.
func (s *Service) runSafe(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
