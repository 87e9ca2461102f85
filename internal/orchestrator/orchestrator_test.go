package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcast/internal/aggregator"
	"govcast/internal/channel"
	"govcast/internal/circuit"
	"govcast/internal/content"
	"govcast/internal/directory"
	"govcast/internal/dispatch"
	"govcast/internal/errs"
	"govcast/internal/model"
	"govcast/internal/retry"
	"govcast/internal/storage"
	"govcast/internal/targeting"
	"govcast/internal/task/engine"
	logx "govcast/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubChannel struct {
	kind      model.Channel
	formatErr error
	calls     atomic.Int32

	mu      sync.Mutex
	rejects map[string]bool
	outcome func(r model.Recipient) channel.Outcome
}

func (c *stubChannel) Kind() model.Channel { return c.kind }
func (c *stubChannel) Provider() string    { return "stub" }

func (c *stubChannel) Format(s content.Snapshot) (channel.Payload, error) {
	if c.formatErr != nil {
		return channel.Payload{}, c.formatErr
	}
	p := channel.NewPayload(c.kind, s)
	p.Messages[p.Default] = channel.Message{Language: p.Default, Text: s.Text}
	return p, nil
}

func (c *stubChannel) Attempt(_ context.Context, r model.Recipient, _ channel.Payload) channel.Outcome {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejects[r.Address] {
		return channel.RejectedOutcome("invalid number")
	}
	if c.outcome != nil {
		return c.outcome(r)
	}
	return channel.DeliveredOutcome("ext-" + r.CitizenID)
}

// inlineRunner runs queued work on the caller's goroutine.
type inlineRunner struct {
	ran atomic.Int32
}

func (r *inlineRunner) Enqueue(t engine.Task) error {
	r.ran.Add(1)
	return t.Run(context.Background())
}

type fakeAlerter struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeAlerter) Alert(_ context.Context, key, _ string) {
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.mu.Unlock()
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

type failingTargeter struct{}

func (failingTargeter) Recipients(context.Context, string, model.Criteria, model.Channel) iter.Seq2[model.Recipient, error] {
	return func(yield func(model.Recipient, error) bool) {
		yield(model.Recipient{}, errors.New("directory unavailable"))
	}
}

func (failingTargeter) Estimate(context.Context, string, model.Criteria, []model.Channel) (targeting.Reach, error) {
	return targeting.Reach{}, errors.New("directory unavailable")
}

// stallingTargeter blocks until the execution deadline passes.
type stallingTargeter struct{ failingTargeter }

func (stallingTargeter) Recipients(ctx context.Context, _ string, _ model.Criteria, _ model.Channel) iter.Seq2[model.Recipient, error] {
	return func(yield func(model.Recipient, error) bool) {
		<-ctx.Done()
		yield(model.Recipient{}, ctx.Err())
	}
}

type failingInsertStore struct{ storage.Store }

func (failingInsertStore) InsertTasks(context.Context, []model.DeliveryTask) (int, error) {
	return 0, errors.New("disk full")
}

type harness struct {
	clk      *clock
	store    storage.Store
	dir      *directory.Memory
	contents *content.Memory
	sms      *stubChannel
	web      *stubChannel
	agg      *aggregator.Aggregator
	retries  *retry.Controller
	runner   *inlineRunner
	alerts   *fakeAlerter
	orch     *Orchestrator
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		clk:      &clock{t: time.Now().UTC().Truncate(time.Hour)},
		store:    storage.NewMemory(),
		dir:      directory.NewMemory(),
		contents: content.NewMemory(content.Snapshot{ID: "c1", TenantID: "t1", Text: "Flood warning", Language: "en", Approved: true}),
		sms:      &stubChannel{kind: model.ChannelSMS, rejects: map[string]bool{}},
		web:      &stubChannel{kind: model.ChannelWeb, rejects: map[string]bool{}},
		runner:   &inlineRunner{},
		alerts:   &fakeAlerter{},
	}
	reg, err := channel.NewRegistry(h.sms, h.web)
	require.NoError(t, err)

	dcfg := dispatch.Config{Channels: map[model.Channel]dispatch.Limits{
		model.ChannelSMS: {Concurrency: 4},
		model.ChannelWeb: {Concurrency: 4},
	}}
	eng := engine.New("deliveries", engine.Config{Enabled: true, Workers: 8, GroupLimits: dcfg.GroupLimits()}, logx.Nop(), nil)
	eng.Start(ctx)
	t.Cleanup(func() { eng.Stop(context.Background()) })

	h.agg = aggregator.New(aggregator.Config{}, h.store, retry.DefaultPolicy(), aggregator.NewStoreDedup(h.store), nil, logx.Nop(), aggregator.WithClock(h.clk.now))
	disp := dispatch.New(dcfg, h.store, reg, circuit.NewRegistry(circuit.Config{}), h.contents, eng, h.agg, logx.Nop(), dispatch.WithClock(h.clk.now))
	h.retries = retry.New(retry.Config{StaleAfter: time.Hour}, h.store, disp, h.agg, logx.Nop(), retry.WithClock(h.clk.now))

	deps := Deps{
		Store:      h.store,
		Contents:   h.contents,
		Channels:   reg,
		Targeter:   targeting.New(h.dir),
		Dispatcher: disp,
		Retrier:    h.retries,
		Runner:     h.runner,
		Alerter:    h.alerts,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.orch = New(Config{}, deps, logx.Nop(), WithClock(h.clk.now))
	h.agg.SetCompleter(h.orch)
	return h
}

func (h *harness) citizens(n int, chs ...model.Channel) {
	for i := 0; i < n; i++ {
		z := model.Citizen{ID: fmt.Sprintf("z%03d", i), Active: true, Language: "en", Addresses: map[model.Channel]string{}}
		for _, ch := range chs {
			z.Addresses[ch] = fmt.Sprintf("+6281%06d", i)
		}
		h.dir.Add("t1", z)
	}
}

func (h *harness) schedule(t *testing.T, chs ...model.Channel) model.Broadcast {
	t.Helper()
	b, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		TenantID:    "t1",
		ContentID:   "c1",
		Channels:    chs,
		ScheduledAt: h.clk.now().Add(time.Hour),
		CreatedBy:   "ops",
	})
	require.NoError(t, err)
	return b
}

func (h *harness) waitStatus(t *testing.T, id string, want model.BroadcastStatus) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		var err error
		v, err = h.orch.Get(context.Background(), id)
		return err == nil && v.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return v
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	at := time.Now().Add(time.Hour)
	valid := ScheduleRequest{TenantID: "t1", ContentID: "c1", Channels: []model.Channel{model.ChannelSMS}, ScheduledAt: at}
	cases := []struct {
		name   string
		mutate func(*ScheduleRequest)
	}{
		{"no tenant", func(r *ScheduleRequest) { r.TenantID = " " }},
		{"no content", func(r *ScheduleRequest) { r.ContentID = "" }},
		{"no channels", func(r *ScheduleRequest) { r.Channels = nil }},
		{"unknown channel", func(r *ScheduleRequest) { r.Channels = []model.Channel{"fax"} }},
		{"duplicate channel", func(r *ScheduleRequest) { r.Channels = []model.Channel{model.ChannelSMS, model.ChannelSMS} }},
		{"bad criteria", func(r *ScheduleRequest) { r.Criteria = model.Criteria{AgeMin: 40, AgeMax: 20} }},
		{"no time", func(r *ScheduleRequest) { r.ScheduledAt = time.Time{} }},
		{"bad timezone", func(r *ScheduleRequest) { r.Timezone = "Mars/Olympus" }},
		{"bad recurrence", func(r *ScheduleRequest) { r.Recurrence = "every tuesday" }},
	}
	h := newHarness(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := h.orch.Schedule(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestScheduleAndGet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	local := time.FixedZone("WIB", 7*3600)
	b, err := h.orch.Schedule(ctx, ScheduleRequest{
		TenantID:    "t1",
		ContentID:   "c1",
		Channels:    []model.Channel{model.ChannelSMS},
		ScheduledAt: time.Date(2026, 3, 3, 9, 0, 0, 0, local),
		Recurrence:  "0 9 * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastScheduled, b.Status)
	assert.Equal(t, "UTC", b.Timezone)
	assert.Equal(t, b.ID, b.SeriesID)
	assert.Equal(t, time.UTC, b.ScheduledAt.Location())
	assert.Equal(t, int64(1), b.Version)

	v, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, v.ID)
	assert.Zero(t, v.Stats.Total)

	_, err = h.orch.Get(ctx, "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestPermanentFailuresStillComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.citizens(100, model.ChannelSMS)
	for i := 0; i < 10; i++ {
		h.sms.rejects[fmt.Sprintf("+6281%06d", i*10)] = true
	}
	b := h.schedule(t, model.ChannelSMS)

	require.NoError(t, h.orch.ForceExecute(context.Background(), b.ID))
	v := h.waitStatus(t, b.ID, model.BroadcastCompleted)

	assert.Equal(t, 100, v.Stats.Total)
	assert.Equal(t, 90, v.Stats.Sent)
	assert.Equal(t, 90, v.Stats.Delivered)
	assert.Equal(t, 10, v.Stats.Failed)
	assert.Zero(t, v.Stats.Open())
	assert.Equal(t, int32(100), h.sms.calls.Load())
	require.NotNil(t, v.FinishedAt)

	failed, err := h.orch.ListTasks(context.Background(), b.ID, storage.TaskFilter{Statuses: []model.TaskStatus{model.TaskFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 10)
	for _, task := range failed {
		assert.Equal(t, string(errs.KindPermanentDelivery), task.LastErrorKind)
		assert.Equal(t, 1, task.Attempts)
	}
}

func TestTerminalCountIsRecipientsTimesChannels(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.citizens(20, model.ChannelSMS, model.ChannelWeb)
	b := h.schedule(t, model.ChannelSMS, model.ChannelWeb)

	require.NoError(t, h.orch.Execute(context.Background(), b.ID))
	v := h.waitStatus(t, b.ID, model.BroadcastCompleted)

	assert.Equal(t, 40, v.Stats.Total)
	assert.Equal(t, 40, v.Stats.Delivered+v.Stats.Failed)
	assert.Equal(t, 20, v.Stats.Channels[model.ChannelSMS].Total)
	assert.Equal(t, 20, v.Stats.Channels[model.ChannelWeb].Total)
}

func TestExecuteOnlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.citizens(10, model.ChannelSMS)
	b := h.schedule(t, model.ChannelSMS)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.Execute(context.Background(), b.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	}
	assert.Equal(t, 1, ok)
	h.waitStatus(t, b.ID, model.BroadcastCompleted)
	assert.Equal(t, int32(10), h.sms.calls.Load())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("while scheduled", func(t *testing.T) {
		h := newHarness(t)
		h.citizens(5, model.ChannelSMS)
		b := h.schedule(t, model.ChannelSMS)

		got, err := h.orch.Cancel(ctx, b.ID, "ops")
		require.NoError(t, err)
		assert.Equal(t, model.BroadcastCancelled, got.Status)

		h.clk.advance(2 * time.Hour)
		n, err := h.orch.SweepDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		err = h.orch.ForceExecute(ctx, b.ID)
		assert.True(t, errs.Is(err, errs.KindConflict))
		_, err = h.orch.Reschedule(ctx, b.ID, h.clk.now().Add(time.Hour), "")
		assert.True(t, errs.Is(err, errs.KindConflict))

		tasks, err := h.orch.ListTasks(ctx, b.ID, storage.TaskFilter{})
		require.NoError(t, err)
		assert.Empty(t, tasks)
		assert.Zero(t, h.sms.calls.Load())
	})

	t.Run("after executing", func(t *testing.T) {
		h := newHarness(t)
		h.sms.outcome = func(r model.Recipient) channel.Outcome { return channel.AcceptedOutcome("ext-" + r.CitizenID) }
		h.citizens(3, model.ChannelSMS)
		b := h.schedule(t, model.ChannelSMS)

		require.NoError(t, h.orch.Execute(ctx, b.ID))
		_, err := h.orch.Cancel(ctx, b.ID, "ops")
		assert.True(t, errs.Is(err, errs.KindConflict))

		v, err := h.orch.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BroadcastExecuting, v.Status)
	})
}

func TestTransientAttemptsAreBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sms.outcome = func(model.Recipient) channel.Outcome { return channel.TransientOutcome(0, "gateway timeout") }
	h.citizens(3, model.ChannelSMS)
	b := h.schedule(t, model.ChannelSMS)
	ctx := context.Background()

	require.NoError(t, h.orch.Execute(ctx, b.ID))
	require.Eventually(t, func() bool {
		h.clk.advance(2 * time.Minute)
		if _, err := h.retries.Sweep(ctx); err != nil {
			return false
		}
		v, err := h.orch.Get(ctx, b.ID)
		return err == nil && v.Status == model.BroadcastCompleted
	}, 5*time.Second, 10*time.Millisecond)

	tasks, err := h.orch.ListTasks(ctx, b.ID, storage.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, model.TaskFailed, task.Status)
		assert.LessOrEqual(t, task.Attempts, 3)
	}
	assert.LessOrEqual(t, h.sms.calls.Load(), int32(9))
}

func TestDuplicateCallbacksAreIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sms.outcome = func(r model.Recipient) channel.Outcome { return channel.AcceptedOutcome("ext-" + r.CitizenID) }
	h.citizens(2, model.ChannelSMS)
	b := h.schedule(t, model.ChannelSMS)
	ctx := context.Background()

	require.NoError(t, h.orch.Execute(ctx, b.ID))
	require.Eventually(t, func() bool {
		tasks, err := h.store.AwaitingCallback(ctx, h.clk.now().Add(time.Minute), 10)
		return err == nil && len(tasks) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cb := aggregator.Callback{EventID: "ev-1", Channel: model.ChannelSMS, ExternalID: "ext-z000", Status: aggregator.CallbackRead}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.agg.ApplyCallback(ctx, cb))
	}
	cb.EventID = "ev-2"
	require.NoError(t, h.agg.ApplyCallback(ctx, cb))

	v, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastExecuting, v.Status)
	assert.Equal(t, 1, v.Stats.Delivered)
	assert.Equal(t, 1, v.Stats.Read)

	require.NoError(t, h.agg.ApplyCallback(ctx, aggregator.Callback{EventID: "ev-3", Channel: model.ChannelSMS, ExternalID: "ext-z001", Status: aggregator.CallbackDelivered}))
	v = h.waitStatus(t, b.ID, model.BroadcastCompleted)
	assert.Equal(t, 2, v.Stats.Delivered)
	assert.Equal(t, 2, v.Stats.Total)
}

func TestTargetingFailureFailsBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Targeter = failingTargeter{} })
	b := h.schedule(t, model.ChannelSMS)
	ctx := context.Background()

	err := h.orch.Execute(ctx, b.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindTargetingFailure, errs.KindOf(err))

	v, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastFailed, v.Status)
	assert.Contains(t, v.FailureReason, "targeting")
	assert.Zero(t, v.Stats.Total)
	assert.Equal(t, 1, h.alerts.count())

	_, err = h.orch.EstimateReach(ctx, "t1", model.Criteria{}, []model.Channel{model.ChannelSMS})
	assert.True(t, errs.Is(err, errs.KindTargetingFailure))
}

func TestExecutePastDeadlineStillFailsBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Targeter = stallingTargeter{} })
	b := h.schedule(t, model.ChannelSMS)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.orch.Execute(ctx, b.ID)
	assert.True(t, errs.Is(err, errs.KindTargetingFailure))

	v, err := h.orch.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastFailed, v.Status)
	assert.NotNil(t, v.FinishedAt)
}

func TestFailedTaskInsertStoresNothing(t *testing.T) {
	t.Parallel()

	var store storage.Store
	h := newHarness(t, func(d *Deps) {
		store = d.Store
		d.Store = failingInsertStore{Store: d.Store}
	})
	h.citizens(3, model.ChannelSMS)
	b := h.schedule(t, model.ChannelSMS)
	ctx := context.Background()

	err := h.orch.Execute(ctx, b.ID)
	assert.True(t, errs.Is(err, errs.KindInternal))

	got, err := store.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastFailed, got.Status)
	assert.Contains(t, got.FailureReason, "disk full")
	st, err := store.TaskStats(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Zero(t, h.sms.calls.Load())
}

func TestSweepStalledSettlesInterruptedExecutions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	markExecuting := func(b model.Broadcast, ago time.Duration) {
		started := h.clk.now().Add(-ago)
		b.Status = model.BroadcastExecuting
		b.StartedAt = &started
		_, err := h.store.UpdateBroadcast(ctx, b)
		require.NoError(t, err)
	}
	stalled := h.schedule(t, model.ChannelSMS)
	markExecuting(stalled, 20*time.Minute)
	recent := h.schedule(t, model.ChannelSMS)
	markExecuting(recent, time.Minute)

	n, err := h.orch.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := h.orch.Get(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastFailed, v.Status)
	assert.Contains(t, v.FailureReason, "interrupted")
	v, err = h.orch.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastExecuting, v.Status)

	n, err = h.orch.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.orch.RetryTask(ctx, model.TaskKey{BroadcastID: stalled.ID, Channel: model.ChannelSMS, RecipientID: "z000"}, "ops")
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestContentAndFormatFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing content", func(t *testing.T) {
		h := newHarness(t)
		h.citizens(3, model.ChannelSMS)
		b, err := h.orch.Schedule(ctx, ScheduleRequest{TenantID: "t1", ContentID: "nope", Channels: []model.Channel{model.ChannelSMS}, ScheduledAt: h.clk.now()})
		require.NoError(t, err)

		err = h.orch.Execute(ctx, b.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
		v, err := h.orch.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BroadcastFailed, v.Status)
		assert.Zero(t, v.Stats.Total)
	})

	t.Run("unformattable channel is skipped", func(t *testing.T) {
		h := newHarness(t)
		h.web.formatErr = channel.Unformattable(model.ChannelWeb, "no web template")
		h.citizens(4, model.ChannelSMS, model.ChannelWeb)
		b := h.schedule(t, model.ChannelSMS, model.ChannelWeb)

		require.NoError(t, h.orch.Execute(ctx, b.ID))
		v := h.waitStatus(t, b.ID, model.BroadcastCompleted)
		assert.Equal(t, 4, v.Stats.Total)
		assert.Zero(t, v.Stats.Channels[model.ChannelWeb].Total)
	})

	t.Run("no formattable channel", func(t *testing.T) {
		h := newHarness(t)
		h.web.formatErr = channel.Unformattable(model.ChannelWeb, "no web template")
		h.citizens(4, model.ChannelWeb)
		b := h.schedule(t, model.ChannelWeb)

		require.Error(t, h.orch.Execute(ctx, b.ID))
		v, err := h.orch.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BroadcastFailed, v.Status)
	})
}

func TestZeroMatchCompletesEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.citizens(5, model.ChannelSMS)
	ctx := context.Background()
	criteria := model.Criteria{Regions: []string{"nowhere"}}

	reach, err := h.orch.EstimateReach(ctx, "t1", criteria, []model.Channel{model.ChannelSMS})
	require.NoError(t, err)
	assert.Zero(t, reach.Total)

	b, err := h.orch.Schedule(ctx, ScheduleRequest{TenantID: "t1", ContentID: "c1", Channels: []model.Channel{model.ChannelSMS}, Criteria: criteria, ScheduledAt: h.clk.now()})
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, b.ID))

	v, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastCompleted, v.Status)
	assert.Zero(t, v.Stats.Total)
	assert.Zero(t, h.sms.calls.Load())
}

func TestSweepDueExecutesOnlyDueBroadcasts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.citizens(2, model.ChannelSMS)
	ctx := context.Background()
	early := h.schedule(t, model.ChannelSMS)
	late, err := h.orch.Schedule(ctx, ScheduleRequest{TenantID: "t1", ContentID: "c1", Channels: []model.Channel{model.ChannelSMS}, ScheduledAt: h.clk.now().Add(3 * time.Hour)})
	require.NoError(t, err)

	n, err := h.orch.SweepDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.advance(90 * time.Minute)
	n, err = h.orch.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitStatus(t, early.ID, model.BroadcastCompleted)

	v, err := h.orch.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastScheduled, v.Status)
}

func TestReschedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	b := h.schedule(t, model.ChannelSMS)

	at := h.clk.now().Add(48 * time.Hour)
	got, err := h.orch.Reschedule(ctx, b.ID, at, "")
	require.NoError(t, err)
	assert.True(t, got.ScheduledAt.Equal(at))
	assert.Equal(t, "UTC", got.Timezone)
	assert.Greater(t, got.Version, b.Version)

	_, err = h.orch.Reschedule(ctx, b.ID, at, "Mars/Olympus")
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = h.orch.Reschedule(ctx, b.ID, time.Time{}, "")
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = h.orch.Reschedule(ctx, "missing", at, "")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestRecurrenceCreatesNextOccurrence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	b, err := h.orch.Schedule(ctx, ScheduleRequest{
		TenantID:    "t1",
		ContentID:   "c1",
		Channels:    []model.Channel{model.ChannelSMS},
		ScheduledAt: h.clk.now(),
		Recurrence:  "0 9 * * *",
	})
	require.NoError(t, err)

	// No citizens: the occurrence completes immediately.
	require.NoError(t, h.orch.Execute(ctx, b.ID))
	h.waitStatus(t, b.ID, model.BroadcastCompleted)

	due, err := h.store.DueBroadcasts(ctx, h.clk.now().Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	next := due[0]
	assert.NotEqual(t, b.ID, next.ID)
	assert.Equal(t, b.ID, next.SeriesID)
	want := h.clk.now().Truncate(24 * time.Hour).Add(9 * time.Hour)
	if !want.After(h.clk.now()) {
		want = want.Add(24 * time.Hour)
	}
	assert.True(t, want.Equal(next.ScheduledAt), "next at %s, want %s", next.ScheduledAt, want)
	assert.Equal(t, b.Recurrence, next.Recurrence)
	assert.Equal(t, b.Channels, next.Channels)

	parent, err := h.store.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	again, err := h.orch.nextOccurrence(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)
}

func TestRetryTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.citizens(1, model.ChannelSMS)
	h.sms.rejects["+6281000000"] = true
	b := h.schedule(t, model.ChannelSMS)
	ctx := context.Background()

	require.NoError(t, h.orch.Execute(ctx, b.ID))
	h.waitStatus(t, b.ID, model.BroadcastCompleted)

	key := model.TaskKey{BroadcastID: b.ID, Channel: model.ChannelSMS, RecipientID: "z000"}
	_, err := h.orch.RetryTask(ctx, key, "ops")
	assert.True(t, errs.Is(err, errs.KindConflict), "permanent failures are not retried")

	_, err = h.orch.RetryTask(ctx, model.TaskKey{BroadcastID: "missing", Channel: model.ChannelSMS, RecipientID: "z000"}, "ops")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
