package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcast/internal/aggregator"
	"govcast/internal/circuit"
	"govcast/internal/errs"
	"govcast/internal/model"
	"govcast/internal/orchestrator"
	"govcast/internal/storage"
	"govcast/internal/targeting"
	logx "govcast/pkg/logx"
)

type fakeBroadcasts struct {
	mu       sync.Mutex
	err      error
	schedule orchestrator.ScheduleRequest
	filter   storage.TaskFilter
	key      model.TaskKey
	executed string
	corr     string
}

func (f *fakeBroadcasts) record(ctx context.Context) {
	f.corr = errs.CorrelationID(ctx)
}

func (f *fakeBroadcasts) Schedule(ctx context.Context, req orchestrator.ScheduleRequest) (model.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.schedule = req
	if f.err != nil {
		return model.Broadcast{}, f.err
	}
	return model.Broadcast{ID: "b1", TenantID: req.TenantID, Status: model.BroadcastScheduled, Channels: req.Channels}, nil
}

func (f *fakeBroadcasts) Get(ctx context.Context, id string) (orchestrator.View, error) {
	if f.err != nil {
		return orchestrator.View{}, f.err
	}
	v := orchestrator.View{Broadcast: model.Broadcast{ID: id, Status: model.BroadcastExecuting}}
	v.Stats.Total = 10
	v.Stats.Delivered = 4
	return v, nil
}

func (f *fakeBroadcasts) Reschedule(_ context.Context, id string, at time.Time, tz string) (model.Broadcast, error) {
	return model.Broadcast{ID: id, ScheduledAt: at, Timezone: tz}, f.err
}

func (f *fakeBroadcasts) Cancel(_ context.Context, id, _ string) (model.Broadcast, error) {
	return model.Broadcast{ID: id, Status: model.BroadcastCancelled}, f.err
}

func (f *fakeBroadcasts) ForceExecute(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = id
	return f.err
}

func (f *fakeBroadcasts) ListTasks(_ context.Context, id string, fl storage.TaskFilter) ([]model.DeliveryTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = fl
	if f.err != nil {
		return nil, f.err
	}
	return []model.DeliveryTask{{Key: model.TaskKey{BroadcastID: id, Channel: model.ChannelSMS, RecipientID: "z1"}, Status: model.TaskFailed}}, nil
}

func (f *fakeBroadcasts) RetryTask(_ context.Context, key model.TaskKey, _ string) (model.DeliveryTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	return model.DeliveryTask{Key: key, Status: model.TaskPending}, f.err
}

func (f *fakeBroadcasts) EstimateReach(context.Context, string, model.Criteria, []model.Channel) (targeting.Reach, error) {
	return targeting.Reach{Total: 3, Channels: map[model.Channel]int{model.ChannelSMS: 3}}, f.err
}

type fakeCallbacks struct {
	mu  sync.Mutex
	got []aggregator.Callback
	err error
}

func (f *fakeCallbacks) ApplyCallback(_ context.Context, cb aggregator.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, cb)
	return f.err
}

type fakeCircuits struct{}

func (fakeCircuits) Snapshot() []circuit.Status {
	return []circuit.Status{{Key: circuit.Key{Tenant: "t1", Channel: "sms", Provider: "sns"}, State: "open"}}
}

func newTestServer(t *testing.T, b *fakeBroadcasts, cb *fakeCallbacks, cfg Config) *Server {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "govcast_up 1\n") })
	return New(cfg, Deps{Broadcasts: b, Callbacks: cb, Circuits: fakeCircuits{}, Metrics: metrics}, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errs.Error {
	t.Helper()
	var body struct {
		Error errs.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

func TestScheduleBodyValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "{"},
		{"missing tenant", `{"content_id":"c1","channels":["sms"],"scheduled_at":"2026-01-01T09:00:00Z"}`},
		{"unknown channel", `{"tenant_id":"t1","content_id":"c1","channels":["fax"],"scheduled_at":"2026-01-01T09:00:00Z"}`},
		{"duplicate channel", `{"tenant_id":"t1","content_id":"c1","channels":["sms","sms"],"scheduled_at":"2026-01-01T09:00:00Z"}`},
		{"bad time", `{"tenant_id":"t1","content_id":"c1","channels":["sms"],"scheduled_at":"tomorrow"}`},
		{"unknown field", `{"tenant_id":"t1","content_id":"c1","channels":["sms"],"scheduled_at":"2026-01-01T09:00:00Z","priority":1}`},
		{"negative age", `{"tenant_id":"t1","content_id":"c1","channels":["sms"],"scheduled_at":"2026-01-01T09:00:00Z","criteria":{"age_min":-1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := &fakeBroadcasts{}
			s := newTestServer(t, fb, &fakeCallbacks{}, Config{})
			w := do(t, s.Handler(), http.MethodPost, "/v1/broadcasts", tc.body, headerCorrelation, "corr-"+tc.name)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			e := decodeError(t, w)
			assert.Equal(t, errs.KindValidation, e.Kind)
			assert.Equal(t, "corr-"+tc.name, e.CorrelationID)
			assert.Empty(t, fb.schedule.TenantID)
		})
	}
}

func TestScheduleCreates(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcasts{}
	s := newTestServer(t, fb, &fakeCallbacks{}, Config{})
	body := `{"tenant_id":"t1","content_id":"c1","channels":["sms","web"],"criteria":{"regions":["north"],"age_min":18},
		"scheduled_at":"2026-01-01T09:00:00+07:00","timezone":"Asia/Jakarta","recurrence":"@daily","created_by":"ops"}`
	w := do(t, s.Handler(), http.MethodPost, "/v1/broadcasts", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var b model.Broadcast
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, []model.Channel{model.ChannelSMS, model.ChannelWeb}, b.Channels)

	assert.Equal(t, []string{"north"}, fb.schedule.Criteria.Regions)
	assert.Equal(t, 18, fb.schedule.Criteria.AgeMin)
	assert.True(t, fb.schedule.ScheduledAt.Equal(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)))
	assert.Equal(t, "@daily", fb.schedule.Recurrence)

	// A correlation id is generated when the caller sends none.
	assert.NotEmpty(t, w.Header().Get(headerCorrelation))
	assert.Equal(t, w.Header().Get(headerCorrelation), fb.corr)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind errs.Kind
		want int
	}{
		{errs.KindValidation, http.StatusBadRequest},
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindConflict, http.StatusConflict},
		{errs.KindTargetingFailure, http.StatusBadGateway},
		{errs.KindCircuitOpen, http.StatusServiceUnavailable},
		{errs.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()
			fb := &fakeBroadcasts{err: errs.New(context.Background(), tc.kind, "boom")}
			s := newTestServer(t, fb, &fakeCallbacks{}, Config{})
			w := do(t, s.Handler(), http.MethodGet, "/v1/broadcasts/b1", "", headerCorrelation, "c-1")
			require.Equal(t, tc.want, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tc.kind, e.Kind)
			assert.Equal(t, "boom", e.Message)
			assert.Equal(t, "c-1", e.CorrelationID)
		})
	}

	t.Run("plain error is internal", func(t *testing.T) {
		t.Parallel()
		fb := &fakeBroadcasts{err: io.ErrUnexpectedEOF}
		s := newTestServer(t, fb, &fakeCallbacks{}, Config{})
		w := do(t, s.Handler(), http.MethodPost, "/v1/broadcasts/b1/execute", "")
		require.Equal(t, http.StatusInternalServerError, w.Code)
		e := decodeError(t, w)
		assert.Equal(t, errs.KindInternal, e.Kind)
		assert.NotContains(t, e.Message, "unexpected EOF")
	})
}

func TestBroadcastRoutes(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcasts{}
	s := newTestServer(t, fb, &fakeCallbacks{}, Config{})
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/v1/broadcasts/b9", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "b9", view["id"])
	assert.EqualValues(t, 4, view["stats"].(map[string]any)["delivered"])

	w = do(t, h, http.MethodPut, "/v1/broadcasts/b9/schedule", `{"scheduled_at":"2026-02-01T10:00:00Z","timezone":"UTC"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPut, "/v1/broadcasts/b9/schedule", `{"timezone":"UTC"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/broadcasts/b9/cancel?by=ops", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cancelled"`)

	w = do(t, h, http.MethodPost, "/v1/broadcasts/b9/execute", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "b9", fb.executed)

	w = do(t, h, http.MethodPost, "/v1/broadcasts/b9/tasks/retry", `{"channel":"sms","recipient_id":"z1","by":"ops"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.TaskKey{BroadcastID: "b9", Channel: model.ChannelSMS, RecipientID: "z1"}, fb.key)

	w = do(t, h, http.MethodPost, "/v1/reach", `{"tenant_id":"t1","channels":["sms"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"total":3,"channels":{"sms":3}}`, w.Body.String())
}

func TestListTasksQuery(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		query  string
		code   int
		filter storage.TaskFilter
	}{
		{"defaults", "", http.StatusOK, storage.TaskFilter{Limit: defaultTaskLimit}},
		{"statuses", "?status=failed,Retrying&channel=SMS", http.StatusOK, storage.TaskFilter{
			Channel:  model.ChannelSMS,
			Statuses: []model.TaskStatus{model.TaskFailed, model.TaskRetrying},
			Limit:    defaultTaskLimit,
		}},
		{"limit capped", "?limit=50000", http.StatusOK, storage.TaskFilter{Limit: maxTaskLimit}},
		{"bad status", "?status=lost", http.StatusBadRequest, storage.TaskFilter{}},
		{"bad channel", "?channel=fax", http.StatusBadRequest, storage.TaskFilter{}},
		{"bad limit", "?limit=-3", http.StatusBadRequest, storage.TaskFilter{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := &fakeBroadcasts{}
			s := newTestServer(t, fb, &fakeCallbacks{}, Config{})
			w := do(t, s.Handler(), http.MethodGet, "/v1/broadcasts/b1/tasks"+tc.query, "")
			require.Equal(t, tc.code, w.Code, w.Body.String())
			assert.Equal(t, tc.filter, fb.filter)
			if tc.code == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"count":1`)
			}
		})
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()

	fc := &fakeCallbacks{}
	s := newTestServer(t, &fakeBroadcasts{}, fc, Config{})
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/v1/callbacks/WhatsApp", `{"event_id":"e1","external_id":"wamid.1","status":"read","channel":"sms"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, fc.got, 1)
	assert.Equal(t, model.ChannelWhatsApp, fc.got[0].Channel)
	assert.Equal(t, aggregator.CallbackRead, fc.got[0].Status)

	w = do(t, h, http.MethodPost, "/v1/callbacks/fax", `{"external_id":"x","status":"read"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/v1/callbacks/sms", `{"external_id":"x","status":"bounced"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, fc.got, 1)

	fc.err = errs.New(context.Background(), errs.KindNotFound, "no task for external id")
	w = do(t, h, http.MethodPost, "/v1/callbacks/sms", `{"external_id":"x","status":"delivered"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeBroadcasts{}, &fakeCallbacks{}, Config{CORSOrigins: []string{"https://ops.example.gov"}})
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, w.Body.String(), "govcast_up 1")
	w = do(t, h, http.MethodGet, "/v1/circuits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"open"`)
	w = do(t, h, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodOptions, "/v1/reach", "",
		"Origin", "https://ops.example.gov",
		"Access-Control-Request-Method", http.MethodPost)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.gov", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeBroadcasts{}, &fakeCallbacks{}, Config{Addr: "127.0.0.1:0", Pprof: true})
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/debug/pprof/cmdline")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())
}
