package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"govcast/internal/aggregator"
	"govcast/internal/model"
	"govcast/internal/orchestrator"
	"govcast/internal/storage"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
	maxBodyBytes     = 1 << 20
)

type broadcastHandler struct {
	svc Broadcasts
}

// body reads the request body and validates it against schema before
// decoding into v. It writes the error response itself.
func body(c *gin.Context, schema *gojsonschema.Schema, v any) bool {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		badRequest(c, "read body: %v", err)
		return false
	}
	if err := decode(c.Request.Context(), schema, raw, v); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func (h *broadcastHandler) schedule(c *gin.Context) {
	var req orchestrator.ScheduleRequest
	if !body(c, scheduleSchema, &req) {
		return
	}
	b, err := h.svc.Schedule(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *broadcastHandler) get(c *gin.Context) {
	v, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type rescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Timezone    string    `json:"timezone"`
}

func (h *broadcastHandler) reschedule(c *gin.Context) {
	var req rescheduleRequest
	if !body(c, rescheduleSchema, &req) {
		return
	}
	b, err := h.svc.Reschedule(c.Request.Context(), c.Param("id"), req.ScheduledAt, req.Timezone)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *broadcastHandler) cancel(c *gin.Context) {
	b, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), c.Query("by"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *broadcastHandler) execute(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.ForceExecute(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "queued"})
}

func (h *broadcastHandler) tasks(c *gin.Context) {
	var f storage.TaskFilter
	if raw := c.Query("channel"); raw != "" {
		ch, ok := model.ParseChannel(raw)
		if !ok {
			badRequest(c, "unknown channel %q", raw)
			return
		}
		f.Channel = ch
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := parseTaskStatus(part)
			if !ok {
				badRequest(c, "unknown task status %q", part)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.Limit = defaultTaskLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxTaskLimit)
	}
	tasks, err := h.svc.ListTasks(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.DeliveryTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func parseTaskStatus(s string) (model.TaskStatus, bool) {
	st := model.TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case model.TaskPending, model.TaskSending, model.TaskDelivered, model.TaskFailed, model.TaskRetrying:
		return st, true
	}
	return "", false
}

type retryRequest struct {
	Channel     model.Channel `json:"channel"`
	RecipientID string        `json:"recipient_id"`
	By          string        `json:"by"`
}

func (h *broadcastHandler) retry(c *gin.Context) {
	var req retryRequest
	if !body(c, retrySchema, &req) {
		return
	}
	key := model.TaskKey{BroadcastID: c.Param("id"), Channel: req.Channel, RecipientID: req.RecipientID}
	t, err := h.svc.RetryTask(c.Request.Context(), key, req.By)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type reachRequest struct {
	TenantID string          `json:"tenant_id"`
	Channels []model.Channel `json:"channels"`
	Criteria model.Criteria  `json:"criteria"`
}

func (h *broadcastHandler) reach(c *gin.Context) {
	var req reachRequest
	if !body(c, reachSchema, &req) {
		return
	}
	r, err := h.svc.EstimateReach(c.Request.Context(), req.TenantID, req.Criteria, req.Channels)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type callbackHandler struct {
	svc Callbacks
}

// receive accepts a provider delivery report. The channel comes from the
// path; any channel field in the body is ignored.
func (h *callbackHandler) receive(c *gin.Context) {
	ch, ok := model.ParseChannel(c.Param("channel"))
	if !ok {
		badRequest(c, "unknown channel %q", c.Param("channel"))
		return
	}
	var cb aggregator.Callback
	if !body(c, callbackSchema, &cb) {
		return
	}
	cb.Channel = ch
	if err := h.svc.ApplyCallback(c.Request.Context(), cb); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
