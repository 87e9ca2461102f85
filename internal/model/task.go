package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSending   TaskStatus = "sending"
	TaskDelivered TaskStatus = "delivered"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
)

func (s TaskStatus) Terminal() bool { return s == TaskDelivered || s == TaskFailed }

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskSending},
	TaskSending:  {TaskDelivered, TaskFailed, TaskRetrying},
	TaskRetrying: {TaskSending},
}

// CanTransition reports whether a task may move from s to next through the
// normal delivery path. Operator retries of failed tasks go through ManualRetry.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, n := range taskTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// TaskKey is the idempotency key of a delivery: one recipient on one channel
// within one broadcast.
type TaskKey struct {
	BroadcastID string  `json:"broadcast_id"`
	Channel     Channel `json:"channel"`
	RecipientID string  `json:"recipient_id"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.BroadcastID, k.Channel, k.RecipientID)
}

// DeliveryTask is the persisted state of one TaskKey.
type DeliveryTask struct {
	Key      TaskKey `json:"key"`
	TenantID string  `json:"tenant_id"`
	Address  string  `json:"address"`
	Language string  `json:"language,omitempty"`

	Status        TaskStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewTask builds the initial pending task for a resolved recipient.
func NewTask(b Broadcast, ch Channel, r Recipient, now time.Time) DeliveryTask {
	return DeliveryTask{
		Key:       TaskKey{BroadcastID: b.ID, Channel: ch, RecipientID: r.CitizenID},
		TenantID:  b.TenantID,
		Address:   r.Address,
		Language:  r.Language,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Claim moves a pending or retrying task to sending and counts the attempt.
func (t *DeliveryTask) Claim(now time.Time) error {
	if !t.Status.CanTransition(TaskSending) {
		return fmt.Errorf("task %s: cannot claim from %s", t.Key, t.Status)
	}
	t.Status = TaskSending
	t.Attempts++
	t.NextRetryAt = nil
	t.UpdatedAt = now
	return nil
}

// ManualRetry re-opens a failed task with a fresh attempt budget.
func (t *DeliveryTask) ManualRetry(now time.Time) error {
	if t.Status != TaskFailed {
		return fmt.Errorf("task %s: only failed tasks can be retried, status is %s", t.Key, t.Status)
	}
	t.Status = TaskRetrying
	t.Attempts = 0
	t.NextRetryAt = &now
	t.LastError = ""
	t.LastErrorKind = ""
	t.UpdatedAt = now
	return nil
}

// AwaitingCallback reports whether the provider accepted the task and the
// final status is still outstanding.
func (t DeliveryTask) AwaitingCallback() bool {
	return t.Status == TaskSending && t.ExternalID != ""
}
