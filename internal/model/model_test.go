package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to BroadcastStatus
		ok       bool
	}{
		{BroadcastScheduled, BroadcastExecuting, true},
		{BroadcastScheduled, BroadcastCancelled, true},
		{BroadcastExecuting, BroadcastCompleted, true},
		{BroadcastExecuting, BroadcastFailed, true},
		{BroadcastExecuting, BroadcastCancelled, false},
		{BroadcastExecuting, BroadcastScheduled, false},
		{BroadcastCompleted, BroadcastExecuting, false},
		{BroadcastCancelled, BroadcastScheduled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTaskTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, TaskPending.CanTransition(TaskSending))
	assert.True(t, TaskSending.CanTransition(TaskRetrying))
	assert.True(t, TaskRetrying.CanTransition(TaskSending))
	assert.False(t, TaskDelivered.CanTransition(TaskSending))
	assert.False(t, TaskFailed.CanTransition(TaskRetrying))
	assert.False(t, TaskPending.CanTransition(TaskDelivered))
}

func TestClaimCountsAttempt(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	task := DeliveryTask{Status: TaskRetrying, Attempts: 1, NextRetryAt: &now}
	require.NoError(t, task.Claim(now))
	assert.Equal(t, TaskSending, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Nil(t, task.NextRetryAt)

	done := DeliveryTask{Status: TaskDelivered}
	assert.Error(t, done.Claim(now))
}

func TestManualRetryOnlyFromFailed(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	task := DeliveryTask{Status: TaskFailed, Attempts: 3, LastError: "timeout"}
	require.NoError(t, task.ManualRetry(now))
	assert.Equal(t, TaskRetrying, task.Status)
	assert.Zero(t, task.Attempts)
	assert.Empty(t, task.LastError)

	delivered := DeliveryTask{Status: TaskDelivered}
	assert.Error(t, delivered.ManualRetry(now))
}

func TestCriteriaMatch(t *testing.T) {
	t.Parallel()

	z := Citizen{ID: "c1", Region: "North", Language: "en", Age: 34, Gender: "f", Attributes: map[string]string{"farmer": "yes"}}

	cases := []struct {
		name string
		c    Criteria
		want bool
	}{
		{"empty matches", Criteria{}, true},
		{"region case-insensitive", Criteria{Regions: []string{"north"}}, true},
		{"other region", Criteria{Regions: []string{"south"}}, false},
		{"language", Criteria{Languages: []string{"sw", "en"}}, true},
		{"too young", Criteria{AgeMin: 40}, false},
		{"age window", Criteria{AgeMin: 30, AgeMax: 40}, true},
		{"gender", Criteria{Genders: []string{"m"}}, false},
		{"custom", Criteria{Custom: map[string]string{"farmer": "yes"}}, true},
		{"custom mismatch", Criteria{Custom: map[string]string{"farmer": "no"}}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.c.Match(z), tc.name)
	}
}

func TestCriteriaValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Criteria{AgeMin: 18, AgeMax: 65}.Validate())
	assert.Error(t, Criteria{AgeMin: 70, AgeMax: 65}.Validate())
	assert.Error(t, Criteria{AgeMin: -1}.Validate())
}

func TestStatsOf(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tasks := []DeliveryTask{
		{Key: TaskKey{Channel: ChannelSMS}, Status: TaskDelivered, SentAt: &now, ReadAt: &now},
		{Key: TaskKey{Channel: ChannelSMS}, Status: TaskFailed},
		{Key: TaskKey{Channel: ChannelWeb}, Status: TaskSending, SentAt: &now, ExternalID: "x"},
		{Key: TaskKey{Channel: ChannelWeb}, Status: TaskPending},
	}
	st := StatsOf(tasks)

	assert.Equal(t, Counts{Total: 4, Pending: 2, Sent: 2, Delivered: 1, Failed: 1, Read: 1}, st.Counts)
	assert.Equal(t, Counts{Total: 2, Sent: 1, Delivered: 1, Failed: 1, Read: 1}, st.Channels[ChannelSMS])
	assert.Equal(t, 2, st.Open())
}

func TestParseChannel(t *testing.T) {
	t.Parallel()

	c, ok := ParseChannel(" SMS ")
	assert.True(t, ok)
	assert.Equal(t, ChannelSMS, c)

	_, ok = ParseChannel("fax")
	assert.False(t, ok)
}
