// Package model holds the broadcast delivery domain types and their state machines.
package model

import (
	"fmt"
	"strings"
	"time"
)

type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastExecuting BroadcastStatus = "executing"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

func (s BroadcastStatus) Terminal() bool {
	switch s {
	case BroadcastCompleted, BroadcastFailed, BroadcastCancelled:
		return true
	}
	return false
}

var broadcastTransitions = map[BroadcastStatus][]BroadcastStatus{
	BroadcastScheduled: {BroadcastExecuting, BroadcastCancelled},
	BroadcastExecuting: {BroadcastCompleted, BroadcastFailed},
}

// CanTransition reports whether a broadcast may move from s to next.
func (s BroadcastStatus) CanTransition(next BroadcastStatus) bool {
	for _, n := range broadcastTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Criteria selects citizens. Empty fields match everything.
type Criteria struct {
	Regions   []string          `json:"regions,omitempty"`
	Languages []string          `json:"languages,omitempty"`
	AgeMin    int               `json:"age_min,omitempty"`
	AgeMax    int               `json:"age_max,omitempty"`
	Genders   []string          `json:"genders,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

func (c Criteria) Validate() error {
	if c.AgeMin < 0 || c.AgeMax < 0 {
		return fmt.Errorf("age bounds must not be negative")
	}
	if c.AgeMax > 0 && c.AgeMin > c.AgeMax {
		return fmt.Errorf("age_min %d is greater than age_max %d", c.AgeMin, c.AgeMax)
	}
	for k := range c.Custom {
		if k == "" {
			return fmt.Errorf("custom filter with empty attribute name")
		}
	}
	return nil
}

// Match reports whether a citizen satisfies the criteria. It does not look at
// activity, addresses or opt-outs.
func (c Criteria) Match(z Citizen) bool {
	if len(c.Regions) > 0 && !containsFold(c.Regions, z.Region) {
		return false
	}
	if len(c.Languages) > 0 && !containsFold(c.Languages, z.Language) {
		return false
	}
	if c.AgeMin > 0 && z.Age < c.AgeMin {
		return false
	}
	if c.AgeMax > 0 && z.Age > c.AgeMax {
		return false
	}
	if len(c.Genders) > 0 && !containsFold(c.Genders, z.Gender) {
		return false
	}
	for k, v := range c.Custom {
		if z.Attributes[k] != v {
			return false
		}
	}
	return true
}

// Broadcast is one scheduled distribution of content across channels.
type Broadcast struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ContentID   string          `json:"content_id"`
	Channels    []Channel       `json:"channels"`
	Criteria    Criteria        `json:"criteria"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Timezone    string          `json:"timezone"`
	Recurrence  string          `json:"recurrence,omitempty"`
	Status      BroadcastStatus `json:"status"`
	SeriesID    string          `json:"series_id,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Version is bumped on every stored update and used for compare-and-swap.
	Version int64 `json:"version"`
}

// Location resolves the broadcast timezone, falling back to UTC.
func (b Broadcast) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Due reports whether a scheduled broadcast should start at now.
func (b Broadcast) Due(now time.Time) bool {
	return b.Status == BroadcastScheduled && !now.Before(b.ScheduledAt)
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
