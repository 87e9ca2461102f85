// Package scheduler triggers recurring jobs (cron expressions or fixed
// intervals) and hands each trigger to a task engine. It never executes work
// itself.
//
// It also owns cron parsing for broadcast recurrence: ParseRecurrence and
// NextOccurrence.
package scheduler
