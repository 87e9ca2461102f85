// Package storage persists broadcasts and delivery tasks.
//
// Every update is a compare-and-swap on the row version, which is how
// broadcast claims and per-task transitions are linearized across workers
// and processes. Backends:
//   - memory: in-process maps, optional audit journal (jsonl)
//   - sqlite: modernc.org/sqlite file database
//   - postgres: lib/pq
package storage
