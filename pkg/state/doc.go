/*
Package state owns the persisted rotation state: the active and round-robin
indices, per-key counters, and the exhaust/block timestamps that drive
eligibility.

The Store holds the singleton State in memory behind a mutex and persists it
to <state_dir>/state.json with debounced, atomic, file-locked writes.
Callers mutate through WithLock and signal MarkDirty; the background flusher
consolidates a burst of signals into a single write after a 50 ms quiet
window.

# Persistence flow

	mutation (under state lock)
	    │
	    ▼
	MarkDirty ──▶ signal channel (non-blocking, capacity 1)
	    │
	    ▼
	flushLoop: wait 50 ms, extend on further signals
	    │
	    ▼
	save: marshal under lock → file lock → write temp → rename

A corrupt document is moved aside with a timestamped suffix and replaced by
a zeroed state; a document written by a newer build refuses to load. Schema
migrations are pure doc→doc functions applied in order at load time.
*/
package state
