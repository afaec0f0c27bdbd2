/*
Package trace records one JSON line per accepted request and scores
rotation fairness over a trailing window.

The Sink writes synchronously under the file lock until Start is called,
then switches to a bounded queue with a single consumer; a full queue drops
entries rather than stalling the request path. Rotation renames
trace.jsonl.N to .N+1 before an append that would cross the size
threshold.
*/
package trace
