/*
Package health maintains the per-key health cache and its background
refresher.

The Refresher is the only writer of the cache; the request pipeline takes
read-only snapshots. A single goroutine wakes every second and performs two
jobs on independent cadences: a full usage fan-out when the cache TTL
expires, and a bounded re-probe of blocked keys (oldest blocked_until
first) that clears a block when the upstream answers again. Failed fetches
leave the previous cache entry intact so a transient upstream hiccup never
downgrades every key at once.
*/
package health
