/*
Package rotation selects which key serves a request.

Two selection modes share one eligibility predicate (enabled, no 401 on
record, not exhausted, not blocked, health not blocked/exhausted):

  - Round-robin: two passes from the cursor, preferring keys the health
    cache reports healthy, falling back to any eligible key (warn keys only
    when configured). The cursor advances by exactly one per accepted
    selection.
  - Manual: candidates are ranked by the lexicographic score
    (status rank, negated remaining quota, error rate). When the active key
    ties for best, prefer_next_on_tie decides between rotating and staying;
    stays always carry a deterministic human-readable reason.

The engine never locks: every method mutates the State it is handed and
must be called under the caller's state lock.
*/
package rotation
