/*
Package usage parses the upstream usage payload and scores a key's health.

Payload shapes vary by provider; Parse normalizes them into a single Usage
snapshot (remaining percent, used/limit/remaining, windowed limits, reset
hint). Score folds a snapshot together with the key's lifetime counters and
the exhaust/block predicates into one of healthy, warn, blocked, or
exhausted.
*/
package usage
